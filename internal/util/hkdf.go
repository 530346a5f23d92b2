package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

const sessionWrappingInfo = "tollgate:session_wrapping_key:v1"

func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveWrappingKey turns an operator-supplied secret of any length into the
// 32-byte key that seals the persisted session encryption key.
func DeriveWrappingKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is empty")
	}
	return HKDF([]byte(secret), nil, []byte(sessionWrappingInfo))
}
