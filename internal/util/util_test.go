package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("ShortCipherText", func(t *testing.T) {
		_, err := DecryptAESWithAAD([]byte{1, 2, 3}, key, aad)
		if err == nil {
			t.Error("expected error with truncated ciphertext, got nil")
		}
	})
}

func TestHKDF(t *testing.T) {
	k1, err := HKDF([]byte("seed"), []byte("salt"), []byte("info"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(k1) != HKDFKeyLength {
		t.Fatalf("expected %d bytes, got %d", HKDFKeyLength, len(k1))
	}
	k2, _ := HKDF([]byte("seed"), []byte("salt"), []byte("other"))
	if bytes.Equal(k1, k2) {
		t.Error("different info must yield different keys")
	}
}

func TestDeriveWrappingKey(t *testing.T) {
	a, err := DeriveWrappingKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("DeriveWrappingKey failed: %v", err)
	}
	b, _ := DeriveWrappingKey("correct horse battery staple")
	if !bytes.Equal(a, b) {
		t.Error("derivation must be deterministic")
	}
	if len(a) != AESKeySize {
		t.Errorf("expected %d byte key, got %d", AESKeySize, len(a))
	}
	if _, err := DeriveWrappingKey(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	WipeBytes(src)
	if !bytes.Equal(src, []byte{0, 0, 0}) {
		t.Errorf("expected wiped slice, got %v", src)
	}
}

func TestEncoding(t *testing.T) {
	if got := NormalizeEmail("  Admin@Example.COM "); got != "admin@example.com" {
		t.Errorf("NormalizeEmail = %q", got)
	}
	if !EqualFold("Admin@Example.com", "admin@EXAMPLE.com") {
		t.Error("expected case-folded equality")
	}
	if EqualFold("alice@example.com", "bob@example.com") {
		t.Error("different addresses must not compare equal")
	}
	// Fullwidth "Ａ" normalises to "A" under NFKC.
	if !EqualFold("Ａdmin", "admin") {
		t.Error("expected NFKC-normalised equality")
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b, err := RandomBytes(16)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		if len(b) != 16 {
			t.Errorf("expected 16 bytes, got %d", len(b))
		}
	})

	t.Run("RandomToken", func(t *testing.T) {
		a, err := RandomToken(32)
		if err != nil {
			t.Fatalf("RandomToken failed: %v", err)
		}
		b, _ := RandomToken(32)
		if a == b {
			t.Error("tokens should be unique")
		}
		if len(a) != 43 {
			t.Errorf("expected 43 chars, got %d", len(a))
		}
	})
}
