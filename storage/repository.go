// Package storage provides the sealed-record storage layer used to persist
// gateway sessions.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record was ever written to a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// Repository stores sealed envelopes addressed by namespace, record type and
// record ID.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	Delete(namespace string, recordType string, recordID string) error
	List(namespace string, recordType string) ([]string, error)
}
