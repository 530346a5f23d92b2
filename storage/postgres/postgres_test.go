package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TOLLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOLLGATE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	s, err := NewRepositoryFromDSN(t.Context(), dsn)
	require.NoError(t, err)

	// Clean the table for test isolation.
	s.pool.Exec(t.Context(), "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DELETE FROM records") //nolint:errcheck
		s.Close()
	})
	return s
}

func TestPostgresStorage(t *testing.T) {
	s := newTestStore(t)

	namespace := "__sessions"
	recordType := "SESSION"
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.Put(namespace, recordType, "s1", env))
		got, err := s.Get(namespace, recordType, "s1")
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, "cipher", string(got.Ciphertext))
	})

	t.Run("Overwrite", func(t *testing.T) {
		updated := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("newer")}
		require.NoError(t, s.Put(namespace, recordType, "s1", updated))
		got, err := s.Get(namespace, recordType, "s1")
		require.NoError(t, err)
		assert.Equal(t, "newer", string(got.Ciphertext))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Put(namespace, recordType, "s2", env))
		require.NoError(t, s.Put(namespace, "SESSION_KEY", "current", env))
		ids, err := s.List(namespace, recordType)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, ids)
	})

	t.Run("ListUnknownNamespace", func(t *testing.T) {
		ids, err := s.List("missing", recordType)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Get("missing", recordType, "s1")
		assert.ErrorIs(t, err, storage.ErrNamespaceNotFound)
		_, err = s.Get(namespace, recordType, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(namespace, recordType, "s2"))
		_, err := s.Get(namespace, recordType, "s2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(namespace, recordType, "s2"), storage.ErrNotFound)
	})
}
