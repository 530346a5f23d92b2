package memory

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/jmcleod/tollgate/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	namespace := "__sessions"
	recordType := "SESSION"
	recordID := "sid-1"
	env := &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte("ciphertext"),
	}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(namespace, recordType, recordID, env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(namespace, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != env.Ver || got.Scheme != env.Scheme || !bytes.Equal(got.Nonce, env.Nonce) || !bytes.Equal(got.Ciphertext, env.Ciphertext) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		got.Nonce[0] = 'X'
		got2, _ := repo.Get(namespace, recordType, recordID)
		if got2.Nonce[0] == 'X' {
			t.Error("repository should return clones of envelopes")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", recordType, recordID)
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}

		_, err = repo.Get(namespace, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo.Put(namespace, recordType, "sid-2", env)
		repo.Put(namespace, "SESSION_KEY", "current", env)

		ids, err := repo.List(namespace, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "sid-1" || ids[1] != "sid-2" {
			t.Errorf("unexpected ids: %v", ids)
		}

		ids, _ = repo.List("empty", recordType)
		if len(ids) != 0 {
			t.Errorf("expected no ids for unknown namespace, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(namespace, recordType, "sid-2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(namespace, recordType, "sid-2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(namespace, recordType, "sid-2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})
}

func TestMemoryRepositoryConcurrency(t *testing.T) {
	repo := NewRepository()
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("c")}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_ = repo.Put("ns", "T", id, env)
			_, _ = repo.Get("ns", "T", id)
			_, _ = repo.List("ns", "T")
		}(i)
	}
	wg.Wait()

	ids, _ := repo.List("ns", "T")
	if len(ids) != 26 {
		t.Errorf("expected 26 ids, got %d", len(ids))
	}
}
