package session

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/tollgate/internal/util"
	bboltstorage "github.com/jmcleod/tollgate/storage/bbolt"
	"github.com/jmcleod/tollgate/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeTests runs the common suite against any Store implementation.
func storeTests(t *testing.T, store Store, clock *fakeClock) {
	t.Helper()

	live := func() State {
		now := clock.Now()
		return State{CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccessedAt: now}
	}

	t.Run("PutAndGet", func(t *testing.T) {
		s := live()
		s.AccessToken = "access-1"
		s.RefreshToken = "refresh-1"
		s.UserID = "8f6f2a57-53c4-4e8e-9a55-0d8f3c3b0b11"
		store.Put("sid-1", s)
		got, ok := store.Get("sid-1")
		if !ok {
			t.Fatal("expected to find session")
		}
		if got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
			t.Fatalf("got tokens %q/%q", got.AccessToken, got.RefreshToken)
		}
		if got.UserID != s.UserID {
			t.Fatalf("got UserID %q, want %q", got.UserID, s.UserID)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, ok := store.Get("no-such-session"); ok {
			t.Fatal("expected not found for missing session")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store.Put("sid-del", live())
		store.Delete("sid-del")
		if _, ok := store.Get("sid-del"); ok {
			t.Fatal("expected session to be deleted")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		// Should not panic.
		store.Delete("never-existed")
	})

	t.Run("Overwrite", func(t *testing.T) {
		s1 := live()
		s1.AccessToken = "v1"
		store.Put("sid-ow", s1)
		s2 := live()
		s2.AccessToken = "v2"
		store.Put("sid-ow", s2)

		got, ok := store.Get("sid-ow")
		if !ok {
			t.Fatal("expected session after overwrite")
		}
		if got.AccessToken != "v2" {
			t.Fatalf("got AccessToken %q, want %q", got.AccessToken, "v2")
		}
	})

	t.Run("ExpiredSession", func(t *testing.T) {
		s := live()
		s.ExpiresAt = clock.Now().Add(-time.Second)
		store.Put("sid-exp", s)
		if _, ok := store.Get("sid-exp"); ok {
			t.Fatal("expected expired session to be rejected")
		}
	})

	t.Run("ChallengeFields", func(t *testing.T) {
		s := live()
		s.ChallengeToken = "abc"
		s.ChallengeIssuedAt = clock.Now().Format(time.RFC3339Nano)
		s.PendingLoginEmail = "carol@example.com"
		store.Put("sid-2fa", s)
		got, ok := store.Get("sid-2fa")
		if !ok {
			t.Fatal("expected to find session")
		}
		if got.ChallengeToken != "abc" || got.PendingLoginEmail != "carol@example.com" {
			t.Fatalf("challenge fields not preserved: %+v", got)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithClock(clock.Now), WithSweepInterval(0))
	defer store.Close()
	storeTests(t, store, clock)
}

func TestMemoryStore_IdleTimeout(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(10*time.Minute, WithClock(clock.Now), WithSweepInterval(0))
	defer store.Close()

	now := clock.Now()
	store.Put("sid", State{ExpiresAt: now.Add(time.Hour), LastAccessedAt: now})

	clock.Advance(9 * time.Minute)
	if _, ok := store.Get("sid"); !ok {
		t.Fatal("session should survive within idle timeout")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := store.Get("sid"); ok {
		t.Fatal("session should be rejected after idle timeout")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithClock(clock.Now), WithSweepInterval(0))
	defer store.Close()

	now := clock.Now()
	store.Put("short", State{ExpiresAt: now.Add(time.Minute), LastAccessedAt: now})
	store.Put("long", State{ExpiresAt: now.Add(time.Hour), LastAccessedAt: now})

	clock.Advance(2 * time.Minute)
	store.sweepExpired()
	if store.Len() != 1 {
		t.Fatalf("expected 1 session after sweep, got %d", store.Len())
	}
}

func testWrappingKey(t *testing.T) []byte {
	t.Helper()
	key, err := util.DeriveWrappingKey("test-session-secret")
	if err != nil {
		t.Fatalf("deriving wrapping key: %v", err)
	}
	return key
}

func TestPersistentStore(t *testing.T) {
	clock := newFakeClock()
	store, err := NewPersistentStore(memory.NewRepository(), 0, testWrappingKey(t), WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	defer store.Close()
	storeTests(t, store, clock)
}

func TestPersistentStore_RejectsBadWrappingKey(t *testing.T) {
	if _, err := NewPersistentStore(memory.NewRepository(), 0, []byte("short")); err == nil {
		t.Fatal("expected error for short wrapping key")
	}
}

func TestPersistentStore_EncryptedAtRest(t *testing.T) {
	repo := memory.NewRepository()
	clock := newFakeClock()
	store, err := NewPersistentStore(repo, 0, testWrappingKey(t), WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	defer store.Close()

	now := clock.Now()
	store.Put("sid", State{AccessToken: "super-secret-access", ExpiresAt: now.Add(time.Hour), LastAccessedAt: now})

	env, err := repo.Get(sessionNamespace, sessionRecordType, "sid")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if containsBytes(env.Ciphertext, []byte("super-secret-access")) {
		t.Fatal("token stored in plaintext")
	}

	// A record copied under another id must not open: the id is bound as AAD.
	if err := repo.Put(sessionNamespace, sessionRecordType, "other", env); err != nil {
		t.Fatalf("raw put: %v", err)
	}
	if _, ok := store.Get("other"); ok {
		t.Fatal("record moved to a different id should not decrypt")
	}
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

func TestPersistentStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	clock := newFakeClock()
	now := clock.Now()

	repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	store, err := NewPersistentStore(repo, 0, testWrappingKey(t), WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	store.Put("sid", State{RefreshToken: "r-1", ExpiresAt: now.Add(time.Hour), LastAccessedAt: now})
	store.Close()
	repo.Close()

	repo, err = bboltstorage.NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen bbolt: %v", err)
	}
	defer repo.Close()

	store, err = NewPersistentStore(repo, 0, testWrappingKey(t), WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore after restart: %v", err)
	}
	defer store.Close()
	got, ok := store.Get("sid")
	if !ok || got.RefreshToken != "r-1" {
		t.Fatalf("expected session to survive restart, got %+v (ok=%v)", got, ok)
	}

	// A different wrapping key rotates the session key; old sessions are gone.
	other, _ := util.DeriveWrappingKey("rotated-secret")
	rotated, err := NewPersistentStore(repo, 0, other, WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore with new key: %v", err)
	}
	defer rotated.Close()
	if _, ok := rotated.Get("sid"); ok {
		t.Fatal("session should be unreadable after wrapping key change")
	}
}

func TestPersistentStore_Sweep(t *testing.T) {
	repo := memory.NewRepository()
	clock := newFakeClock()
	store, err := NewPersistentStore(repo, 0, testWrappingKey(t), WithClock(clock.Now), WithSweepInterval(0))
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	defer store.Close()

	now := clock.Now()
	store.Put("short", State{ExpiresAt: now.Add(time.Minute), LastAccessedAt: now})
	store.Put("long", State{ExpiresAt: now.Add(time.Hour), LastAccessedAt: now})
	clock.Advance(5 * time.Minute)

	store.sweepExpired()
	ids, _ := repo.List(sessionNamespace, sessionRecordType)
	if len(ids) != 1 || ids[0] != "long" {
		t.Fatalf("expected only long-lived session to remain, got %v", ids)
	}
}
