package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/storage"
)

const (
	sessionNamespace      = "__sessions"
	sessionRecordType     = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionAADPrefix      = "session:"
	sessionKeyWrappingAAD = "tollgate:session_master_key:v1"
)

// PersistentStore stores sessions in a storage.Repository, encrypted at rest
// using AES-256-GCM with the session id bound as additional data. Sessions
// survive server restarts.
//
// The session encryption key is sealed with an externally provided wrapping
// key before being stored, and is held in a memguard enclave while the
// process runs.
type PersistentStore struct {
	repo        storage.Repository
	key         *memguard.Enclave
	idleTimeout time.Duration
	opts        storeOptions
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore creates a session store backed by repo. wrappingKey
// (32 bytes) seals the session encryption key at rest and is never written
// to the repository. idleTimeout of 0 disables idle timeout checking.
func NewPersistentStore(repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte, opts ...StoreOption) (*PersistentStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentStore{
		repo:        repo,
		key:         memguard.NewEnclave(key),
		idleTimeout: idleTimeout,
		opts:        newStoreOptions(opts),
		stopCh:      make(chan struct{}),
	}
	go sweeper(s.opts.sweepInterval, s.stopCh, s.sweepExpired)
	return s, nil
}

// Close stops the background sweep.
func (s *PersistentStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *PersistentStore) withKey(fn func(key []byte) error) error {
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (s *PersistentStore) load(id string) (State, error) {
	env, err := s.repo.Get(sessionNamespace, sessionRecordType, id)
	if err != nil {
		return State{}, err
	}
	var state State
	err = s.withKey(func(key []byte) error {
		data, err := storage.OpenRecord(key, env, []byte(sessionAADPrefix+id))
		if err != nil {
			return err
		}
		defer util.WipeBytes(data)
		return json.Unmarshal(data, &state)
	})
	return state, err
}

func (s *PersistentStore) Get(id string) (State, bool) {
	state, err := s.load(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNamespaceNotFound) {
			s.opts.logger.Warn("unreadable session record", "error", err)
		}
		return State{}, false
	}
	if !state.live(s.opts.now(), s.idleTimeout) {
		s.Delete(id)
		return State{}, false
	}
	return state, true
}

func (s *PersistentStore) Put(id string, state State) {
	data, err := json.Marshal(state)
	if err != nil {
		s.opts.logger.Error("encoding session", "error", err)
		return
	}
	defer util.WipeBytes(data)
	err = s.withKey(func(key []byte) error {
		env, err := storage.SealRecord(key, data, []byte(sessionAADPrefix+id))
		if err != nil {
			return err
		}
		return s.repo.Put(sessionNamespace, sessionRecordType, id, env)
	})
	if err != nil {
		s.opts.logger.Error("persisting session", "error", err)
	}
}

func (s *PersistentStore) Delete(id string) {
	_ = s.repo.Delete(sessionNamespace, sessionRecordType, id)
}

func (s *PersistentStore) sweepExpired() {
	ids, err := s.repo.List(sessionNamespace, sessionRecordType)
	if err != nil {
		s.opts.logger.Warn("listing sessions for sweep", "error", err)
		return
	}
	now := s.opts.now()
	for _, id := range ids {
		state, err := s.load(id)
		if err != nil || !state.live(now, s.idleTimeout) {
			_ = s.repo.Delete(sessionNamespace, sessionRecordType, id)
		}
	}
}

// loadOrCreateSessionKey unseals the stored session encryption key with
// wrappingKey, or generates and stores a new one. If the wrapping key has
// changed the old key cannot be opened and a new one replaces it, so all
// existing sessions become unreadable.
func loadOrCreateSessionKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	env, err := repo.Get(sessionNamespace, sessionKeyType, sessionKeyID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(sessionNamespace, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return key, nil
}
