package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/tollgate/internal/auditchain"
	"github.com/jmcleod/tollgate/internal/uuid"
	"github.com/jmcleod/tollgate/storage"
)

const (
	adminAuditNamespace  = "__admin_audit"
	adminAuditRecordType = "ENTRY"
	adminAuditHeadType   = "HEAD"
	adminAuditHeadID     = "head"

	defaultAdminAuditMaxEntries = 10000
)

// adminAuditEntry is one persisted administrative action. Entries form a
// hash chain: PrevHash is the auditchain.Hash of the entry before.
type adminAuditEntry struct {
	Seq       uint64     `json:"seq"`
	ID        string     `json:"id"`
	Event     AuditEvent `json:"event"`
	ActorID   string     `json:"actor_id"`
	TargetID  string     `json:"target_id,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	PrevHash  string     `json:"prev_hash"`
}

func (e adminAuditEntry) chainEntry() auditchain.Entry {
	return auditchain.Entry{
		Seq:       e.Seq,
		ID:        e.ID,
		Event:     string(e.Event),
		ActorID:   e.ActorID,
		TargetID:  e.TargetID,
		Detail:    e.Detail,
		CreatedAt: auditchain.FormatTime(e.CreatedAt),
		PrevHash:  e.PrevHash,
	}
}

// chainHead survives pruning so the chain keeps growing from the last
// written entry.
type chainHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// adminTrail persists administrative actions in a storage.Repository.
// Entries are not secret, so they are stored as plain JSON envelopes.
type adminTrail struct {
	repo       storage.Repository
	now        func() time.Time
	maxEntries int

	mu sync.Mutex
}

func newAdminTrail(repo storage.Repository, now func() time.Time) *adminTrail {
	return &adminTrail{repo: repo, now: now, maxEntries: defaultAdminAuditMaxEntries}
}

func (t *adminTrail) append(event AuditEvent, actorID, targetID, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, err := t.head()
	if err != nil {
		return err
	}
	entry := adminAuditEntry{
		Seq:       head.Seq + 1,
		ID:        uuid.New(),
		Event:     event,
		ActorID:   actorID,
		TargetID:  targetID,
		Detail:    detail,
		CreatedAt: t.now().UTC(),
		PrevHash:  head.Hash,
	}
	if err := t.put(adminAuditRecordType, entry.ID, entry); err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}
	next := chainHead{Seq: entry.Seq, Hash: auditchain.Hash(entry.chainEntry())}
	if err := t.put(adminAuditHeadType, adminAuditHeadID, next); err != nil {
		return fmt.Errorf("storing audit head: %w", err)
	}
	return t.prune()
}

func (t *adminTrail) head() (chainHead, error) {
	env, err := t.repo.Get(adminAuditNamespace, adminAuditHeadType, adminAuditHeadID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return chainHead{Hash: auditchain.GenesisHash}, nil
	}
	if err != nil {
		return chainHead{}, fmt.Errorf("loading audit head: %w", err)
	}
	var h chainHead
	if err := json.Unmarshal(env.Ciphertext, &h); err != nil {
		return chainHead{}, fmt.Errorf("decoding audit head: %w", err)
	}
	return h, nil
}

func (t *adminTrail) put(recordType, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.repo.Put(adminAuditNamespace, recordType, id, &storage.Envelope{
		Ver:        1,
		Scheme:     "plain-json",
		Ciphertext: data,
	})
}

// prune drops the oldest entries beyond maxEntries.
func (t *adminTrail) prune() error {
	if t.maxEntries <= 0 {
		return nil
	}
	ids, err := t.repo.List(adminAuditNamespace, adminAuditRecordType)
	if err != nil || len(ids) <= t.maxEntries {
		return err
	}
	entries, err := t.list("")
	if err != nil {
		return err
	}
	for _, e := range entries[min(t.maxEntries, len(entries)):] {
		if err := t.repo.Delete(adminAuditNamespace, adminAuditRecordType, e.ID); err != nil {
			return fmt.Errorf("pruning audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// list returns entries newest first, optionally restricted to one target.
func (t *adminTrail) list(targetID string) ([]adminAuditEntry, error) {
	ids, err := t.repo.List(adminAuditNamespace, adminAuditRecordType)
	if err != nil {
		return nil, err
	}
	entries := make([]adminAuditEntry, 0, len(ids))
	for _, id := range ids {
		env, err := t.repo.Get(adminAuditNamespace, adminAuditRecordType, id)
		if err != nil || env == nil {
			continue
		}
		var entry adminAuditEntry
		if err := json.Unmarshal(env.Ciphertext, &entry); err != nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b adminAuditEntry) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		}
		return 0
	})
	return entries, nil
}

// export returns the retained chain oldest first, for offline verification
// with "tollgate audit verify".
func (t *adminTrail) export() (auditchain.Export, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, err := t.head()
	if err != nil {
		return auditchain.Export{}, err
	}
	entries, err := t.list("")
	if err != nil {
		return auditchain.Export{}, err
	}
	out := auditchain.Export{
		ExportedAt: auditchain.FormatTime(t.now()),
		Head:       head.Hash,
		Entries:    make([]auditchain.Entry, 0, len(entries)),
	}
	for _, e := range slices.Backward(entries) {
		out.Entries = append(out.Entries, e.chainEntry())
	}
	return out, nil
}
