// Package auditchain links administrative audit entries into a SHA-256 hash
// chain and verifies exported chains offline.
package auditchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first entry ever written.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is the exported form of one audit entry.
type Entry struct {
	Seq       uint64 `json:"seq"`
	ID        string `json:"id"`
	Event     string `json:"event"`
	ActorID   string `json:"actor_id"`
	TargetID  string `json:"target_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
	PrevHash  string `json:"prev_hash"`
}

// Export is the document served by the audit export endpoint. Entries are
// oldest first; Head is the hash of the last entry.
type Export struct {
	ExportedAt string  `json:"exported_at"`
	Head       string  `json:"head"`
	Entries    []Entry `json:"entries"`
}

// Hash returns the chain link of e, which the next entry carries as its
// PrevHash.
func Hash(e Entry) string {
	h := sha256.New()
	// Fields are joined with the ASCII unit separator.
	fmt.Fprint(h, strings.Join([]string{
		fmt.Sprint(e.Seq), e.ID, e.PrevHash, e.Event, e.ActorID, e.TargetID, e.Detail, e.CreatedAt,
	}, "\x1f"))
	return hex.EncodeToString(h.Sum(nil))
}

// FormatTime renders t the way entries record it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Result is the outcome of Verify.
type Result struct {
	File       string  `json:"file,omitempty"`
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (r *Result) add(name, status, detail string) {
	if status == StatusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Counts returns the number of failed and warning checks.
func (r Result) Counts() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusFail:
			failures++
		case StatusWarn:
			warnings++
		}
	}
	return failures, warnings
}

// Verify checks an exported chain: the anchor, every link, the head, id
// uniqueness, sequence contiguity and timestamp order. Timestamp order only
// warns since clocks can step backwards.
func Verify(export Export) Result {
	result := Result{EntryCount: len(export.Entries), Valid: true}
	entries := export.Entries

	if len(entries) == 0 {
		if export.Head != "" && export.Head != GenesisHash {
			result.add("empty_chain", StatusFail, "export has no entries but a non-genesis head")
		} else {
			result.add("empty_chain", StatusPass, "no entries to verify")
		}
		return result
	}

	first := entries[0]
	switch {
	case first.PrevHash == GenesisHash && first.Seq == 1:
		result.add("genesis_anchor", StatusPass, "")
	case first.Seq > 1:
		result.add("genesis_anchor", StatusWarn,
			fmt.Sprintf("chain starts at seq %d; earlier entries were pruned", first.Seq))
	default:
		result.add("genesis_anchor", StatusFail,
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", first.PrevHash))
	}

	broken := ""
	for i := 1; i < len(entries); i++ {
		expected := Hash(entries[i-1])
		if entries[i].PrevHash != expected {
			broken = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s (computed from entry %d)",
				i, entries[i].ID, entries[i].PrevHash, expected, i-1)
			break
		}
	}
	if broken == "" {
		result.add("chain_continuity", StatusPass, fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.add("chain_continuity", StatusFail, broken)
	}

	if last := Hash(entries[len(entries)-1]); last == export.Head {
		result.add("head_matches", StatusPass, "")
	} else {
		result.add("head_matches", StatusFail, fmt.Sprintf("head=%s but last entry hashes to %s", export.Head, last))
	}

	seen := make(map[string]int, len(entries))
	dup := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dup = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dup == "" {
		result.add("no_duplicate_ids", StatusPass, "")
	} else {
		result.add("no_duplicate_ids", StatusFail, dup)
	}

	gap := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			gap = fmt.Sprintf("entry %d has seq %d after seq %d", i, entries[i].Seq, entries[i-1].Seq)
			break
		}
	}
	if gap == "" {
		result.add("contiguous_sequence", StatusPass, "")
	} else {
		result.add("contiguous_sequence", StatusFail, gap)
	}

	var prevTime time.Time
	order, unparsed := "", false
	for i, e := range entries {
		t, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			unparsed = true
			continue
		}
		if !prevTime.IsZero() && t.Before(prevTime) {
			order = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prevTime = t
	}
	switch {
	case order != "":
		result.add("monotonic_timestamps", StatusWarn, order)
	case unparsed:
		result.add("monotonic_timestamps", StatusWarn, "some timestamps could not be parsed")
	default:
		result.add("monotonic_timestamps", StatusPass, "")
	}

	return result
}
