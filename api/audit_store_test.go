package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/internal/auditchain"
	"github.com/jmcleod/tollgate/storage/memory"
)

func TestAdminTrail_ListNewestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := newAdminTrail(memory.NewRepository(), func() time.Time { return now })

	require.NoError(t, trail.append(AuditRoleAssigned, "admin-1", "user-1", "Admin"))
	now = now.Add(time.Minute)
	require.NoError(t, trail.append(AuditUserDisabled, "admin-1", "user-2", "abuse"))
	now = now.Add(time.Minute)
	require.NoError(t, trail.append(AuditRoleRemoved, "admin-1", "user-1", "Admin"))

	entries, err := trail.list("")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditRoleRemoved, entries[0].Event)
	assert.Equal(t, AuditUserDisabled, entries[1].Event)
	assert.Equal(t, AuditRoleAssigned, entries[2].Event)
	assert.Equal(t, "admin-1", entries[0].ActorID)

	filtered, err := trail.list("user-1")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	for _, e := range filtered {
		assert.Equal(t, "user-1", e.TargetID)
	}
}

func TestAdminTrail_EmptyNamespace(t *testing.T) {
	trail := newAdminTrail(memory.NewRepository(), time.Now)
	entries, err := trail.list("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdminTrail_PrunesOldest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := newAdminTrail(memory.NewRepository(), func() time.Time { return now })
	trail.maxEntries = 3

	for i := range 5 {
		now = now.Add(time.Duration(i+1) * time.Second)
		require.NoError(t, trail.append(AuditTokenIssued, "admin", "user", string(rune('a'+i))))
	}

	entries, err := trail.list("")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "e", entries[0].Detail)
	assert.Equal(t, "c", entries[2].Detail)
}

func TestAdminTrail_ExportVerifies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := newAdminTrail(memory.NewRepository(), func() time.Time { return now })

	for _, target := range []string{"user-1", "user-2", "user-3"} {
		require.NoError(t, trail.append(AuditRoleAssigned, "admin-1", target, "Admin"))
	}

	export, err := trail.export()
	require.NoError(t, err)
	require.Len(t, export.Entries, 3)
	assert.Equal(t, auditchain.GenesisHash, export.Entries[0].PrevHash)
	assert.Equal(t, "user-3", export.Entries[2].TargetID)

	result := auditchain.Verify(export)
	assert.True(t, result.Valid, "%+v", result.Checks)

	export.Entries[1].ActorID = "someone-else"
	assert.False(t, auditchain.Verify(export).Valid)
}

func TestAdminTrail_ChainSurvivesPruning(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := newAdminTrail(memory.NewRepository(), func() time.Time { return now })
	trail.maxEntries = 2

	for range 4 {
		now = now.Add(time.Second)
		require.NoError(t, trail.append(AuditSessionsRevoked, "admin", "user", ""))
	}

	export, err := trail.export()
	require.NoError(t, err)
	require.Len(t, export.Entries, 2)
	assert.Equal(t, uint64(3), export.Entries[0].Seq)

	result := auditchain.Verify(export)
	assert.True(t, result.Valid, "%+v", result.Checks)
	_, warnings := result.Counts()
	assert.Equal(t, 1, warnings)
}
