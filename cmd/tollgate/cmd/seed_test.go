package cmd

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/identity/identitytest"
)

func newSeedClient(t *testing.T, b *identitytest.Backend) *identity.Client {
	t.Helper()
	c, err := identity.New(b.URL(), identity.WithServiceToken(identitytest.ServiceToken))
	require.NoError(t, err)
	return c
}

func TestSeedAdmin_CreatesRoleAndAccount(t *testing.T) {
	b := identitytest.New(t)
	c := newSeedClient(t, b)
	logger := slog.New(slog.DiscardHandler)

	require.NoError(t, seedAdmin(t.Context(), c, "Operators", "ops@example.com", "s3cret-pass", logger))

	roles, err := c.ListRoles(t.Context())
	require.NoError(t, err)
	assert.Contains(t, roles, "Operators")

	u, err := c.FindUserByEmail(t.Context(), "ops@example.com")
	require.NoError(t, err)
	held, err := c.UserRoles(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Operators"}, held)
}

func TestSeedAdmin_Idempotent(t *testing.T) {
	b := identitytest.New(t)
	u := b.AddUser("root@example.com", "pw", "Admin")
	c := newSeedClient(t, b)
	logger := slog.New(slog.DiscardHandler)

	require.NoError(t, seedAdmin(t.Context(), c, "Admin", "root@example.com", "", logger))
	require.NoError(t, seedAdmin(t.Context(), c, "Admin", "root@example.com", "", logger))

	assert.Zero(t, b.Calls("POST /admin/roles"))
	assert.Zero(t, b.Calls("POST /admin/users"))
	assert.Zero(t, b.Calls("POST /admin/users/{id}/roles"))
	held, err := c.UserRoles(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Admin"}, held)
}

func TestSeedAdmin_MissingAccountWithoutPassword(t *testing.T) {
	b := identitytest.New(t)
	err := seedAdmin(t.Context(), newSeedClient(t, b), "Admin", "nobody@example.com", "", slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed password")
}
