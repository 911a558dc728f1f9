package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.csv")

	users, err := LoadUsers(path)
	require.NoError(t, err)
	assert.Equal(t, 0, users.Len())

	require.NoError(t, users.SetPassword("bob", "secret"))
	require.NoError(t, users.SetPassword("alice", "wonderland"))
	require.NoError(t, users.SetPassword("bob", "changed"))
	assert.Equal(t, 2, users.Len())
	require.NoError(t, users.Flush())

	users, err = LoadUsers(path)
	require.NoError(t, err)
	assert.NoError(t, users.Authenticate("alice", "wonderland"))
	assert.NoError(t, users.Authenticate("bob", "changed"))
	assert.ErrorIs(t, users.Authenticate("bob", "secret"), rfc.ErrLogonFailure)
	assert.ErrorIs(t, users.Authenticate("mallory", ""), rfc.ErrLogonFailure)

	users.RemoveUser("alice")
	assert.ErrorIs(t, users.Authenticate("alice", "wonderland"), rfc.ErrLogonFailure)
}

func TestPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	p, err := LoadPolicy(path, false)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Allow("operators", 100, "RFC_*"))
	require.NoError(t, p.Allow("alice", 0, "STFC_CONNECTION"))
	require.NoError(t, p.AssignRole("alice", "operators"))

	assert.NoError(t, p.Authorize("alice", 100, "RFC_PING"))
	assert.NoError(t, p.Authorize("alice", 200, "STFC_CONNECTION"))
	assert.ErrorIs(t, p.Authorize("alice", 200, "RFC_PING"), rfc.ErrAuthorizationFailure)
	assert.ErrorIs(t, p.Authorize("bob", 100, "RFC_PING"), rfc.ErrAuthorizationFailure)

	require.NoError(t, p.Flush())
	reloaded, err := LoadPolicy(path, false)
	require.NoError(t, err)
	assert.NoError(t, reloaded.Authorize("alice", 100, "RFC_READ_TABLE"))
}

func TestPolicyReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	p, err := LoadPolicy(path, true)
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Authorize("bob", 100, "RFC_PING"), rfc.ErrAuthorizationFailure)

	require.NoError(t, os.WriteFile(path, []byte("p, bob, 100, RFC_PING\n"), 0600))
	assert.Eventually(t, func() bool {
		return p.Authorize("bob", 100, "RFC_PING") == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGuardPermissive(t *testing.T) {
	g, err := NewGuard("", "", false)
	require.NoError(t, err)
	assert.NoError(t, g.Logon("anyone", "anything"))
	assert.NoError(t, g.Authorize("anyone", 1, "ANY"))
	assert.NoError(t, g.Close())

	var nilGuard *Guard
	assert.NoError(t, nilGuard.Logon("x", "y"))
}
