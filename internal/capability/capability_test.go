package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver([]TokenEntry{
		{Token: "tok-admin", UserID: "root", Role: RoleAdmin},
		{Token: "tok-alice", UserID: "alice", Role: RoleUser, AllowedPlatforms: []int64{7}},
		{Token: "tok-bob", UserID: "bob", Role: RoleReadonly},
	})
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := testResolver(t)

	p, err := r.Resolve("tok-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, RoleUser, p.Role)

	_, err = r.Resolve("")
	assert.Equal(t, types.KindUnauthenticated, types.KindOf(err))
	_, err = r.Resolve("tok-mallory")
	assert.Equal(t, types.KindUnauthenticated, types.KindOf(err))
}

func TestNewResolverValidates(t *testing.T) {
	_, err := NewResolver([]TokenEntry{{Token: "t", UserID: "u", Role: "superuser"}})
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = NewResolver([]TokenEntry{{UserID: "u", Role: RoleUser}})
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestRoleGates(t *testing.T) {
	r := testResolver(t)
	admin, _ := r.Resolve("tok-admin")
	alice, _ := r.Resolve("tok-alice")
	bob, _ := r.Resolve("tok-bob")

	assert.NoError(t, RequireWrite(admin))
	assert.NoError(t, RequireWrite(alice))
	assert.Equal(t, types.KindForbidden, types.KindOf(RequireWrite(bob)))

	assert.NoError(t, RequireAdmin(admin))
	assert.Equal(t, types.KindForbidden, types.KindOf(RequireAdmin(alice)))
	assert.Equal(t, types.KindUnauthenticated, types.KindOf(RequireAdmin(nil)))
}

func TestRestrictedResources(t *testing.T) {
	r := testResolver(t)
	admin, _ := r.Resolve("tok-admin")
	alice, _ := r.Resolve("tok-alice")
	bob, _ := r.Resolve("tok-bob")

	open := &types.Platform{ID: 1, Name: "PC"}
	locked := &types.Platform{ID: 7, Name: "Console", IsRestricted: true}
	sealed := &types.Platform{ID: 9, Name: "Unannounced", IsRestricted: true}

	assert.NoError(t, CheckPlatform(bob, open))
	assert.NoError(t, CheckPlatform(alice, locked), "explicit grant opens a restricted platform")
	assert.Equal(t, types.KindForbidden, types.KindOf(CheckPlatform(alice, sealed)))
	assert.NoError(t, CheckPlatform(admin, sealed), "admin bypasses restrictions")

	secret := &types.Project{ID: 3, Name: "DLC", IsRestricted: true}
	assert.Equal(t, types.KindForbidden, types.KindOf(CheckProject(alice, secret)))
	assert.NoError(t, CheckProject(admin, secret))
}

func TestReplaceSwapsTable(t *testing.T) {
	r := testResolver(t)
	fresh, err := NewResolver([]TokenEntry{{Token: "tok-new", UserID: "carol", Role: RoleUser}})
	require.NoError(t, err)

	r.Replace(fresh)
	_, err = r.Resolve("tok-alice")
	assert.Error(t, err, "old tokens are revoked on reload")
	p, err := r.Resolve("tok-new")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.UserID)
}
