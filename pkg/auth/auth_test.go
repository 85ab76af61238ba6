package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventisec/ventiscan/pkg/storage"
	"github.com/ventisec/ventiscan/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, lifetime time.Duration) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, testSecret, lifetime), store
}

func TestAuthenticateAndVerify(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)

	p, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)

	token, got, expiresAt, err := svc.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	verified, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", verified.Login)
	assert.Equal(t, types.RoleUser, verified.Role)
}

func TestAuthenticateFailures(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)

	tests := []struct {
		name     string
		login    string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown login", "mallory", "s3cret"},
		{"empty password", "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := svc.Authenticate(tt.login, tt.password)
			assert.True(t, errors.Is(err, types.ErrInvalidCredentials))
		})
	}
}

func TestAuthenticateInactivePrincipal(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)
	require.NoError(t, svc.DeactivatePrincipal("alice"))

	_, _, _, err = svc.Authenticate("alice", "s3cret")
	assert.True(t, errors.Is(err, types.ErrInvalidCredentials))
}

func TestVerifyExpiredToken(t *testing.T) {
	svc, _ := newTestService(t, -time.Minute) // already expired at issue
	_, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)

	token, _, _, err := svc.Authenticate("alice", "s3cret")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.True(t, errors.Is(err, types.ErrExpiredToken))
}

func TestNewServiceZeroLifetimeDefaults(t *testing.T) {
	svc, _ := newTestService(t, 0)
	assert.Equal(t, DefaultTokenLifetime, svc.lifetime)

	neg, _ := newTestService(t, -time.Minute)
	assert.Equal(t, -time.Minute, neg.lifetime)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)
	token, _, _, err := svc.Authenticate("alice", "s3cret")
	require.NoError(t, err)

	other, _ := newTestService(t, time.Hour)
	otherSvc := NewService(otherStore(t, other), "another-secret-another-secret!!", time.Hour)

	_, err = otherSvc.Verify(token)
	assert.True(t, errors.Is(err, types.ErrInvalidToken))

	_, err = svc.Verify("not-a-token")
	assert.True(t, errors.Is(err, types.ErrInvalidToken))
}

// otherStore pulls the store back out for constructing a service with a
// different signing secret over the same data.
func otherStore(t *testing.T, svc *Service) storage.Store {
	t.Helper()
	return svc.store
}

func TestVerifyDeactivatedSubject(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.CreatePrincipal("alice", "s3cret", types.RoleUser)
	require.NoError(t, err)
	token, _, _, err := svc.Authenticate("alice", "s3cret")
	require.NoError(t, err)

	require.NoError(t, svc.DeactivatePrincipal("alice"))

	_, err = svc.Verify(token)
	assert.True(t, errors.Is(err, types.ErrInvalidToken))
}

func TestRequireRole(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	admin := &types.Principal{ID: "a", Role: types.RoleAdmin}
	user := &types.Principal{ID: "u", Role: types.RoleUser}

	assert.NoError(t, svc.RequireRole(admin, types.RoleAdmin))
	assert.NoError(t, svc.RequireRole(admin, types.RoleUser))
	assert.NoError(t, svc.RequireRole(user, types.RoleUser))
	assert.True(t, errors.Is(svc.RequireRole(user, types.RoleAdmin), types.ErrForbidden))
	assert.True(t, errors.Is(svc.RequireRole(nil, types.RoleUser), types.ErrForbidden))
}

func TestRequireAdminReChecksStore(t *testing.T) {
	svc, store := newTestService(t, time.Hour)
	p, err := svc.CreatePrincipal("root", "s3cret", types.RoleAdmin)
	require.NoError(t, err)

	require.NoError(t, svc.RequireAdmin(p))

	// Demote in the store; the stale in-memory principal must no longer pass.
	p2, err := store.GetPrincipal(p.ID)
	require.NoError(t, err)
	p2.Role = types.RoleUser
	require.NoError(t, store.UpdatePrincipal(p2))

	assert.True(t, errors.Is(svc.RequireAdmin(p), types.ErrForbidden))
}

func TestCreatePrincipalDuplicateLogin(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.CreatePrincipal("alice", "pw1", types.RoleUser)
	require.NoError(t, err)

	_, err = svc.CreatePrincipal("alice", "pw2", types.RoleUser)
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestSeedAdminIdempotent(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)

	require.NoError(t, svc.SeedAdmin("root", "changeme"))
	require.NoError(t, svc.SeedAdmin("root", "different"))

	// The original password still works: the second seed was a no-op.
	_, p, _, err := svc.Authenticate("root", "changeme")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, p.Role)
}
