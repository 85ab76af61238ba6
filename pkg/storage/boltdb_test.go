package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventisec/ventiscan/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPrincipalCRUD(t *testing.T) {
	store := newTestStore(t)

	p := &types.Principal{
		ID:           "p-1",
		Login:        "alice",
		Role:         types.RoleUser,
		PasswordHash: []byte("$2a$10$fakehash"),
		Active:       true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreatePrincipal(p))

	got, err := store.GetPrincipal("p-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Login)
	assert.Equal(t, types.RoleUser, got.Role)

	byLogin, err := store.GetPrincipalByLogin("alice")
	require.NoError(t, err)
	assert.Equal(t, "p-1", byLogin.ID)

	byLogin.Active = false
	require.NoError(t, store.UpdatePrincipal(byLogin))
	got, err = store.GetPrincipal("p-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, store.DeletePrincipal("p-1"))
	_, err = store.GetPrincipal("p-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGetPrincipalByLoginNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPrincipalByLogin("nobody")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestScanCRUDWithChunks(t *testing.T) {
	store := newTestStore(t)

	scan := &types.Scan{
		ID:        "s-1",
		Owner:     "p-1",
		TargetURL: "https://api.example.com",
		State:     types.ScanStateQueued,
		Chunks: []*types.Chunk{
			{ScanID: "s-1", Index: 0, Paths: []string{"/a", "/b"}, State: types.ChunkStatePending},
			{ScanID: "s-1", Index: 1, Paths: []string{"/c"}, State: types.ChunkStatePending},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateScan(scan))

	got, err := store.GetScan("s-1")
	require.NoError(t, err)
	require.Len(t, got.Chunks, 2)
	assert.Equal(t, []string{"/a", "/b"}, got.Chunks[0].Paths)

	got.State = types.ScanStateRunning
	got.Chunks[0].State = types.ChunkStateRunning
	require.NoError(t, store.UpdateScan(got))

	got, err = store.GetScan("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.ScanStateRunning, got.State)
	assert.Equal(t, types.ChunkStateRunning, got.Chunks[0].State)
}

func TestListScansByOwner(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateScan(&types.Scan{ID: "s-1", Owner: "alice"}))
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s-2", Owner: "bob"}))
	require.NoError(t, store.CreateScan(&types.Scan{ID: "s-3", Owner: "alice"}))

	all, err := store.ListScans()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := store.ListScansByOwner("alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestDeleteScanIdempotent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateScan(&types.Scan{ID: "s-1", Owner: "alice"}))
	require.NoError(t, store.DeleteScan("s-1"))
	// Deleting a missing key is a no-op at the storage layer; the registry
	// surfaces NotFound to callers.
	require.NoError(t, store.DeleteScan("s-1"))

	_, err := store.GetScan("s-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
