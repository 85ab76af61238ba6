package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventisec/ventiscan/pkg/types"
)

func TestBuiltinProfile(t *testing.T) {
	r, err := New("", Defaults{})
	require.NoError(t, err)

	p, err := r.Get("ventiapi")
	require.NoError(t, err)
	assert.Equal(t, "ventiapi-scanner", p.Invocation.Program)
	assert.Equal(t, 8*time.Minute, p.Timeout)

	// Empty ID resolves to the default.
	p, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, p.ID)
}

func TestConfiguredDefaultsOverrideBuiltin(t *testing.T) {
	d := Defaults{
		ChunkTimeout: 3 * time.Minute,
		Limits:       types.ResourceLimits{MemoryBytes: 256 << 20, CPUCores: 1.5},
	}
	r, err := New("", d)
	require.NoError(t, err)

	p, err := r.Get("ventiapi")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, p.Timeout)
	assert.Equal(t, int64(256<<20), p.ResourceLimits.MemoryBytes)
	assert.Equal(t, 1.5, p.ResourceLimits.CPUCores)
}

func TestConfiguredDefaultsBackfillFileProfiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "scanners.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
profiles:
  - id: nuclei
    invocation:
      program: nuclei-wrapper
      args: ["--spec", "{spec}"]
`), 0o644))

	r, err := New(file, Defaults{ChunkTimeout: 2 * time.Minute})
	require.NoError(t, err)

	// A file profile without its own timeout picks up the configured one.
	p, err := r.Get("nuclei")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, p.Timeout)
}

func TestUnknownProfile(t *testing.T) {
	r, err := New("", Defaults{})
	require.NoError(t, err)

	_, err = r.Get("zap")
	assert.True(t, errors.Is(err, types.ErrWorkerUnavailable))
}

func TestLoadProfilesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "scanners.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
profiles:
  - id: nuclei
    display_name: Nuclei
    invocation:
      program: nuclei-wrapper
      args: ["--spec", "{spec}", "--out", "{output}"]
  - id: ventiapi
    display_name: Patched VentiAPI
    invocation:
      program: ventiapi-scanner-v2
      args: ["--spec", "{spec}"]
`), 0o644))

	r, err := New(file, Defaults{})
	require.NoError(t, err)

	// New profile loaded with defaulted limits.
	p, err := r.Get("nuclei")
	require.NoError(t, err)
	assert.Equal(t, "nuclei-wrapper", p.Invocation.Program)
	assert.Equal(t, int64(512<<20), p.ResourceLimits.MemoryBytes)
	assert.Equal(t, 8*time.Minute, p.Timeout)

	// The file overrides the builtin under the same ID.
	p, err = r.Get("ventiapi")
	require.NoError(t, err)
	assert.Equal(t, "ventiapi-scanner-v2", p.Invocation.Program)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "nuclei", list[0].ID)
	assert.Equal(t, "ventiapi", list[1].ID)
}

func TestLoadProfilesFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "missing.yaml"), Defaults{})
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("profiles:\n  - display_name: no id\n"), 0o644))
	_, err = New(bad, Defaults{})
	assert.Error(t, err)
}
