package partition

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ventisec/ventiscan/pkg/specstore"
	"github.com/ventisec/ventiscan/pkg/types"
)

const nineSpec = `openapi: 3.0.0
info:
  title: Wide API
  version: "1.0"
paths:
  /a: {get: {responses: {"200": {description: ok}}}}
  /b: {get: {responses: {"200": {description: ok}}}}
  /c: {get: {responses: {"200": {description: ok}}}}
  x-internal: true
  /d: {get: {responses: {"200": {description: ok}}}}
  /e: {get: {responses: {"200": {description: ok}}}}
  /f: {get: {responses: {"200": {description: ok}}}}
  /g: {get: {responses: {"200": {description: ok}}}}
  /h: {get: {responses: {"200": {description: ok}}}}
  /i: {get: {responses: {"200": {description: ok}}}}
components:
  schemas:
    Pet:
      type: object
`

func ingest(t *testing.T, root, scanID, spec string) *specstore.Document {
	t.Helper()
	s := specstore.NewStore(root, nil)
	doc, err := s.IngestUpload(scanID, "spec.yaml", []byte(spec))
	require.NoError(t, err)
	return doc
}

func opts(parallel bool, chunkSize int) types.ScanOptions {
	o := types.ScanOptions{ParallelMode: parallel, ChunkSize: chunkSize}
	return o
}

func TestPlanGroupsInDocumentOrder(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	chunks, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 4))
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"/a", "/b", "/c", "/d"}, chunks[0].Paths)
	assert.Equal(t, []string{"/e", "/f", "/g", "/h"}, chunks[1].Paths)
	assert.Equal(t, []string{"/i"}, chunks[2].Paths)

	for k, c := range chunks {
		assert.Equal(t, "scan-1", c.ScanID)
		assert.Equal(t, k, c.Index)
		assert.Equal(t, types.ChunkStatePending, c.State)
	}
}

func TestPlanDeterministic(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	docA := ingest(t, rootA, "scan-1", nineSpec)
	docB := ingest(t, rootB, "scan-1", nineSpec)

	chunksA, err := NewPlanner(rootA, 0).Plan("scan-1", docA, opts(true, 4))
	require.NoError(t, err)
	chunksB, err := NewPlanner(rootB, 0).Plan("scan-1", docB, opts(true, 4))
	require.NoError(t, err)

	require.Equal(t, len(chunksA), len(chunksB))
	for i := range chunksA {
		assert.Equal(t, chunksA[i].Paths, chunksB[i].Paths)

		a, err := os.ReadFile(rootA + "/" + chunksA[i].SpecPath)
		require.NoError(t, err)
		b, err := os.ReadFile(rootB + "/" + chunksB[i].SpecPath)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestPlanSerialModeSingleChunk(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	chunks, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(false, 4))
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Paths, 9)
}

func TestPlanChunkLargerThanSpec(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	chunks, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 50))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Paths, 9)
}

func TestPlanRespectsChunkCeiling(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	// Chunk size 1 would ask for nine workers; the ceiling grows the
	// effective chunk size instead.
	chunks, err := NewPlanner(root, 3).Plan("scan-1", doc, opts(true, 1))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Paths, 3)
	assert.Len(t, chunks[2].Paths, 3)
}

func TestPlanDefaultChunkCeiling(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	chunks, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 1))
	require.NoError(t, err)
	require.Len(t, chunks, DefaultMaxChunks)
}

func TestPlanEmptyPaths(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", "openapi: 3.0.0\npaths: {}\n")

	_, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 4))
	assert.True(t, errors.Is(err, types.ErrSpecMalformed))
}

func TestPlanOnlyExtensionPaths(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", "openapi: 3.0.0\npaths:\n  x-internal: true\n")

	_, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 4))
	assert.True(t, errors.Is(err, types.ErrSpecMalformed))
}

func TestMiniSpecIsValidAndNarrowed(t *testing.T) {
	root := t.TempDir()
	doc := ingest(t, root, "scan-1", nineSpec)

	chunks, err := NewPlanner(root, 0).Plan("scan-1", doc, opts(true, 4))
	require.NoError(t, err)

	data, err := os.ReadFile(root + "/" + chunks[1].SpecPath)
	require.NoError(t, err)

	var mini struct {
		OpenAPI    string                 `yaml:"openapi"`
		Paths      map[string]interface{} `yaml:"paths"`
		Components map[string]interface{} `yaml:"components"`
	}
	require.NoError(t, yaml.Unmarshal(data, &mini))

	assert.Equal(t, "3.0.0", mini.OpenAPI)
	assert.Len(t, mini.Paths, 4)
	assert.Contains(t, mini.Paths, "/e")
	assert.NotContains(t, mini.Paths, "/a")
	// Shared sections survive so refs keep resolving.
	assert.Contains(t, mini.Components, "schemas")
}
