package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventisec/ventiscan/pkg/types"
)

func writeFindings(t *testing.T, root, scanID string, chunk int, findings ...types.Finding) string {
	t.Helper()
	dir := filepath.Join(root, "results", scanID, fmt.Sprintf("chunk-%d", chunk))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var b strings.Builder
	for _, f := range findings {
		line, err := json.Marshal(f)
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, "findings.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return filepath.Join("results", scanID, fmt.Sprintf("chunk-%d", chunk), "findings.jsonl")
}

func finding(rule string, sev types.Severity) types.Finding {
	return types.Finding{
		Rule:     rule,
		Title:    rule,
		Severity: sev,
		Endpoint: "/pets",
		Method:   "GET",
		Scanner:  "ventiapi",
	}
}

func completedScan(id string, chunkFindingsPaths ...string) *types.Scan {
	s := &types.Scan{ID: id, State: types.ScanStateCompleted}
	for i, p := range chunkFindingsPaths {
		state := types.ChunkStateCompleted
		if p == "" {
			state = types.ChunkStateFailed
		}
		s.Chunks = append(s.Chunks, &types.Chunk{
			ScanID:       id,
			Index:        i,
			State:        state,
			FindingsPath: p,
		})
	}
	return s
}

func TestMergePreservesChunkOrder(t *testing.T) {
	root := t.TempDir()
	p0 := writeFindings(t, root, "scan-1", 0, finding("a1", types.SeverityHigh), finding("a2", types.SeverityLow))
	p1 := writeFindings(t, root, "scan-1", 1, finding("b1", types.SeverityCritical))

	m := New(root)
	res, err := m.Query(completedScan("scan-1", p0, p1), 0, 50)
	require.NoError(t, err)

	require.Equal(t, 3, res.Total)
	assert.Equal(t, "a1", res.Findings[0].Rule)
	assert.Equal(t, "a2", res.Findings[1].Rule)
	assert.Equal(t, "b1", res.Findings[2].Rule)
	assert.Equal(t, 1, res.Summary.Critical)
	assert.Equal(t, 1, res.Summary.High)
	assert.Equal(t, 1, res.Summary.Low)
	assert.False(t, res.Partial)
}

func TestPagination(t *testing.T) {
	root := t.TempDir()
	var fs []types.Finding
	for i := 0; i < 120; i++ {
		fs = append(fs, finding(fmt.Sprintf("r%03d", i), types.SeverityMedium))
	}
	p0 := writeFindings(t, root, "scan-1", 0, fs...)
	s := completedScan("scan-1", p0)

	m := New(root)

	first, err := m.Query(s, 0, 50)
	require.NoError(t, err)
	assert.Len(t, first.Findings, 50)
	assert.Equal(t, "r000", first.Findings[0].Rule)
	assert.Equal(t, 120, first.Total)
	assert.Equal(t, 0, first.Offset)
	assert.Equal(t, 50, first.Limit)

	last, err := m.Query(s, 100, 50)
	require.NoError(t, err)
	assert.Len(t, last.Findings, 20)
	assert.Equal(t, "r100", last.Findings[0].Rule)

	// Past the end: empty page, same total.
	past, err := m.Query(s, 400, 50)
	require.NoError(t, err)
	assert.Empty(t, past.Findings)
	assert.Equal(t, 120, past.Total)

	// Oversized limit clamps to the maximum.
	big, err := m.Query(s, 0, 10000)
	require.NoError(t, err)
	assert.Len(t, big.Findings, 120)
	assert.Equal(t, MaxLimit, big.Limit)

	// Nonsense paging inputs fall back to defaults.
	def, err := m.Query(s, -7, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, def.Offset)
	assert.Equal(t, DefaultLimit, def.Limit)
}

func TestRunningScanNotReady(t *testing.T) {
	m := New(t.TempDir())
	s := &types.Scan{
		ID:    "scan-1",
		State: types.ScanStateRunning,
		Chunks: []*types.Chunk{
			{ScanID: "scan-1", Index: 0, State: types.ChunkStateRunning},
		},
	}
	_, err := m.Query(s, 0, 50)
	assert.True(t, errors.Is(err, types.ErrNotReady))
}

func TestRunningScanPartialResults(t *testing.T) {
	root := t.TempDir()
	p0 := writeFindings(t, root, "scan-1", 0, finding("a1", types.SeverityHigh))
	s := &types.Scan{
		ID:    "scan-1",
		State: types.ScanStateRunning,
		Chunks: []*types.Chunk{
			{ScanID: "scan-1", Index: 0, State: types.ChunkStateCompleted, FindingsPath: p0},
			{ScanID: "scan-1", Index: 1, State: types.ChunkStateRunning},
		},
	}

	res, err := New(root).Query(s, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.True(t, res.Partial)
}

func TestFailedScanEmptyResults(t *testing.T) {
	m := New(t.TempDir())
	s := &types.Scan{
		ID:    "scan-1",
		State: types.ScanStateFailed,
		Chunks: []*types.Chunk{
			{ScanID: "scan-1", Index: 0, State: types.ChunkStateFailed},
		},
	}
	res, err := m.Query(s, 0, 50)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.True(t, res.Partial)
}

func TestEvidenceCapped(t *testing.T) {
	root := t.TempDir()
	f := finding("big", types.SeverityHigh)
	f.Evidence.Request = strings.Repeat("A", evidenceCap*2)
	f.Evidence.Response = strings.Repeat("B", evidenceCap*2)
	p0 := writeFindings(t, root, "scan-1", 0, f)

	res, err := New(root).Query(completedScan("scan-1", p0), 0, 50)
	require.NoError(t, err)
	assert.Len(t, res.Findings[0].Evidence.Request, evidenceCap)
	assert.Len(t, res.Findings[0].Evidence.Response, evidenceCap)
}

func TestMalformedLinesDropped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "results", "scan-1", "chunk-0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	good, _ := json.Marshal(finding("ok", types.SeverityLow))
	content := "not json at all\n" + string(good) + "\n\n{\"rule\":\"weird\",\"severity\":\"Apocalyptic\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "findings.jsonl"), []byte(content), 0o644))

	rel := filepath.Join("results", "scan-1", "chunk-0", "findings.jsonl")
	res, err := New(root).Query(completedScan("scan-1", rel), 0, 50)
	require.NoError(t, err)

	require.Equal(t, 2, res.Total)
	assert.Equal(t, "ok", res.Findings[0].Rule)
	// Unknown severities normalize to the lowest level.
	assert.Equal(t, types.SeverityInformational, res.Findings[1].Severity)
}

func TestMissingFindingsFileTolerated(t *testing.T) {
	m := New(t.TempDir())
	rel := filepath.Join("results", "scan-1", "chunk-0", "findings.jsonl")
	res, err := m.Query(completedScan("scan-1", rel), 0, 50)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	p0 := writeFindings(t, root, "scan-1", 0, finding("a1", types.SeverityHigh))
	s := completedScan("scan-1", p0)

	m := New(root)
	n, err := m.WriteSnapshot(s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Remove the chunk file: terminal reads now come from the snapshot.
	require.NoError(t, os.Remove(filepath.Join(root, p0)))

	res, err := m.Query(s, 0, 50)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "a1", res.Findings[0].Rule)
	assert.Equal(t, 1, res.Summary.High)
}

func TestRemoveArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFindings(t, root, "scan-1", 0, finding("a1", types.SeverityHigh))

	m := New(root)
	require.NoError(t, m.RemoveArtifacts("scan-1"))
	_, err := os.Stat(filepath.Join(root, "results", "scan-1"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, m.RemoveArtifacts("scan-1"))
}
