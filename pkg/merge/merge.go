package merge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/types"
)

const (
	// evidenceCap bounds each evidence string kept from a worker.
	evidenceCap = 4096

	// DefaultLimit and MaxLimit bound findings pagination.
	DefaultLimit = 50
	MaxLimit     = 200

	snapshotFile = "merged.json"

	// maxLineBytes bounds one findings line; larger lines are dropped.
	maxLineBytes = 1 << 20
)

// Merger assembles per-chunk findings files into ordered scan results.
type Merger struct {
	root string
}

// New creates a merger over the artifact root.
func New(root string) *Merger {
	return &Merger{root: root}
}

// Result is one page of merged findings.
type Result struct {
	ScanID   string                `json:"scan_id"`
	Total    int                   `json:"total"`
	Offset   int                   `json:"offset"`
	Limit    int                   `json:"limit"`
	Summary  types.SeveritySummary `json:"summary"`
	Findings []types.Finding       `json:"findings"`
	Partial  bool                  `json:"partial"`
}

// snapshot is the merged.json layout written when a scan finalizes.
type snapshot struct {
	ScanID      string                `json:"scan_id"`
	GeneratedAt time.Time             `json:"generated_at"`
	Summary     types.SeveritySummary `json:"summary"`
	Findings    []types.Finding       `json:"findings"`
}

// Query returns one page of findings for a scan. While the scan is still
// running the page covers the chunks that completed so far; a scan with
// nothing to read yet is not ready.
func (m *Merger) Query(s *types.Scan, offset, limit int) (*Result, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	findings, summary, err := m.load(s)
	if err != nil {
		return nil, err
	}

	total := len(findings)
	lo := offset
	hi := lo + limit
	if lo > total {
		lo = total
	}
	if hi > total {
		hi = total
	}

	partial := !s.Terminal()
	for _, c := range s.Chunks {
		if c.State == types.ChunkStateFailed || c.State == types.ChunkStateCancelled {
			partial = true
		}
	}

	return &Result{
		ScanID:   s.ID,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
		Summary:  summary,
		Findings: findings[lo:hi],
		Partial:  partial,
	}, nil
}

// load prefers the finalize-time snapshot and falls back to reading the
// chunk files directly for scans still in flight.
func (m *Merger) load(s *types.Scan) ([]types.Finding, types.SeveritySummary, error) {
	if s.Terminal() {
		if snap, err := m.readSnapshot(s.ID); err == nil {
			return snap.Findings, snap.Summary, nil
		}
	}

	completed := 0
	for _, c := range s.Chunks {
		if c.State == types.ChunkStateCompleted {
			completed++
		}
	}
	if completed == 0 {
		if !s.Terminal() {
			return nil, types.SeveritySummary{}, fmt.Errorf("scan %s has no completed chunks yet: %w", s.ID, types.ErrNotReady)
		}
		// Terminal with nothing produced: an empty result, not an error.
		return nil, types.SeveritySummary{}, nil
	}

	return m.mergeChunks(s)
}

// mergeChunks concatenates chunk findings in chunk index order, capping
// evidence as it goes. Chunk order makes merged output deterministic for
// a given set of completed chunks.
func (m *Merger) mergeChunks(s *types.Scan) ([]types.Finding, types.SeveritySummary, error) {
	var findings []types.Finding
	var summary types.SeveritySummary

	for _, c := range s.Chunks {
		if c.State != types.ChunkStateCompleted || c.FindingsPath == "" {
			continue
		}
		chunkFindings, err := m.readChunkFile(filepath.Join(m.root, c.FindingsPath), s.ID, c.Index)
		if err != nil {
			return nil, summary, err
		}
		for _, f := range chunkFindings {
			summary.Add(f.Severity)
		}
		findings = append(findings, chunkFindings...)
	}
	return findings, summary, nil
}

// readChunkFile parses one findings.jsonl file. Malformed lines are
// dropped with a warning rather than failing the whole scan's results.
func (m *Merger) readChunkFile(path, scanID string, chunkIndex int) ([]types.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open findings: %w", err)
	}
	defer f.Close()

	var out []types.Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var finding types.Finding
		if err := json.Unmarshal(line, &finding); err != nil {
			log.WithChunk(scanID, chunkIndex).Warn().Err(err).Msg("dropping malformed finding line")
			continue
		}
		if !types.ValidSeverity(finding.Severity) {
			finding.Severity = types.SeverityInformational
		}
		capEvidence(&finding.Evidence)
		out = append(out, finding)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read findings: %w", err)
	}
	return out, nil
}

func capEvidence(e *types.Evidence) {
	if len(e.Request) > evidenceCap {
		e.Request = e.Request[:evidenceCap]
	}
	if len(e.Response) > evidenceCap {
		e.Response = e.Response[:evidenceCap]
	}
}

// WriteSnapshot merges a finalizing scan's chunks and writes merged.json
// next to them, so terminal reads never re-walk the chunk files. Runs as
// the registry's merge hook and returns the merged finding count.
func (m *Merger) WriteSnapshot(s *types.Scan) (int, error) {
	findings, summary, err := m.mergeChunks(s)
	if err != nil {
		return 0, err
	}
	for _, f := range findings {
		metrics.FindingsIngested.WithLabelValues(string(f.Severity)).Inc()
	}

	dir := filepath.Join(m.root, "results", s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.Marshal(snapshot{
		ScanID:      s.ID,
		GeneratedAt: time.Now(),
		Summary:     summary,
		Findings:    findings,
	})
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), data, 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	log.WithScanID(s.ID).Info().
		Int("findings", len(findings)).
		Msg("findings merged")
	return len(findings), nil
}

func (m *Merger) readSnapshot(scanID string) (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(m.root, "results", scanID, snapshotFile))
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RemoveArtifacts deletes a scan's results directory.
func (m *Merger) RemoveArtifacts(scanID string) error {
	return os.RemoveAll(filepath.Join(m.root, "results", scanID))
}
