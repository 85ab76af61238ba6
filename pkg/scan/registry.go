package scan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/queue"
	"github.com/ventisec/ventiscan/pkg/storage"
	"github.com/ventisec/ventiscan/pkg/types"
)

// DefaultScanTimeout bounds a whole scan's wall-clock time.
const DefaultScanTimeout = 30 * time.Minute

// Progress band boundaries per phase. A scan's progress never moves
// backwards even when the underlying signals do.
const (
	progressAdmitted = 10
	progressScanBase = 30
	progressScanSpan = 50 // scanning covers 30-80
	progressMerging  = 85
	progressFinalize = 95
	progressDone     = 100
)

// Registry owns every scan's lifecycle: admission, chunk state
// transitions, progress aggregation, cancellation, scan timeout and
// terminal outcome. All transitions persist to the store before they are
// observable through Get.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store       storage.Store
	broker      *events.Broker
	queue       *queue.Queue
	scanTimeout time.Duration
	retention   time.Duration

	// onMerge runs between the merging and finalizing phases of a scan
	// that produced findings, while the scan is still exclusively locked.
	// It returns the merged finding count.
	onMerge func(snapshot *types.Scan) (int, error)
}

type entry struct {
	mu      sync.Mutex
	scan    *types.Scan
	cancels map[int]context.CancelFunc
	timer   *time.Timer
}

// New creates a registry. onMerge may be nil.
func New(store storage.Store, broker *events.Broker, q *queue.Queue, scanTimeout, retention time.Duration, onMerge func(*types.Scan) (int, error)) *Registry {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &Registry{
		entries:     make(map[string]*entry),
		store:       store,
		broker:      broker,
		queue:       q,
		scanTimeout: scanTimeout,
		retention:   retention,
		onMerge:     onMerge,
	}
}

// Restore loads persisted scans after a restart. Scans that were active
// when the process died cannot be resumed; they fail with an explicit
// error rather than sitting in a live state forever.
func (r *Registry) Restore() error {
	scans, err := r.store.ListScans()
	if err != nil {
		return fmt.Errorf("restore scans: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range scans {
		if !s.Terminal() {
			s.State = types.ScanStateFailed
			s.CurrentPhase = types.PhaseDone
			s.Error = "interrupted by service restart"
			s.CompletedAt = time.Now()
			s.RetainUntil = s.CompletedAt.Add(r.retention)
			for _, c := range s.Chunks {
				if !c.Terminal() {
					c.State = types.ChunkStateFailed
					c.Error = "interrupted by service restart"
				}
			}
			if err := r.store.UpdateScan(s); err != nil {
				return fmt.Errorf("restore scan %s: %w", s.ID, err)
			}
			log.WithScanID(s.ID).Warn().Msg("scan interrupted by restart, marked failed")
		}
		metrics.ScansTotal.WithLabelValues(string(s.State)).Inc()
		r.entries[s.ID] = &entry{scan: s, cancels: make(map[int]context.CancelFunc)}
	}
	return nil
}

// Admit registers a partitioned scan and enqueues all of its chunks
// atomically. On a full queue nothing is admitted and the caller maps the
// error to backpressure.
func (r *Registry) Admit(s *types.Scan) error {
	s.State = types.ScanStateQueued
	s.CurrentPhase = types.PhaseInitializing
	s.Progress = progressAdmitted
	s.CreatedAt = time.Now()

	jobs := make([]*queue.Job, len(s.Chunks))
	for i, c := range s.Chunks {
		jobs[i] = &queue.Job{
			ScanID:  s.ID,
			Chunk:   c,
			Target:  s.TargetURL,
			Options: s.Options,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[s.ID]; exists {
		return fmt.Errorf("scan %s already admitted: %w", s.ID, types.ErrConflict)
	}
	if err := r.queue.EnqueueScan(jobs); err != nil {
		return err
	}
	if err := r.store.CreateScan(s); err != nil {
		r.queue.CancelScan(s.ID)
		return err
	}

	r.entries[s.ID] = &entry{scan: s, cancels: make(map[int]context.CancelFunc)}
	metrics.ScansTotal.WithLabelValues(string(s.State)).Inc()
	metrics.ScansStarted.Inc()

	r.broker.Publish(&events.Event{
		Type:      events.EventScanAdmitted,
		Principal: s.Owner,
		ScanID:    s.ID,
		Message:   fmt.Sprintf("scan admitted with %d chunks", len(s.Chunks)),
	})
	return nil
}

// Get returns a point-in-time copy of a scan.
func (r *Registry) Get(id string) (*types.Scan, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.scan), nil
}

// List returns snapshots of all scans, or only the owner's when owner is
// non-empty, newest first.
func (r *Registry) List(owner string) []*types.Scan {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*types.Scan
	for _, e := range entries {
		e.mu.Lock()
		if owner == "" || e.scan.Owner == owner {
			out = append(out, snapshot(e.scan))
		}
		e.mu.Unlock()
	}
	sortScansNewestFirst(out)
	return out
}

// StartChunk transitions a chunk to running and returns the context the
// worker must run under. A nil context with no error means the scan is no
// longer interested (cancelled or timed out) and the job should be
// dropped silently.
func (r *Registry) StartChunk(scanID string, index int) (context.Context, error) {
	e, err := r.entry(scanID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.scan
	if s.Terminal() {
		return nil, nil
	}
	c, err := chunkAt(s, index)
	if err != nil {
		return nil, err
	}
	if c.State != types.ChunkStatePending {
		return nil, fmt.Errorf("chunk %d of scan %s is %s: %w", index, scanID, c.State, types.ErrConflict)
	}

	if s.State == types.ScanStateQueued {
		r.transition(s, types.ScanStateRunning)
		s.StartedAt = time.Now()
		s.CurrentPhase = types.PhaseScanning
		e.timer = time.AfterFunc(r.scanTimeout, func() { r.timeoutScan(scanID) })
		r.broker.Publish(&events.Event{
			Type:    events.EventScanStarted,
			ScanID:  s.ID,
			Message: "first chunk leased",
		})
	}

	c.State = types.ChunkStateRunning
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels[index] = cancel

	r.recomputeProgress(s)
	r.persist(s)
	return ctx, nil
}

// UpdateChunkTelemetry folds a worker progress report into the chunk and
// the scan progress. Chunk progress is monotonic per chunk.
func (r *Registry) UpdateChunkTelemetry(scanID string, index int, tel types.Telemetry) {
	e, err := r.entry(scanID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.scan
	c, err := chunkAt(s, index)
	if err != nil || c.State != types.ChunkStateRunning {
		return
	}
	if tel.Progress > c.Progress && tel.Progress <= 100 {
		c.Progress = tel.Progress
	}
	if tel.CurrentEndpoint != "" {
		c.CurrentEndpoint = tel.CurrentEndpoint
	}
	c.LastTelemetry = time.Now()

	r.recomputeProgress(s)
	r.persist(s)
}

// CompleteChunk records a worker's terminal outcome for a chunk. When the
// last chunk lands the scan finalizes: merge phase, outcome decision,
// retention stamp.
func (r *Registry) CompleteChunk(scanID string, index int, exit types.ExitKind, findingsPath, errMsg string) {
	e, err := r.entry(scanID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.scan
	c, err := chunkAt(s, index)
	if err != nil || c.Terminal() {
		return
	}
	delete(e.cancels, index)

	c.ExitKind = exit
	c.FindingsPath = findingsPath
	c.Error = errMsg
	switch exit {
	case types.ExitSuccess, types.ExitBudgetExhausted:
		// Budget exhaustion is a safety stop, not a fault.
		c.State = types.ChunkStateCompleted
		c.Progress = 100
	case types.ExitKilled:
		if s.State == types.ScanStateCancelled {
			c.State = types.ChunkStateCancelled
		} else {
			c.State = types.ChunkStateFailed
		}
	default:
		c.State = types.ChunkStateFailed
	}
	metrics.ChunksCompleted.WithLabelValues(string(exit)).Inc()

	if s.Terminal() {
		// Late exit after cancellation or timeout already finalized the scan.
		r.persist(s)
		return
	}

	r.recomputeProgress(s)
	if allTerminal(s) {
		r.finalize(e)
	}
	r.persist(s)
}

// Cancel stops a scan: pending chunks leave the queue, running workers
// get their contexts cancelled, and the scan lands in cancelled
// immediately rather than after the workers die.
func (r *Registry) Cancel(scanID, by string) error {
	e, err := r.entry(scanID)
	if err != nil {
		return err
	}

	removed := r.queue.CancelScan(scanID)

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.scan
	if s.Terminal() {
		return fmt.Errorf("scan %s already %s: %w", scanID, s.State, types.ErrConflict)
	}

	for _, job := range removed {
		if c, err := chunkAt(s, job.Chunk.Index); err == nil && !c.Terminal() {
			c.State = types.ChunkStateCancelled
		}
	}
	for _, cancel := range e.cancels {
		cancel()
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	r.transition(s, types.ScanStateCancelled)
	s.CurrentPhase = types.PhaseDone
	s.CompletedAt = time.Now()
	// Cancelled scans keep nothing of value; eligible at the next sweep.
	s.RetainUntil = s.CompletedAt
	r.persist(s)

	r.broker.Publish(&events.Event{
		Type:      events.EventScanCancelled,
		Principal: by,
		ScanID:    scanID,
		Message:   "scan cancelled",
	})
	return nil
}

// Delete removes a terminal scan from the registry and the store. Active
// scans must be cancelled first. Artifact removal is the caller's job.
func (r *Registry) Delete(scanID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, types.ErrNotFound)
	}
	e.mu.Lock()
	terminal := e.scan.Terminal()
	state := e.scan.State
	e.mu.Unlock()

	if !terminal {
		return fmt.Errorf("scan %s is %s: %w", scanID, state, types.ErrConflict)
	}
	if err := r.store.DeleteScan(scanID); err != nil {
		return err
	}
	delete(r.entries, scanID)
	metrics.ScansTotal.WithLabelValues(string(state)).Dec()

	r.broker.Publish(&events.Event{
		Type:    events.EventScanDeleted,
		ScanID:  scanID,
		Message: "scan and artifacts deleted",
	})
	return nil
}

// timeoutScan fires when a scan exceeds its wall-clock budget. Remaining
// work is abandoned and the partial-success rule decides the outcome.
func (r *Registry) timeoutScan(scanID string) {
	e, err := r.entry(scanID)
	if err != nil {
		return
	}

	removed := r.queue.CancelScan(scanID)

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.scan
	if s.Terminal() {
		return
	}
	log.WithScanID(scanID).Warn().Dur("timeout", r.scanTimeout).Msg("scan deadline exceeded")

	for _, job := range removed {
		if c, err := chunkAt(s, job.Chunk.Index); err == nil && !c.Terminal() {
			c.State = types.ChunkStateFailed
			c.ExitKind = types.ExitTimeout
			c.Error = "scan deadline exceeded before chunk started"
		}
	}
	for idx, cancel := range e.cancels {
		cancel()
		if c, err := chunkAt(s, idx); err == nil && !c.Terminal() {
			c.State = types.ChunkStateFailed
			c.ExitKind = types.ExitTimeout
			c.Error = "scan deadline exceeded"
		}
	}
	e.cancels = make(map[int]context.CancelFunc)

	r.finalize(e)
	r.persist(s)
}

// finalize decides a terminal outcome once every chunk is terminal (or
// abandoned). One completed chunk is enough for the scan to complete;
// its findings are valid even when siblings failed. Caller holds e.mu.
func (r *Registry) finalize(e *entry) {
	s := e.scan
	if e.timer != nil {
		e.timer.Stop()
	}

	completed, failed := 0, 0
	for _, c := range s.Chunks {
		switch c.State {
		case types.ChunkStateCompleted:
			completed++
		case types.ChunkStateFailed:
			failed++
		}
	}

	if completed > 0 {
		s.CurrentPhase = types.PhaseMerging
		s.Progress = maxInt(s.Progress, progressMerging)
		if r.onMerge != nil {
			n, err := r.onMerge(snapshot(s))
			if err != nil {
				log.WithScanID(s.ID).Error().Err(err).Msg("merge findings")
			} else {
				s.FindingsCount = n
			}
		}
		s.CurrentPhase = types.PhaseFinalizing
		s.Progress = maxInt(s.Progress, progressFinalize)

		r.transition(s, types.ScanStateCompleted)
		if failed > 0 {
			s.Error = fmt.Sprintf("%d of %d chunks failed", failed, len(s.Chunks))
		}
		// 100 is reserved for scans that produced results.
		s.Progress = progressDone
		r.broker.Publish(&events.Event{
			Type:    events.EventScanCompleted,
			ScanID:  s.ID,
			Message: fmt.Sprintf("scan completed, %d/%d chunks succeeded", completed, len(s.Chunks)),
		})
	} else {
		r.transition(s, types.ScanStateFailed)
		s.Error = firstChunkError(s)
		r.broker.Publish(&events.Event{
			Type:    events.EventScanFailed,
			ScanID:  s.ID,
			Message: "all chunks failed",
		})
	}

	s.CurrentPhase = types.PhaseDone
	s.CompletedAt = time.Now()
	s.RetainUntil = s.CompletedAt.Add(r.retention)
}

// recomputeProgress maps phase plus mean chunk progress onto the 0-100
// scale, clamped monotonic. Caller holds e.mu.
func (r *Registry) recomputeProgress(s *types.Scan) {
	if s.State != types.ScanStateRunning || len(s.Chunks) == 0 {
		return
	}
	sum := 0
	for _, c := range s.Chunks {
		if c.Terminal() {
			sum += 100
		} else {
			sum += c.Progress
		}
	}
	mean := sum / len(s.Chunks)
	s.Progress = maxInt(s.Progress, progressScanBase+mean*progressScanSpan/100)
}

func (r *Registry) transition(s *types.Scan, to types.ScanState) {
	metrics.ScansTotal.WithLabelValues(string(s.State)).Dec()
	metrics.ScansTotal.WithLabelValues(string(to)).Inc()
	s.State = to
}

func (r *Registry) persist(s *types.Scan) {
	if err := r.store.UpdateScan(s); err != nil {
		log.WithScanID(s.ID).Error().Err(err).Msg("persist scan state")
	}
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", id, types.ErrNotFound)
	}
	return e, nil
}

func chunkAt(s *types.Scan, index int) (*types.Chunk, error) {
	if index < 0 || index >= len(s.Chunks) {
		return nil, fmt.Errorf("chunk %d of scan %s: %w", index, s.ID, types.ErrNotFound)
	}
	return s.Chunks[index], nil
}

func allTerminal(s *types.Scan) bool {
	for _, c := range s.Chunks {
		if !c.Terminal() {
			return false
		}
	}
	return true
}

func firstChunkError(s *types.Scan) string {
	for _, c := range s.Chunks {
		if c.Error != "" {
			return c.Error
		}
	}
	return "all chunks failed"
}

func snapshot(s *types.Scan) *types.Scan {
	cp := *s
	cp.Chunks = make([]*types.Chunk, len(s.Chunks))
	for i, c := range s.Chunks {
		cc := *c
		cc.Paths = append([]string(nil), c.Paths...)
		cp.Chunks[i] = &cc
	}
	return &cp
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortScansNewestFirst(scans []*types.Scan) {
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].CreatedAt.After(scans[j].CreatedAt)
	})
}
