package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/queue"
	"github.com/ventisec/ventiscan/pkg/registry"
	"github.com/ventisec/ventiscan/pkg/scan"
	"github.com/ventisec/ventiscan/pkg/types"
)

const (
	// DefaultMaxWorkers caps concurrent worker processes.
	DefaultMaxWorkers = 5

	// terminationGrace is how long a worker gets between SIGTERM and
	// SIGKILL.
	terminationGrace = 5 * time.Second

	// telemetryInterval is how often a running worker's progress file is
	// polled.
	telemetryInterval = 2 * time.Second

	// exitCodeBudget is the worker exit code meaning the request budget
	// ran out before the chunk finished.
	exitCodeBudget = 3

	telemetryFile = "progress.json"
	statusFile    = "status"
	findingsFile  = "findings.jsonl"
)

// Controller leases chunks from the queue and drives worker processes
// through their lifecycle: spawn, telemetry, timeout, termination and
// exit classification. Concurrency is bounded by the number of lease
// loops; a loop holds one worker at a time.
type Controller struct {
	queue    *queue.Queue
	scans    *scan.Registry
	profiles *registry.Registry
	launcher Launcher
	broker   *events.Broker

	root       string // artifact root
	maxWorkers int
	grace      time.Duration
	pollEvery  time.Duration

	wg sync.WaitGroup
}

// New creates a controller. maxWorkers <= 0 means DefaultMaxWorkers.
func New(q *queue.Queue, scans *scan.Registry, profiles *registry.Registry, launcher Launcher, broker *events.Broker, artifactRoot string, maxWorkers int) *Controller {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Controller{
		queue:      q,
		scans:      scans,
		profiles:   profiles,
		launcher:   launcher,
		broker:     broker,
		root:       artifactRoot,
		maxWorkers: maxWorkers,
		grace:      terminationGrace,
		pollEvery:  telemetryInterval,
	}
}

// Start launches the lease loops. They run until ctx ends or the queue
// closes.
func (c *Controller) Start(ctx context.Context) {
	for i := 0; i < c.maxWorkers; i++ {
		c.wg.Add(1)
		go func(slot int) {
			defer c.wg.Done()
			c.leaseLoop(ctx, slot)
		}(i)
	}
}

// Wait blocks until every lease loop has drained.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) leaseLoop(ctx context.Context, slot int) {
	logger := log.WithComponent("controller")
	for {
		job, err := c.queue.Lease(ctx)
		if err != nil {
			logger.Debug().Int("slot", slot).Msg("lease loop stopping")
			return
		}
		c.runJob(ctx, job)
	}
}

// runJob executes one chunk end to end.
func (c *Controller) runJob(ctx context.Context, job *queue.Job) {
	logger := log.WithChunk(job.ScanID, job.Chunk.Index)

	scanCtx, err := c.scans.StartChunk(job.ScanID, job.Chunk.Index)
	if err != nil {
		logger.Warn().Err(err).Msg("chunk not startable, dropping job")
		return
	}
	if scanCtx == nil {
		// Scan was cancelled between enqueue and lease.
		return
	}

	profileID := ""
	if len(job.Options.Scanners) > 0 {
		profileID = job.Options.Scanners[0]
	}
	profile, err := c.profiles.Get(profileID)
	if err != nil {
		c.scans.CompleteChunk(job.ScanID, job.Chunk.Index, types.ExitError, "", err.Error())
		return
	}

	outDir := filepath.Join(c.root, "results", job.ScanID, fmt.Sprintf("chunk-%d", job.Chunk.Index))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		c.scans.CompleteChunk(job.ScanID, job.Chunk.Index, types.ExitError, "", fmt.Sprintf("create output dir: %v", err))
		return
	}

	inv := c.buildInvocation(profile, job, outDir)

	// The chunk deadline nests inside the scan's context, so scan
	// cancellation and chunk timeout both end the worker.
	chunkCtx, cancel := context.WithTimeout(scanCtx, profile.Timeout)
	defer cancel()

	started := time.Now()
	handle, err := c.launcher.Launch(chunkCtx, inv)
	if err != nil {
		c.scans.CompleteChunk(job.ScanID, job.Chunk.Index, types.ExitError, "", err.Error())
		return
	}

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	c.broker.Publish(&events.Event{
		Type:    events.EventWorkerSpawned,
		ScanID:  job.ScanID,
		Message: fmt.Sprintf("worker %s spawned for chunk %d", profile.ID, job.Chunk.Index),
		Metadata: map[string]string{
			"profile": profile.ID,
			"chunk":   strconv.Itoa(job.Chunk.Index),
		},
	})

	pollDone := make(chan struct{})
	go c.pollTelemetry(chunkCtx, job, outDir, pollDone)

	waitCh := make(chan ExitResult, 1)
	go func() { waitCh <- handle.Wait() }()

	var result ExitResult
	var ctxErr error
	select {
	case result = <-waitCh:
	case <-chunkCtx.Done():
		ctxErr = chunkCtx.Err()
		handle.Terminate(c.grace)
		result = <-waitCh
	}
	cancel()
	<-pollDone

	exit, errMsg := c.classify(ctxErr, result, outDir)
	findingsPath := ""
	if rel := filepath.Join("results", job.ScanID, fmt.Sprintf("chunk-%d", job.Chunk.Index), findingsFile); fileExists(filepath.Join(c.root, rel)) {
		findingsPath = rel
	}

	metrics.WorkerDuration.WithLabelValues(profile.ID).Observe(time.Since(started).Seconds())
	c.broker.Publish(&events.Event{
		Type:    events.EventWorkerExited,
		ScanID:  job.ScanID,
		Message: fmt.Sprintf("worker exited with %s", exit),
		Metadata: map[string]string{
			"profile":   profile.ID,
			"chunk":     strconv.Itoa(job.Chunk.Index),
			"exit_kind": string(exit),
		},
	})
	logger.Info().
		Str("exit_kind", string(exit)).
		Dur("duration", time.Since(started)).
		Msg("worker finished")

	c.scans.CompleteChunk(job.ScanID, job.Chunk.Index, exit, findingsPath, errMsg)
}

// buildInvocation expands the profile's template for one chunk.
func (c *Controller) buildInvocation(profile types.WorkerProfile, job *queue.Job, outDir string) Invocation {
	values := map[string]string{
		"spec":         filepath.Join(c.root, job.Chunk.SpecPath),
		"target":       job.Target,
		"output":       outDir,
		"max_requests": strconv.Itoa(job.Options.MaxRequests),
		"rps":          strconv.FormatFloat(job.Options.RPS, 'f', -1, 64),
		"dangerous":    strconv.FormatBool(job.Options.DangerousMode),
		"fuzz_auth":    strconv.FormatBool(job.Options.FuzzAuth),
	}
	return Invocation{
		Program: profile.Invocation.Program,
		Args:    expandTemplate(values, profile.Invocation.Args),
		Env:     append(os.Environ(), expandTemplate(values, profile.Invocation.Env)...),
		Dir:     outDir,
		Limits:  profile.ResourceLimits,
	}
}

// pollTelemetry reads the worker's progress file periodically until the
// chunk context ends. Workers that never write telemetry are fine; the
// chunk just shows no intermediate progress.
func (c *Controller) pollTelemetry(ctx context.Context, job *queue.Job, outDir string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(filepath.Join(outDir, telemetryFile))
			if err != nil {
				continue
			}
			var tel types.Telemetry
			if err := json.Unmarshal(data, &tel); err != nil {
				continue
			}
			c.scans.UpdateChunkTelemetry(job.ScanID, job.Chunk.Index, tel)
		}
	}
}

// classify maps a process exit onto an ExitKind. Context state wins over
// exit codes: a worker killed because of cancellation or timeout reports
// that, whatever code the dying process produced.
func (c *Controller) classify(ctxErr error, result ExitResult, outDir string) (types.ExitKind, string) {
	switch ctxErr {
	case context.Canceled:
		return types.ExitKilled, "terminated"
	case context.DeadlineExceeded:
		return types.ExitTimeout, "chunk deadline exceeded"
	}

	if result.Err != nil {
		return types.ExitError, result.Err.Error()
	}

	switch result.Code {
	case 0:
		if statusIsBudgetExhausted(outDir) {
			return types.ExitBudgetExhausted, ""
		}
		return types.ExitSuccess, ""
	case exitCodeBudget:
		return types.ExitBudgetExhausted, ""
	default:
		msg := fmt.Sprintf("worker exited with code %d", result.Code)
		if result.Stderr != "" {
			msg = fmt.Sprintf("%s: %s", msg, result.Stderr)
		}
		return types.ExitError, msg
	}
}

// statusIsBudgetExhausted checks the optional status file some engines
// write instead of using the exit code.
func statusIsBudgetExhausted(outDir string) bool {
	data, err := os.ReadFile(filepath.Join(outDir, statusFile))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "budget_exhausted"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
