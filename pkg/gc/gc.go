package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/merge"
	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/scan"
	"github.com/ventisec/ventiscan/pkg/specstore"
)

// DefaultInterval is how often the retention sweep runs.
const DefaultInterval = time.Hour

// Sweeper removes scans whose retention window has passed, along with
// their spec copies and findings artifacts. Active scans are never
// touched; a scan only becomes sweepable once terminal with an elapsed
// RetainUntil.
type Sweeper struct {
	scans    *scan.Registry
	specs    *specstore.Store
	merger   *merge.Merger
	broker   *events.Broker
	interval time.Duration

	now func() time.Time
}

// New creates a sweeper. interval <= 0 means DefaultInterval.
func New(scans *scan.Registry, specs *specstore.Store, merger *merge.Merger, broker *events.Broker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		scans:    scans,
		specs:    specs,
		merger:   merger,
		broker:   broker,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once at startup and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired scan and returns how many were swept.
// Removal is artifacts first, record last, so a crash mid-sweep leaves a
// record that the next sweep retries rather than orphaned files.
func (s *Sweeper) Sweep() int {
	logger := log.WithComponent("gc")
	now := s.now()

	swept := 0
	for _, sc := range s.scans.List("") {
		if !sc.Terminal() || sc.RetainUntil.IsZero() || now.Before(sc.RetainUntil) {
			continue
		}
		if err := s.specs.Remove(sc.ID); err != nil {
			logger.Error().Err(err).Str("scan_id", sc.ID).Msg("sweep spec artifacts")
			continue
		}
		if err := s.merger.RemoveArtifacts(sc.ID); err != nil {
			logger.Error().Err(err).Str("scan_id", sc.ID).Msg("sweep result artifacts")
			continue
		}
		if err := s.scans.Delete(sc.ID); err != nil {
			logger.Error().Err(err).Str("scan_id", sc.ID).Msg("sweep scan record")
			continue
		}
		metrics.ArtifactsSwept.Inc()
		swept++
	}

	if swept > 0 {
		logger.Info().Int("swept", swept).Msg("retention sweep finished")
		s.broker.Publish(&events.Event{
			Type:    events.EventArtifactsSwept,
			Message: fmt.Sprintf("retention sweep removed %d scans", swept),
		})
	}
	return swept
}
