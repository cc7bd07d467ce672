// ============================================================================
// Lifecycle Reconciler
// ============================================================================
//
// Package: internal/reconciler
// File: reconciler.go
// Function: Periodically deletes expired generation records and their
// artifacts, never touching one the cache still points at.
//
// Cycle:
//   1. List all records, load CacheConfig for the retention window.
//   2. Skip records with UpdatedAt + retention >= now.
//   3. For each expired record:
//        cache entry present and non-empty -> retain
//        otherwise -> delete artifact (if any, absent tolerated), then record
//   4. Per-record failures are counted and logged; the batch continues.
//
// Loop:
//   Start runs one cycle immediately and then one every Interval, in the
//   same stopCh + WaitGroup style as the other background loops. Only one
//   cycle runs at a time.
//
// ============================================================================

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
	"github.com/ChuLiYu/memegen-pipeline/internal/observability"
	"github.com/ChuLiYu/memegen-pipeline/internal/settings"
	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// DefaultInterval is the time between two cycles.
const DefaultInterval = 4 * time.Minute

// Config configures a Reconciler.
type Config struct {
	Interval time.Duration
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Records  store.RecordStore
	Objects  store.ObjectStore
	Cache    store.Cache
	Settings *settings.Loader
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Now      func() time.Time
}

// Report summarizes one cycle.
type Report struct {
	Scanned  int // records listed
	Expired  int // records past retention
	Deleted  int // expired records removed
	Retained int // expired records kept because the cache references them
	Failed   int // expired records that could not be processed
}

// Reconciler evicts expired records.
type Reconciler struct {
	records  store.RecordStore
	objects  store.ObjectStore
	cache    store.Cache
	settings *settings.Loader
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
	cfg      Config

	cycleMu sync.Mutex // one cycle at a time
	mu      sync.Mutex
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Reconciler.
func New(cfg Config, d Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Reconciler{
		records:  d.Records,
		objects:  d.Objects,
		cache:    d.Cache,
		settings: d.Settings,
		metrics:  d.Metrics,
		log:      d.Logger.With("component", "reconciler"),
		now:      d.Now,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Reconcile runs one cycle. The error is non-nil only when the records could
// not be listed or ctx ended mid-cycle.
func (r *Reconciler) Reconcile(ctx context.Context) (report Report, err error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.now()
	ctx, span := observability.StartSpan(ctx, "reconciler.reconcile")
	defer func() {
		span.SetAttributes(
			attribute.Int("scanned", report.Scanned),
			attribute.Int("deleted", report.Deleted),
			attribute.Int("retained", report.Retained),
			attribute.Int("failed", report.Failed))
		observability.EndSpan(span, err)
		r.metrics.RecordReconcile(report.Deleted, report.Retained, report.Failed, r.now().Sub(start))
	}()

	records, err := r.records.ListRecords(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list records: %w", err)
	}
	report.Scanned = len(records)

	retention := r.settings.CacheConfig(ctx).Retention()
	now := r.now()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !rec.ExpiresAt(retention).Before(now) {
			continue
		}
		report.Expired++

		outcome, err := r.evict(ctx, rec)
		switch {
		case err != nil:
			report.Failed++
			r.log.Error("Failed to evict record", "correlation_id", rec.CorrelationID, "error", err)
		case outcome == evicted:
			report.Deleted++
		case outcome == retained:
			report.Retained++
		}
	}

	r.log.Info("Reconcile cycle finished",
		"scanned", report.Scanned,
		"expired", report.Expired,
		"deleted", report.Deleted,
		"retained", report.Retained,
		"failed", report.Failed)
	return report, nil
}

type evictOutcome int

const (
	evicted evictOutcome = iota
	retained
	gone // deleted by someone else in the meantime
)

// evict deletes rec and its artifact unless the cache still references it.
func (r *Reconciler) evict(ctx context.Context, rec types.GenerationRecord) (evictOutcome, error) {
	value, found, err := r.cache.Get(ctx, rec.CacheKey())
	if err != nil {
		// an unreadable cache might still reference the artifact
		return retained, fmt.Errorf("failed to read cache: %w", err)
	}
	if found && value != "" {
		r.log.Debug("Record still cached, retained", "correlation_id", rec.CorrelationID)
		return retained, nil
	}

	if rec.ArtifactRef != "" {
		if err := r.objects.Delete(ctx, rec.ArtifactRef); err != nil && !errors.Is(err, types.ErrNotFound) {
			return retained, fmt.Errorf("failed to delete artifact %s: %w", rec.ArtifactRef, err)
		}
	}

	if err := r.records.DeleteRecord(ctx, rec.ID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return gone, nil
		}
		return retained, fmt.Errorf("failed to delete record: %w", err)
	}

	r.log.Info("Record evicted", "correlation_id", rec.CorrelationID, "artifact_ref", rec.ArtifactRef)
	return evicted, nil
}

// Start runs a cycle now and then every Interval until Stop or ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("reconciler already started")
	}
	r.started = true

	r.loopWg.Add(1)
	go r.loop(ctx)

	r.log.Info("Reconciler started", "interval", r.cfg.Interval)
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.loopWg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runCycle(ctx)
	for {
		select {
		case <-r.stopCh:
			r.log.Info("Reconcile loop stopped")
			return
		case <-ctx.Done():
			r.log.Info("Reconcile loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			// a stop may have raced with the tick
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("Reconcile cycle failed", "error", err)
	}
}

// Stop ends the loop and waits for a running cycle to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.loopWg.Wait()
}
