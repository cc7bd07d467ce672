// ============================================================================
// Request Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Function: Serves image requests from the cache when possible and
// dispatches render jobs otherwise.
//
// RequestImage:
//   person -> templates -> Selector (template, caption) -> RenderConfig
//   -> cache key "templateID_caption_fingerprint"
//     hit  -> fetch artifact -> {Cached: true}
//             (stale reference: warn and continue as a miss)
//     miss -> create pending record -> publish job -> increment usage
//             -> {Cached: false, CorrelationID}
//
// PollResult:
//   record pending or failed -> its own status and message
//   record completed         -> fetch artifact, write the cache entry, return it
//
// Cache read and write failures never fail a request. A publish failure
// marks the record failed and is reported as ErrUpstreamUnavailable.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
	"github.com/ChuLiYu/memegen-pipeline/internal/observability"
	"github.com/ChuLiYu/memegen-pipeline/internal/queue"
	"github.com/ChuLiYu/memegen-pipeline/internal/settings"
	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Messages returned to pollers.
const (
	MsgImageNotFound    = "Image not found"
	MsgArtifactMissing  = "Image not found at object store"
	MsgDispatchFailed   = "Failed to dispatch job"
	MsgRenderInProgress = "Image is being generated"
)

// Request asks for an image of a person.
type Request struct {
	PersonID  int
	SessionID string
}

// ImageResponse is the result of RequestImage. CorrelationID is always set;
// Artifact is set iff Cached. A cache hit creates no record, so its
// CorrelationID only tags the response.
type ImageResponse struct {
	CorrelationID string
	Cached        bool
	Artifact      []byte
}

// PollResponse is the result of PollResult. Artifact is set iff Status is
// completed.
type PollResponse struct {
	CorrelationID string
	Status        types.GenerationStatus
	Artifact      []byte
	Message       string
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Templates store.TemplateStore
	Records   store.RecordStore
	Objects   store.ObjectStore
	Cache     store.Cache
	Queue     queue.Queue
	Settings  *settings.Loader
	Selector  Selector           // random selector when nil
	Metrics   *metrics.Collector // optional
	Logger    *slog.Logger       // slog.Default() when nil
	Now       func() time.Time   // time.Now when nil
}

// Coordinator implements the request side of the pipeline.
type Coordinator struct {
	templates store.TemplateStore
	records   store.RecordStore
	objects   store.ObjectStore
	cache     store.Cache
	queue     queue.Queue
	settings  *settings.Loader
	selector  Selector
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Coordinator.
func New(d Deps) *Coordinator {
	if d.Selector == nil {
		d.Selector = NewRandomSelector(0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Coordinator{
		templates: d.Templates,
		records:   d.Records,
		objects:   d.Objects,
		cache:     d.Cache,
		queue:     d.Queue,
		settings:  d.Settings,
		selector:  d.Selector,
		metrics:   d.Metrics,
		log:       d.Logger.With("component", "coordinator"),
		now:       d.Now,
	}
}

// NewCorrelationID returns a random UUID as 32 lowercase hex characters.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NormalizeCorrelationID validates id and returns its canonical form.
func NormalizeCorrelationID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("correlation id %q: %w", id, types.ErrInvalidInput)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

// RequestImage returns a cached artifact or dispatches a render job.
func (c *Coordinator) RequestImage(ctx context.Context, req Request) (resp ImageResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.request_image",
		attribute.Int("person_id", req.PersonID))
	defer func() {
		observability.EndSpan(span, err)
		switch {
		case err != nil:
			c.metrics.RecordRequest(metrics.RequestError)
		case resp.Cached:
			c.metrics.RecordRequest(metrics.RequestHit)
		default:
			c.metrics.RecordRequest(metrics.RequestDispatched)
		}
	}()

	if req.PersonID <= 0 {
		return ImageResponse{}, fmt.Errorf("person id %d: %w", req.PersonID, types.ErrInvalidInput)
	}

	templates, err := c.templates.ListTemplatesByPerson(ctx, req.PersonID)
	if err != nil {
		return ImageResponse{}, fmt.Errorf("%w: list templates: %v", types.ErrUpstreamUnavailable, err)
	}
	if len(templates) == 0 {
		return ImageResponse{}, fmt.Errorf("templates of person %d: %w", req.PersonID, types.ErrNotFound)
	}

	tpl, caption, err := c.selector.Pick(req.SessionID, templates)
	if err != nil {
		return ImageResponse{}, err
	}

	cfg := c.settings.RenderConfig(ctx)
	fingerprint := cfg.Fingerprint()
	key := types.CacheKey(tpl.ID, caption, fingerprint)

	correlationID := NewCorrelationID()
	if artifact, ok := c.lookupCache(ctx, key); ok {
		return ImageResponse{CorrelationID: correlationID, Cached: true, Artifact: artifact}, nil
	}

	now := c.now()
	rec := types.GenerationRecord{
		ID:                uuid.NewString(),
		CorrelationID:     correlationID,
		Caption:           caption,
		TemplateID:        tpl.ID,
		ConfigFingerprint: fingerprint,
		PersonID:          req.PersonID,
		Status:            types.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.records.CreateRecord(ctx, rec); err != nil {
		return ImageResponse{}, fmt.Errorf("failed to create record: %w", err)
	}

	job := types.NewJob(correlationID, caption, tpl.ID, cfg)
	if err := c.queue.Publish(ctx, job); err != nil {
		c.log.Error("Failed to publish job", "correlation_id", correlationID, "error", err)
		if _, ferr := c.records.FinishRecord(ctx, correlationID, types.StatusFailed, "", MsgDispatchFailed); ferr != nil {
			c.log.Error("Failed to mark record failed", "correlation_id", correlationID, "error", ferr)
		}
		if errors.Is(err, types.ErrUpstreamUnavailable) {
			return ImageResponse{}, fmt.Errorf("publish job: %w", err)
		}
		return ImageResponse{}, fmt.Errorf("%w: publish job: %v", types.ErrUpstreamUnavailable, err)
	}

	if err := c.templates.IncrementUsage(ctx, tpl.ID); err != nil {
		c.log.Warn("Failed to increment template usage", "template_id", tpl.ID, "error", err)
	}

	c.log.Info("Job dispatched",
		"correlation_id", correlationID,
		"template_id", tpl.ID,
		"fingerprint", fingerprint)
	return ImageResponse{CorrelationID: correlationID}, nil
}

// lookupCache returns the cached artifact for key. Cache errors and stale
// references are treated as a miss.
func (c *Coordinator) lookupCache(ctx context.Context, key string) ([]byte, bool) {
	ref, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	artifact, err := c.objects.Get(ctx, ref)
	if err != nil {
		c.log.Warn("Stale cache entry", "key", key, "artifact_ref", ref, "error", err)
		return nil, false
	}
	return artifact, true
}

// PollResult reports the state of a dispatched render.
func (c *Coordinator) PollResult(ctx context.Context, correlationID string) (resp PollResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.poll_result")
	defer func() {
		observability.EndSpan(span, err)
		if err == nil {
			c.metrics.RecordPoll(string(resp.Status))
		}
	}()

	id, err := NormalizeCorrelationID(correlationID)
	if err != nil {
		return PollResponse{}, err
	}
	span.SetAttributes(attribute.String("correlation_id", id))

	rec, err := c.records.GetRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			c.log.Error("Failed to load record", "correlation_id", id, "error", err)
		}
		return PollResponse{CorrelationID: id, Status: types.StatusFailed, Message: MsgImageNotFound}, nil
	}

	switch rec.Status {
	case types.StatusPending:
		msg := rec.Message
		if msg == "" {
			msg = MsgRenderInProgress
		}
		return PollResponse{CorrelationID: id, Status: types.StatusPending, Message: msg}, nil
	case types.StatusFailed:
		return PollResponse{CorrelationID: id, Status: types.StatusFailed, Message: rec.Message}, nil
	}

	artifact, err := c.objects.Get(ctx, rec.ArtifactRef)
	if err != nil {
		c.log.Error("Completed record without artifact", "correlation_id", id, "artifact_ref", rec.ArtifactRef, "error", err)
		return PollResponse{CorrelationID: id, Status: types.StatusFailed, Message: MsgArtifactMissing}, nil
	}

	ttl := c.settings.CacheConfig(ctx).CacheTTL()
	if err := c.cache.Set(ctx, rec.CacheKey(), rec.ArtifactRef, ttl); err != nil {
		c.log.Warn("Failed to write cache entry", "key", rec.CacheKey(), "error", err)
	}

	return PollResponse{
		CorrelationID: id,
		Status:        types.StatusCompleted,
		Artifact:      artifact,
		Message:       rec.Message,
	}, nil
}
