// ============================================================================
// Render Worker - job processing
// ============================================================================
//
// Package: internal/worker
// File: processor.go
// Function: Turns one render job into an artifact and a terminal record.
//
// Flow:
//   1. Load the record by correlation id.
//        absent   -> integrity fault, logged, no retry
//        terminal -> duplicate delivery, no-op
//   2. Load the template and its source photo.
//        template absent -> failed "Template not found"
//        photo absent    -> failed "Image not found at object store"
//   3. Render the caption with the job's config snapshot.
//   4. Store the artifact at generated/<correlationId>.jpg.
//   5. pending -> completed with "Elapsed: N ms".
//   Any error in 3-5 marks the record failed "Image processing error".
//
// The terminal transition is conditional on the record still being pending,
// so a job delivered twice changes the record once.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/memegen-pipeline/internal/layout"
	"github.com/ChuLiYu/memegen-pipeline/internal/metrics"
	"github.com/ChuLiYu/memegen-pipeline/internal/observability"
	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Failure messages written to records.
const (
	MsgTemplateNotFound = "Template not found"
	MsgSourceNotFound   = "Image not found at object store"
	MsgProcessingError  = "Image processing error"
)

// Renderer draws a caption onto encoded source bytes.
type Renderer interface {
	Render(caption string, source []byte, cfg types.RenderConfig) ([]byte, error)
}

// ArtifactKey returns the object key of a rendered artifact.
func ArtifactKey(correlationID string) string {
	return "generated/" + correlationID + ".jpg"
}

// Processor implements JobProcessor.
type Processor struct {
	records   store.RecordStore
	templates store.TemplateStore
	objects   store.ObjectStore
	renderer  Renderer
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time
}

// ProcessorDeps are the collaborators of a Processor.
type ProcessorDeps struct {
	Records   store.RecordStore
	Templates store.TemplateStore
	Objects   store.ObjectStore
	Renderer  Renderer
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(d ProcessorDeps) *Processor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Processor{
		records:   d.Records,
		templates: d.Templates,
		objects:   d.Objects,
		renderer:  d.Renderer,
		metrics:   d.Metrics,
		log:       d.Logger.With("component", "worker"),
		now:       time.Now,
	}
}

// ProcessJob runs job and reports how it ended.
func (p *Processor) ProcessJob(ctx context.Context, job types.Job) (res Result) {
	start := p.now()
	ctx, span := observability.StartSpan(ctx, "worker.process_job",
		attribute.String("correlation_id", job.CorrelationID),
		attribute.String("template_id", job.TemplateID))
	defer func() {
		res.CorrelationID = job.CorrelationID
		res.Duration = p.now().Sub(start)
		observability.EndSpan(span, res.Error)
		p.metrics.RecordJob(string(res.Outcome), res.Duration)
	}()

	rec, err := p.records.GetRecord(ctx, job.CorrelationID)
	if errors.Is(err, types.ErrNotFound) {
		p.log.Error("Job without record", "correlation_id", job.CorrelationID)
		return Result{Outcome: OutcomeIntegrityFault, Error: fmt.Errorf("job %s: %w", job.CorrelationID, types.ErrIntegrityFault)}
	}
	if err != nil {
		p.log.Error("Failed to load record", "correlation_id", job.CorrelationID, "error", err)
		return Result{Outcome: OutcomeError, Error: err}
	}
	if rec.Status.IsTerminal() {
		p.log.Info("Duplicate delivery ignored", "correlation_id", job.CorrelationID, "status", rec.Status)
		return Result{Outcome: OutcomeDuplicate}
	}

	tpl, err := p.templates.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		msg := MsgProcessingError
		if errors.Is(err, types.ErrNotFound) {
			msg = MsgTemplateNotFound
		}
		return p.fail(ctx, job.CorrelationID, msg, err)
	}

	source, err := p.objects.Get(ctx, tpl.SourceImageRef)
	if err != nil {
		msg := MsgProcessingError
		if errors.Is(err, types.ErrNotFound) {
			msg = MsgSourceNotFound
		}
		return p.fail(ctx, job.CorrelationID, msg, err)
	}

	artifact, err := p.renderer.Render(job.Caption, source, job.Config())
	if err != nil {
		return p.fail(ctx, job.CorrelationID, MsgProcessingError, err)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, job.CorrelationID, MsgProcessingError, err)
	}

	key := ArtifactKey(job.CorrelationID)
	if err := p.objects.Put(ctx, key, artifact, layout.ContentType); err != nil {
		return p.fail(ctx, job.CorrelationID, MsgProcessingError, err)
	}

	msg := fmt.Sprintf("Elapsed: %d ms", p.now().Sub(start).Milliseconds())
	applied, err := p.records.FinishRecord(ctx, job.CorrelationID, types.StatusCompleted, key, msg)
	if err != nil {
		return p.fail(ctx, job.CorrelationID, MsgProcessingError, err)
	}
	if !applied {
		return Result{Outcome: OutcomeDuplicate}
	}

	p.log.Info("Job completed", "correlation_id", job.CorrelationID, "artifact_ref", key, "message", msg)
	return Result{Outcome: OutcomeCompleted, Message: msg}
}

// fail marks the record failed. The update uses a fresh context so that a
// timed-out job still reaches a terminal state. If the record is already
// terminal the result is OutcomeDuplicate.
func (p *Processor) fail(ctx context.Context, correlationID, msg string, cause error) Result {
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	applied, err := p.records.FinishRecord(updCtx, correlationID, types.StatusFailed, "", msg)
	if err != nil {
		p.log.Error("Failed to mark record failed", "correlation_id", correlationID, "cause", cause, "error", err)
		return Result{Outcome: OutcomeError, Message: msg, Error: errors.Join(cause, err)}
	}
	if !applied {
		// another delivery already reached a terminal state; its outcome stands
		p.log.Info("Record already terminal, failure dropped", "correlation_id", correlationID, "message", msg, "cause", cause)
		return Result{Outcome: OutcomeDuplicate}
	}
	p.log.Error("Job failed", "correlation_id", correlationID, "message", msg, "error", cause)
	return Result{Outcome: OutcomeFailed, Message: msg, Error: cause}
}
