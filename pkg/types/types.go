// Package types defines the domain model shared by the coordinator, the render
// worker and the lifecycle reconciler.
package types

import (
	"strings"
	"time"
)

// GenerationStatus is the state of one render attempt.
type GenerationStatus string

const (
	StatusPending   GenerationStatus = "pending"   // record created, job dispatched
	StatusCompleted GenerationStatus = "completed" // artifact written, ArtifactRef set
	StatusFailed    GenerationStatus = "failed"    // terminal failure, Message explains why
)

// IsTerminal reports whether no further transition is allowed.
func (s GenerationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s GenerationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// GenerationRecord represents one render attempt.
//
// CorrelationID is the client-facing handle; it is unique and never changes.
// Status moves only pending -> completed or pending -> failed, and ArtifactRef
// is non-empty iff Status is completed.
type GenerationRecord struct {
	ID                string           `json:"id"`
	CorrelationID     string           `json:"correlation_id"`
	Caption           string           `json:"caption"`
	TemplateID        string           `json:"template_id"`
	ConfigFingerprint string           `json:"config_fingerprint"`
	PersonID          int              `json:"person_id"`
	Status            GenerationStatus `json:"status"`
	ArtifactRef       string           `json:"artifact_ref,omitempty"`
	Message           string           `json:"message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// CacheKey returns the cache key under which the artifact of this record is
// served.
func (r GenerationRecord) CacheKey() string {
	return CacheKey(r.TemplateID, r.Caption, r.ConfigFingerprint)
}

// ExpiresAt returns the instant after which the record is eligible for
// deletion under the given retention.
func (r GenerationRecord) ExpiresAt(retention time.Duration) time.Time {
	return r.UpdatedAt.Add(retention)
}

// CacheKey joins the semantic render inputs into one cache key. Template ids
// and fingerprints never contain '_', so the encoding is unambiguous even when
// the caption does.
func CacheKey(templateID, caption, fingerprint string) string {
	return strings.Join([]string{templateID, caption, fingerprint}, "_")
}

// Template is a photo plus the captions that may be drawn on it.
type Template struct {
	ID             string   `json:"id" yaml:"id"`
	PersonID       int      `json:"person_id" yaml:"person_id"`
	Name           string   `json:"name" yaml:"name"`
	Captions       []string `json:"captions" yaml:"captions"`
	SourceImageRef string   `json:"source_image_ref" yaml:"source_image_ref"`
	UsageCount     int      `json:"usage_count" yaml:"usage_count"`
}

// JobSchemaVersion is the only job payload version this build understands.
const JobSchemaVersion = 1

// Job is the payload published to the queue for one render.
type Job struct {
	SchemaVersion int           `msgpack:"schemaVersion" json:"schemaVersion"`
	CorrelationID string        `msgpack:"correlationId" json:"correlationId"`
	Caption       string        `msgpack:"caption" json:"caption"`
	TemplateID    string        `msgpack:"templateId" json:"templateId"`
	RenderConfig  JobRenderSpec `msgpack:"renderConfig" json:"renderConfig"`
}

// JobRenderSpec is the render configuration snapshot carried by a Job.
type JobRenderSpec struct {
	TextPadding       int  `msgpack:"textPadding" json:"textPadding"`
	BackgroundOpacity int  `msgpack:"backgroundOpacity" json:"backgroundOpacity"`
	TextAtTop         bool `msgpack:"textAtTop" json:"textAtTop"`
	UpperCaseText     bool `msgpack:"upperCaseText" json:"upperCaseText"`
}

// NewJob builds a job carrying a snapshot of cfg.
func NewJob(correlationID, caption, templateID string, cfg RenderConfig) Job {
	return Job{
		SchemaVersion: JobSchemaVersion,
		CorrelationID: correlationID,
		Caption:       caption,
		TemplateID:    templateID,
		RenderConfig: JobRenderSpec{
			TextPadding:       cfg.TextPadding,
			BackgroundOpacity: cfg.BackgroundOpacity,
			TextAtTop:         cfg.TextAtTop,
			UpperCaseText:     cfg.UpperCaseText,
		},
	}
}

// Config returns the render configuration snapshot as a RenderConfig.
func (j Job) Config() RenderConfig {
	return RenderConfig{
		Version:           RenderConfigVersion,
		TextPadding:       j.RenderConfig.TextPadding,
		BackgroundOpacity: j.RenderConfig.BackgroundOpacity,
		TextAtTop:         j.RenderConfig.TextAtTop,
		UpperCaseText:     j.RenderConfig.UpperCaseText,
	}
}
