// ============================================================================
// Store capabilities
// ============================================================================
//
// Package: internal/store
// File: store.go
// Function: Capability interfaces consumed by the coordinator, the render
// worker and the reconciler.
//
// Implementations:
//   - memory.go:      in-process maps guarded by RWMutex (standalone, tests)
//   - sqlstore/:      RecordStore/TemplateStore/ConfigStore on sqlite or postgres
//   - objectstore/:   ObjectStore on MinIO or the local filesystem
//   - rediscache/:    Cache on Redis
//
// Not-found conditions are reported with types.ErrNotFound (wrapped) so that
// callers can branch with errors.Is regardless of the backend.
//
// ============================================================================

package store

import (
	"context"
	"time"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// RecordStore persists generation records.
type RecordStore interface {
	// CreateRecord inserts a new record. A duplicate correlation id yields
	// types.ErrDuplicate.
	CreateRecord(ctx context.Context, rec types.GenerationRecord) error
	// GetRecord loads a record by correlation id.
	GetRecord(ctx context.Context, correlationID string) (types.GenerationRecord, error)
	// FinishRecord moves a pending record to a terminal status. It reports
	// false without error when the record is already terminal.
	FinishRecord(ctx context.Context, correlationID string, status types.GenerationStatus, artifactRef, message string) (bool, error)
	// DeleteRecord removes a record by its primary id.
	DeleteRecord(ctx context.Context, id string) error
	// ListRecords returns every record.
	ListRecords(ctx context.Context) ([]types.GenerationRecord, error)
}

// TemplateStore serves templates and their usage counters.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (types.Template, error)
	ListTemplatesByPerson(ctx context.Context, personID int) ([]types.Template, error)
	IncrementUsage(ctx context.Context, id string) error
	PutTemplate(ctx context.Context, tpl types.Template) error
}

// ConfigStore is a name to blob store for persisted settings.
type ConfigStore interface {
	GetConfig(ctx context.Context, name string) ([]byte, bool, error)
	PutConfig(ctx context.Context, name string, data []byte) error
}

// ObjectStore holds source photos and rendered artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns types.ErrNotFound when the object is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds when the object is already absent.
	Delete(ctx context.Context, key string) error
}

// Cache maps cache keys to artifact references.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
