// ============================================================================
// In-memory stores
// ============================================================================
//
// Package: internal/store
// File: memory.go
// Function: Map-backed implementations of every store capability.
//
// Data layout:
//   records   map[correlationID]*GenerationRecord  - single source of truth
//   byID      map[recordID]correlationID           - index for DeleteRecord
//   templates map[templateID]*Template
//   configs   map[name][]byte
//
// State transitions on records:
//   pending -> completed | failed through FinishRecord only; a record that is
//   already terminal is left untouched and FinishRecord reports false.
//
// Concurrency:
//   Every store uses sync.RWMutex, RLock for reads and Lock for writes. Values
//   are copied in and out so callers never share memory with the store.
//
// ============================================================================

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// ============================================================================
// Records
// ============================================================================

// MemoryRecordStore implements RecordStore.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*types.GenerationRecord
	byID    map[string]string
	now     func() time.Time
}

// NewMemoryRecordStore creates an empty record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return NewMemoryRecordStoreWithClock(time.Now)
}

// NewMemoryRecordStoreWithClock creates a record store that stamps UpdatedAt
// from now.
func NewMemoryRecordStoreWithClock(now func() time.Time) *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*types.GenerationRecord),
		byID:    make(map[string]string),
		now:     now,
	}
}

// CreateRecord inserts rec.
func (s *MemoryRecordStore) CreateRecord(_ context.Context, rec types.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CorrelationID]; exists {
		return fmt.Errorf("record %s: %w", rec.CorrelationID, types.ErrDuplicate)
	}
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("record id %s: %w", rec.ID, types.ErrDuplicate)
	}

	cp := rec
	s.records[rec.CorrelationID] = &cp
	s.byID[rec.ID] = rec.CorrelationID
	return nil
}

// GetRecord returns a copy of the record.
func (s *MemoryRecordStore) GetRecord(_ context.Context, correlationID string) (types.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[correlationID]
	if !ok {
		return types.GenerationRecord{}, fmt.Errorf("record %s: %w", correlationID, types.ErrNotFound)
	}
	return *rec, nil
}

// FinishRecord applies the terminal transition if the record is pending.
func (s *MemoryRecordStore) FinishRecord(_ context.Context, correlationID string, status types.GenerationStatus, artifactRef, message string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal: %w", status, types.ErrInvalidInput)
	}
	if status == types.StatusCompleted && artifactRef == "" {
		return false, fmt.Errorf("completed record requires an artifact: %w", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[correlationID]
	if !ok {
		return false, fmt.Errorf("record %s: %w", correlationID, types.ErrNotFound)
	}
	if rec.Status != types.StatusPending {
		return false, nil
	}

	rec.Status = status
	rec.Message = message
	if status == types.StatusCompleted {
		rec.ArtifactRef = artifactRef
	}
	rec.UpdatedAt = s.now()
	return true, nil
}

// DeleteRecord removes the record with the given primary id.
func (s *MemoryRecordStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	correlationID, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("record id %s: %w", id, types.ErrNotFound)
	}
	delete(s.byID, id)
	delete(s.records, correlationID)
	return nil
}

// ListRecords returns all records ordered by creation time.
func (s *MemoryRecordStore) ListRecords(_ context.Context) ([]types.GenerationRecord, error) {
	s.mu.RLock()
	out := make([]types.GenerationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Len returns the number of records.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ============================================================================
// Templates
// ============================================================================

// MemoryTemplateStore implements TemplateStore.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*types.Template
}

// NewMemoryTemplateStore creates a store seeded with templates.
func NewMemoryTemplateStore(templates ...types.Template) *MemoryTemplateStore {
	s := &MemoryTemplateStore{templates: make(map[string]*types.Template)}
	for _, tpl := range templates {
		cp := copyTemplate(tpl)
		s.templates[tpl.ID] = &cp
	}
	return s
}

func (s *MemoryTemplateStore) GetTemplate(_ context.Context, id string) (types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return types.Template{}, fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	return copyTemplate(*tpl), nil
}

func (s *MemoryTemplateStore) ListTemplatesByPerson(_ context.Context, personID int) ([]types.Template, error) {
	s.mu.RLock()
	out := make([]types.Template, 0)
	for _, tpl := range s.templates {
		if tpl.PersonID == personID {
			out = append(out, copyTemplate(*tpl))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTemplateStore) IncrementUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	tpl.UsageCount++
	return nil
}

func (s *MemoryTemplateStore) PutTemplate(_ context.Context, tpl types.Template) error {
	if tpl.ID == "" {
		return fmt.Errorf("template id is empty: %w", types.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyTemplate(tpl)
	s.templates[tpl.ID] = &cp
	return nil
}

func copyTemplate(tpl types.Template) types.Template {
	tpl.Captions = append([]string(nil), tpl.Captions...)
	return tpl
}

// ============================================================================
// Configs
// ============================================================================

// MemoryConfigStore implements ConfigStore.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string][]byte
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string][]byte)}
}

func (s *MemoryConfigStore) GetConfig(_ context.Context, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.configs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *MemoryConfigStore) PutConfig(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[name] = append([]byte(nil), data...)
	return nil
}

// ============================================================================
// Objects
// ============================================================================

// MemoryObjectStore implements ObjectStore.
type MemoryObjectStore struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (s *MemoryObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("object key is empty: %w", types.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	s.contentTypes[key] = contentType
	return nil
}

func (s *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, types.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.contentTypes, key)
	return nil
}

// ContentType returns the content type an object was stored with.
func (s *MemoryObjectStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[key]
}

// Len returns the number of stored objects.
func (s *MemoryObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// ============================================================================
// Cache
// ============================================================================

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache implements Cache with lazy expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates a cache. now may be nil, in which case time.Now is
// used.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]cacheEntry), now: now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl %s: %w", ttl, types.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

var (
	_ RecordStore   = (*MemoryRecordStore)(nil)
	_ TemplateStore = (*MemoryTemplateStore)(nil)
	_ ConfigStore   = (*MemoryConfigStore)(nil)
	_ ObjectStore   = (*MemoryObjectStore)(nil)
	_ Cache         = (*MemoryCache)(nil)
)
