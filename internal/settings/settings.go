// Package settings loads and saves RenderConfig and CacheConfig through a
// store.ConfigStore. Missing or unreadable settings fall back to defaults so
// that a render never fails because of configuration.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Names under which the configs are persisted.
const (
	RenderConfigName = "render"
	CacheConfigName  = "cache"
)

// Loader reads and writes persisted settings.
type Loader struct {
	store store.ConfigStore
	log   *slog.Logger
}

// NewLoader creates a loader. logger may be nil.
func NewLoader(cs store.ConfigStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: cs, log: logger.With("component", "settings")}
}

// RenderConfig returns the persisted render config or the default.
func (l *Loader) RenderConfig(ctx context.Context) types.RenderConfig {
	cfg := types.DefaultRenderConfig()
	if !l.load(ctx, RenderConfigName, &cfg) {
		return types.DefaultRenderConfig()
	}
	return cfg
}

// CacheConfig returns the persisted cache config or the default.
func (l *Loader) CacheConfig(ctx context.Context) types.CacheConfig {
	cfg := types.DefaultCacheConfig()
	if !l.load(ctx, CacheConfigName, &cfg) {
		return types.DefaultCacheConfig()
	}
	return cfg
}

func (l *Loader) load(ctx context.Context, name string, into any) bool {
	data, found, err := l.store.GetConfig(ctx, name)
	if err != nil {
		l.log.Warn("Failed to load config, using defaults", "name", name, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(data, into); err != nil {
		l.log.Warn("Malformed config, using defaults", "name", name, "error", err)
		return false
	}
	return true
}

// SaveRenderConfig persists cfg as given.
func (l *Loader) SaveRenderConfig(ctx context.Context, cfg types.RenderConfig) error {
	cfg.Version = types.RenderConfigVersion
	return l.save(ctx, RenderConfigName, cfg)
}

// SaveCacheConfig persists cfg as given.
func (l *Loader) SaveCacheConfig(ctx context.Context, cfg types.CacheConfig) error {
	cfg.Version = types.CacheConfigVersion
	return l.save(ctx, CacheConfigName, cfg)
}

func (l *Loader) save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s config: %w", name, err)
	}
	if err := l.store.PutConfig(ctx, name, data); err != nil {
		return fmt.Errorf("failed to save %s config: %w", name, err)
	}
	return nil
}

// RenderUpdate holds optional render config changes.
type RenderUpdate struct {
	TextPadding       *int
	BackgroundOpacity *int
	TextAtTop         *bool
	UpperCaseText     *bool
}

// UpdateRenderConfig applies the set fields to the current config, ignoring
// out-of-range values, and persists the result.
func (l *Loader) UpdateRenderConfig(ctx context.Context, u RenderUpdate) (types.RenderConfig, error) {
	cur := l.RenderConfig(ctx)
	padding, opacity, top, upper := cur.TextPadding, cur.BackgroundOpacity, cur.TextAtTop, cur.UpperCaseText
	if u.TextPadding != nil {
		padding = *u.TextPadding
	}
	if u.BackgroundOpacity != nil {
		opacity = *u.BackgroundOpacity
	}
	if u.TextAtTop != nil {
		top = *u.TextAtTop
	}
	if u.UpperCaseText != nil {
		upper = *u.UpperCaseText
	}
	next := cur.Update(padding, opacity, top, upper)
	return next, l.SaveRenderConfig(ctx, next)
}

// CacheUpdate holds optional cache config changes.
type CacheUpdate struct {
	CacheDurationMinutes *int
	RetentionMinutes     *int
}

// UpdateCacheConfig applies the set fields, ignoring out-of-range values, and
// persists the result.
func (l *Loader) UpdateCacheConfig(ctx context.Context, u CacheUpdate) (types.CacheConfig, error) {
	cur := l.CacheConfig(ctx)
	duration, retention := cur.CacheDurationMinutes, cur.RetentionMinutes
	if u.CacheDurationMinutes != nil {
		duration = *u.CacheDurationMinutes
	}
	if u.RetentionMinutes != nil {
		retention = *u.RetentionMinutes
	}
	next := cur.Update(duration, retention)
	return next, l.SaveCacheConfig(ctx, next)
}
