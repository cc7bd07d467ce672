package types

import (
	"fmt"
	"time"
)

// Render configuration limits. Values outside a range fall back to the
// default when the configuration is used.
const (
	RenderConfigVersion = 1

	MinTextPadding     = 10
	MaxTextPadding     = 50
	DefaultTextPadding = 28

	MinBackgroundOpacity     = 80
	MaxBackgroundOpacity     = 210
	DefaultBackgroundOpacity = 120

	DefaultTextAtTop     = true
	DefaultUpperCaseText = false
)

// Cache configuration limits, in minutes.
const (
	CacheConfigVersion = 1

	MinCacheDurationMinutes     = 1
	MaxCacheDurationMinutes     = 1440
	DefaultCacheDurationMinutes = 60

	MinRetentionMinutes     = 2
	MaxRetentionMinutes     = 10080
	DefaultRetentionMinutes = 120
)

// RenderConfig holds the tunables of the layout engine.
type RenderConfig struct {
	Version           int  `json:"version" yaml:"version"`
	TextPadding       int  `json:"text_padding" yaml:"text_padding"`
	BackgroundOpacity int  `json:"background_opacity" yaml:"background_opacity"`
	TextAtTop         bool `json:"text_at_top" yaml:"text_at_top"`
	UpperCaseText     bool `json:"upper_case_text" yaml:"upper_case_text"`
}

// DefaultRenderConfig returns the configuration used when none is persisted.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Version:           RenderConfigVersion,
		TextPadding:       DefaultTextPadding,
		BackgroundOpacity: DefaultBackgroundOpacity,
		TextAtTop:         DefaultTextAtTop,
		UpperCaseText:     DefaultUpperCaseText,
	}
}

// Fingerprint encodes every field into a short stable string. Configs with
// equal fields always produce equal fingerprints.
func (c RenderConfig) Fingerprint() string {
	return fmt.Sprintf("v%d-%d-%d-%t-%t",
		RenderConfigVersion, c.TextPadding, c.BackgroundOpacity, c.TextAtTop, c.UpperCaseText)
}

// EffectivePadding returns the padding the layout engine uses.
func (c RenderConfig) EffectivePadding() int {
	return inRangeOr(c.TextPadding, MinTextPadding, MaxTextPadding, DefaultTextPadding)
}

// EffectiveOpacity returns the background alpha the layout engine uses.
func (c RenderConfig) EffectiveOpacity() uint8 {
	return uint8(inRangeOr(c.BackgroundOpacity, MinBackgroundOpacity, MaxBackgroundOpacity, DefaultBackgroundOpacity))
}

// Update applies new values. Padding and opacity outside their ranges are
// ignored and the previous values kept.
func (c RenderConfig) Update(textPadding, backgroundOpacity int, textAtTop, upperCaseText bool) RenderConfig {
	if inRange(textPadding, MinTextPadding, MaxTextPadding) {
		c.TextPadding = textPadding
	}
	if inRange(backgroundOpacity, MinBackgroundOpacity, MaxBackgroundOpacity) {
		c.BackgroundOpacity = backgroundOpacity
	}
	c.TextAtTop = textAtTop
	c.UpperCaseText = upperCaseText
	c.Version = RenderConfigVersion
	return c
}

// CacheConfig controls cache entry lifetime and record retention.
type CacheConfig struct {
	Version              int `json:"version" yaml:"version"`
	CacheDurationMinutes int `json:"cache_duration_minutes" yaml:"cache_duration_minutes"`
	RetentionMinutes     int `json:"retention_minutes" yaml:"retention_minutes"`
}

// DefaultCacheConfig returns the configuration used when none is persisted.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Version:              CacheConfigVersion,
		CacheDurationMinutes: DefaultCacheDurationMinutes,
		RetentionMinutes:     DefaultRetentionMinutes,
	}
}

// DefaultCacheTTL is applied when the configured duration is below one minute.
const DefaultCacheTTL = DefaultCacheDurationMinutes * time.Minute

// DefaultRetention is applied when no usable retention is configured.
const DefaultRetention = DefaultRetentionMinutes * time.Minute

// CacheTTL returns the TTL for new cache entries.
func (c CacheConfig) CacheTTL() time.Duration {
	if c.CacheDurationMinutes < MinCacheDurationMinutes {
		return DefaultCacheTTL
	}
	return time.Duration(c.CacheDurationMinutes) * time.Minute
}

// Retention returns the age after which an unreferenced record may be deleted.
func (c CacheConfig) Retention() time.Duration {
	if c.RetentionMinutes <= 0 {
		return DefaultRetention
	}
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// Update applies new values, ignoring ones outside their ranges.
func (c CacheConfig) Update(cacheDurationMinutes, retentionMinutes int) CacheConfig {
	if inRange(cacheDurationMinutes, MinCacheDurationMinutes, MaxCacheDurationMinutes) {
		c.CacheDurationMinutes = cacheDurationMinutes
	}
	if inRange(retentionMinutes, MinRetentionMinutes, MaxRetentionMinutes) {
		c.RetentionMinutes = retentionMinutes
	}
	c.Version = CacheConfigVersion
	return c
}

func inRange(v, lo, hi int) bool { return v >= lo && v <= hi }

func inRangeOr(v, lo, hi, def int) int {
	if inRange(v, lo, hi) {
		return v
	}
	return def
}
