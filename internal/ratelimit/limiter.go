// Package ratelimit enforces sliding-window limits over a device's event history.
package ratelimit

import (
	"time"

	"github.com/router-for-me/GuestGuard/internal/models"
	internalsettings "github.com/router-for-me/GuestGuard/internal/settings"
)

// Denial reasons surfaced to callers.
const (
	ReasonTooFrequent = "too frequent"
	ReasonTooMany     = "too many requests"
	ReasonDuplicate   = "duplicate prompt"
)

// Config holds the limiter ceilings and the score penalties applied on breach.
type Config struct {
	MinInterval      time.Duration
	Window           time.Duration
	MaxPerWindow     int
	MaxDuplicates    int
	FrequencyPenalty float64
	DuplicatePenalty float64
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		MinInterval:      internalsettings.DefaultMinInterval,
		Window:           internalsettings.DefaultWindow,
		MaxPerWindow:     internalsettings.DefaultMaxPerWindow,
		MaxDuplicates:    internalsettings.DefaultMaxDuplicates,
		FrequencyPenalty: internalsettings.DefaultFrequencyPenalty,
		DuplicatePenalty: internalsettings.DefaultDuplicatePenalty,
	}
}

// Result describes the outcome of a single limit check.
type Result struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
	Penalty float64 // score increment the caller should apply on denial
}

var allowed = Result{Allowed: true}

// Limiter evaluates interval, window and duplicate limits.
type Limiter struct {
	cfg Config
}

// New constructs a Limiter. Non-positive limits take their defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.MaxDuplicates <= 0 {
		cfg.MaxDuplicates = def.MaxDuplicates
	}
	if cfg.FrequencyPenalty < 0 {
		cfg.FrequencyPenalty = 0
	}
	if cfg.DuplicatePenalty < 0 {
		cfg.DuplicatePenalty = 0
	}
	return &Limiter{cfg: cfg}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// CheckInterval denies when the last accepted event is closer than MinInterval.
func (l *Limiter) CheckInterval(rec *models.DeviceRecord, now time.Time) Result {
	if rec == nil || rec.LastEventTime.IsZero() {
		return allowed
	}
	elapsed := now.Sub(rec.LastEventTime)
	if elapsed >= l.cfg.MinInterval {
		return allowed
	}
	wait := l.cfg.MinInterval - elapsed
	if wait > l.cfg.MinInterval {
		// last event is in the future; treat it as just happened
		wait = l.cfg.MinInterval
	}
	return Result{Reason: ReasonTooFrequent, Wait: wait}
}

// CheckWindowFrequency denies when MaxPerWindow events already fall inside
// the trailing Window. The wait lasts until the oldest of them slides out.
func (l *Limiter) CheckWindowFrequency(rec *models.DeviceRecord, now time.Time) Result {
	if rec == nil {
		return allowed
	}
	cutoff := now.Add(-l.cfg.Window)
	count := 0
	var oldest time.Time
	for _, ts := range rec.EventTimestamps {
		if !ts.After(cutoff) || ts.After(now) {
			continue
		}
		count++
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	if count < l.cfg.MaxPerWindow {
		return allowed
	}
	return Result{
		Reason:  ReasonTooMany,
		Wait:    l.cfg.Window - now.Sub(oldest),
		Penalty: l.cfg.FrequencyPenalty,
	}
}

// CheckDuplicate denies when the normalized prompt is already stored
// MaxDuplicates times.
func (l *Limiter) CheckDuplicate(rec *models.DeviceRecord, prompt string) Result {
	if rec == nil {
		return allowed
	}
	normalized := models.NormalizePrompt(prompt)
	seen := 0
	for _, p := range rec.PromptHistory {
		if p == normalized {
			seen++
		}
	}
	if seen < l.cfg.MaxDuplicates {
		return allowed
	}
	return Result{Reason: ReasonDuplicate, Penalty: l.cfg.DuplicatePenalty}
}
