package guard

import (
	"time"

	"github.com/router-for-me/GuestGuard/internal/config"
	"github.com/router-for-me/GuestGuard/internal/detect"
	"github.com/router-for-me/GuestGuard/internal/ratelimit"
	internalsettings "github.com/router-for-me/GuestGuard/internal/settings"
)

// Config tunes the engine and quota manager.
type Config struct {
	Limits    ratelimit.Config
	Detectors detect.Config

	PromptHistoryCap int
	EventRetention   time.Duration

	SuspicionThreshold float64
	LockoutDuration    time.Duration
	Decay              float64
	FingerprintPenalty float64
	DetectorPenalty    float64

	MaxDaily int
	Location *time.Location
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		Limits:             ratelimit.DefaultConfig(),
		Detectors:          detect.DefaultConfig(),
		PromptHistoryCap:   internalsettings.DefaultPromptHistoryCap,
		EventRetention:     internalsettings.DefaultEventRetention,
		SuspicionThreshold: internalsettings.DefaultSuspicionThreshold,
		LockoutDuration:    internalsettings.DefaultLockoutDuration,
		Decay:              internalsettings.DefaultDecay,
		FingerprintPenalty: internalsettings.DefaultFingerprintPenalty,
		DetectorPenalty:    internalsettings.DefaultDetectorPenalty,
		MaxDaily:           internalsettings.DefaultMaxDaily,
		Location:           time.Local,
	}
}

// ConfigFrom maps the loaded service configuration onto engine tuning.
func ConfigFrom(cfg config.Config) Config {
	g := cfg.Guard
	d := g.Detectors
	return Config{
		Limits: ratelimit.Config{
			MinInterval:      g.MinInterval,
			Window:           g.Window,
			MaxPerWindow:     g.MaxPerWindow,
			MaxDuplicates:    g.MaxDuplicates,
			FrequencyPenalty: g.FrequencyPenalty,
			DuplicatePenalty: g.DuplicatePenalty,
		},
		Detectors: detect.Config{
			BurstWindow:       d.BurstWindow,
			BurstMaxEvents:    d.BurstMaxEvents,
			ShortPromptLength: d.ShortPromptLength,
			ShortPromptRatio:  d.ShortPromptRatio,
			DuplicateRatio:    d.DuplicateRatio,
			SequentialRatio:   d.SequentialRatio,
			MinSample:         d.MinSample,
			RegularMinEvents:  d.RegularMinEvents,
			RegularMaxStdDev:  d.RegularMaxStdDev,
			RegularMeanLow:    d.RegularMeanLow,
			RegularMeanHigh:   d.RegularMeanHigh,
		},
		PromptHistoryCap:   g.PromptHistoryCap,
		EventRetention:     g.EventRetention,
		SuspicionThreshold: g.SuspicionThreshold,
		LockoutDuration:    g.LockoutDuration,
		Decay:              g.Decay,
		FingerprintPenalty: g.FingerprintPenalty,
		DetectorPenalty:    g.DetectorPenalty,
		MaxDaily:           cfg.Quota.MaxDaily,
		Location:           cfg.Quota.Location(),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.PromptHistoryCap <= 0 {
		c.PromptHistoryCap = def.PromptHistoryCap
	}
	if c.EventRetention <= 0 {
		c.EventRetention = def.EventRetention
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = def.SuspicionThreshold
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = def.LockoutDuration
	}
	if c.Decay < 0 {
		c.Decay = 0
	}
	if c.FingerprintPenalty < 0 {
		c.FingerprintPenalty = 0
	}
	if c.DetectorPenalty < 0 {
		c.DetectorPenalty = 0
	}
	if c.MaxDaily <= 0 {
		c.MaxDaily = def.MaxDaily
	}
	if c.Location == nil {
		c.Location = def.Location
	}
}
