// Package guard decides whether a guest device may start a generation.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/GuestGuard/internal/detect"
	"github.com/router-for-me/GuestGuard/internal/fingerprint"
	"github.com/router-for-me/GuestGuard/internal/metrics"
	"github.com/router-for-me/GuestGuard/internal/models"
	"github.com/router-for-me/GuestGuard/internal/ratelimit"
	"github.com/router-for-me/GuestGuard/internal/store"
	log "github.com/sirupsen/logrus"
)

// Denial reasons owned by the engine. Limiter reasons pass through unchanged.
const (
	ReasonMissingDevice    = "missing device id"
	ReasonLocked           = "temporarily locked"
	ReasonStateUnavailable = "device state unavailable"
)

// ErrMissingDeviceID is returned by mutating calls given an empty device id.
var ErrMissingDeviceID = errors.New("guard: missing device id")

// Verdict is the outcome of an admission check.
type Verdict struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

// WaitMs returns Wait in whole milliseconds, rounded up.
func (v Verdict) WaitMs() int64 {
	if v.Wait <= 0 {
		return 0
	}
	return int64((v.Wait + time.Millisecond - 1) / time.Millisecond)
}

// Stats summarizes a device for support tooling.
type Stats struct {
	TotalEvents   int
	EventsToday   int
	UniquePrompts int
	IsSuspicious  bool
	Score         float64
	State         State
	LockedUntil   time.Time
}

// Fingerprinter yields the current environment fingerprint.
type Fingerprinter interface {
	Generate() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFingerprinter sets the fallback fingerprint source used when the
// request context carries none.
func WithFingerprinter(fp Fingerprinter) Option {
	return func(e *Engine) { e.fingerprinter = fp }
}

// WithMetrics attaches decision counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the admission controller. It owns the record store and
// serializes all work per device.
type Engine struct {
	cfg           Config
	store         *store.RecordStore
	limiter       *ratelimit.Limiter
	detectors     *detect.Suite
	scorer        Scorer
	locks         *deviceLocks
	now           func() time.Time
	fingerprinter Fingerprinter
	metrics       *metrics.Metrics
}

// NewEngine constructs an Engine over records. Start cfg from DefaultConfig.
func NewEngine(records *store.RecordStore, cfg Config, opts ...Option) *Engine {
	cfg.normalize()
	if records == nil {
		records = store.NewRecordStore(nil)
	}
	limiter := ratelimit.New(cfg.Limits)
	cfg.Limits = limiter.Config()
	e := &Engine{
		cfg:       cfg,
		store:     records,
		limiter:   limiter,
		detectors: detect.NewSuite(cfg.Detectors),
		scorer: Scorer{
			Threshold:       cfg.SuspicionThreshold,
			LockoutDuration: cfg.LockoutDuration,
			Decay:           cfg.Decay,
		},
		locks: newDeviceLocks(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate decides whether deviceID may submit prompt now. It never appends
// history; score increments and lockout transitions are persisted.
func (e *Engine) Evaluate(ctx context.Context, deviceID, prompt string) Verdict {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return e.observe(Verdict{Reason: ReasonMissingDevice})
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	now := e.now()
	loaded := e.load(ctx, deviceID)
	verdict, dirty := e.evaluateLocked(ctx, loaded, prompt, now)
	if dirty {
		e.save(ctx, loaded, now)
	}
	return e.observe(verdict)
}

// RecordEvent appends an accepted event and decays the score. Call it only
// once the generation has actually been dispatched.
func (e *Engine) RecordEvent(ctx context.Context, deviceID, prompt string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	now := e.now()
	loaded := e.load(ctx, deviceID)
	if loaded.status == store.StatusInvalidState {
		e.failClosed(loaded.rec, now)
	} else {
		e.scorer.Expire(loaded.rec, now)
		e.recordLocked(loaded.rec, prompt, now)
	}
	e.save(ctx, loaded, now)
	return nil
}

// GetStats reports diagnostics for deviceID without touching stored state.
func (e *Engine) GetStats(ctx context.Context, deviceID string) Stats {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Stats{}
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	now := e.now()
	loaded := e.load(ctx, deviceID)
	rec := loaded.rec
	e.scorer.Expire(rec, now)

	unique := make(map[string]struct{}, len(rec.PromptHistory))
	for _, p := range rec.PromptHistory {
		unique[p] = struct{}{}
	}
	state := StateOf(rec, now)
	stats := Stats{
		TotalEvents:   len(rec.EventTimestamps),
		EventsToday:   rec.EventsSince(startOfDay(now, e.cfg.Location)),
		UniquePrompts: len(unique),
		Score:         rec.SuspicionScore,
		State:         state,
		IsSuspicious:  state == StateLocked || rec.SuspicionScore+scoreEpsilon >= e.cfg.SuspicionThreshold/2,
	}
	if state == StateLocked {
		stats.LockedUntil = rec.LockoutUntil
	}
	if loaded.status == store.StatusInvalidState {
		stats.IsSuspicious = true
	}
	return stats
}

// RemainingWait returns the lockout countdown for deviceID at now. A device
// whose trust state cannot be read reports a full lockout, matching the
// denial Evaluate would give it.
func (e *Engine) RemainingWait(ctx context.Context, deviceID string, now time.Time) time.Duration {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	loaded := e.load(ctx, deviceID)
	if loaded.status == store.StatusInvalidState {
		return e.cfg.LockoutDuration
	}
	return RemainingWait(loaded.rec, now)
}

// Clear forgets deviceID.
func (e *Engine) Clear(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()
	return e.store.Clear(ctx, deviceID)
}

// ClearAll forgets every device.
func (e *Engine) ClearAll(ctx context.Context) error {
	return e.store.ClearAll(ctx)
}

type loadedRecord struct {
	rec    *models.DeviceRecord
	status store.Status
}

// load always yields a usable record; missing or unreadable history starts empty.
func (e *Engine) load(ctx context.Context, deviceID string) loadedRecord {
	res := e.store.Load(ctx, deviceID)
	rec := res.Record
	if rec == nil || (res.Status != store.StatusFound && res.Status != store.StatusInvalidState) {
		rec = models.NewDeviceRecord(deviceID)
	}
	rec.DeviceID = deviceID
	return loadedRecord{rec: rec, status: res.Status}
}

// save persists the record. A record standing in for one the backend failed
// to return is never written, so the stored state survives the outage.
func (e *Engine) save(ctx context.Context, loaded loadedRecord, now time.Time) {
	rec := loaded.rec
	if loaded.status == store.StatusUnavailable {
		log.WithField("device_id", rec.DeviceID).Debug("guard: skipping save after failed load")
		return
	}
	rec.Prune(now, e.cfg.EventRetention, e.cfg.PromptHistoryCap)
	if errSave := e.store.Save(ctx, rec); errSave != nil {
		log.WithError(errSave).WithField("device_id", rec.DeviceID).Warn("guard: failed to persist device record")
	}
}

// evaluateLocked runs the admission checks in order. The caller holds the
// device lock; dirty reports whether rec must be saved.
func (e *Engine) evaluateLocked(ctx context.Context, loaded loadedRecord, prompt string, now time.Time) (Verdict, bool) {
	rec := loaded.rec
	if loaded.status == store.StatusInvalidState {
		e.failClosed(rec, now)
		return Verdict{Reason: ReasonStateUnavailable, Wait: RemainingWait(rec, now)}, true
	}
	dirty := loaded.status != store.StatusFound
	if e.scorer.Expire(rec, now) {
		dirty = true
	}

	if rec.IsLocked(now) {
		return e.lockedVerdict(rec, now), dirty
	}

	if fp := e.fingerprint(ctx); fp != "" && fp != fingerprint.Unknown && fp != rec.Fingerprint {
		mismatch := rec.Fingerprint != ""
		rec.Fingerprint = fp
		dirty = true
		if mismatch && e.penalize(rec, e.cfg.FingerprintPenalty, now) {
			return e.lockedVerdict(rec, now), dirty
		}
	}

	if res := e.limiter.CheckInterval(rec, now); !res.Allowed {
		return Verdict{Reason: res.Reason, Wait: res.Wait}, dirty
	}
	for _, res := range []ratelimit.Result{
		e.limiter.CheckWindowFrequency(rec, now),
		e.limiter.CheckDuplicate(rec, prompt),
	} {
		if res.Allowed {
			continue
		}
		if res.Penalty > 0 {
			dirty = true
			if e.penalize(rec, res.Penalty, now) {
				return e.lockedVerdict(rec, now), dirty
			}
		}
		return Verdict{Reason: res.Reason, Wait: res.Wait}, dirty
	}

	// Detectors see the history as it would stand with this event accepted.
	candidate := rec.Clone()
	candidate.PromptHistory = append(candidate.PromptHistory, models.NormalizePrompt(prompt))
	candidate.EventTimestamps = append(candidate.EventTimestamps, now)
	flagged := detect.Flagged(e.detectors.Evaluate(candidate, now))
	if len(flagged) > 0 {
		dirty = true
		names := make([]string, 0, len(flagged))
		for _, sig := range flagged {
			names = append(names, sig.Name)
		}
		log.WithFields(log.Fields{
			"device_id": rec.DeviceID,
			"signals":   strings.Join(names, ","),
		}).Debug("guard: detectors flagged device")
		if e.penalize(rec, e.cfg.DetectorPenalty*float64(len(flagged)), now) {
			return e.lockedVerdict(rec, now), dirty
		}
	}
	return Verdict{Allowed: true}, dirty
}

func (e *Engine) recordLocked(rec *models.DeviceRecord, prompt string, now time.Time) {
	rec.PromptHistory = append(rec.PromptHistory, models.NormalizePrompt(prompt))
	rec.EventTimestamps = append(rec.EventTimestamps, now)
	rec.LastEventTime = now
	e.scorer.Reward(rec)
}

// failClosed re-locks a device whose trust state could not be read.
func (e *Engine) failClosed(rec *models.DeviceRecord, now time.Time) {
	rec.SuspicionScore = 0
	e.scorer.Lock(rec, now)
	e.metrics.ObserveLockout()
	log.WithField("device_id", rec.DeviceID).Warn("guard: unreadable suspicion state, device locked")
}

func (e *Engine) penalize(rec *models.DeviceRecord, amount float64, now time.Time) bool {
	if !e.scorer.Penalize(rec, amount, now) {
		return false
	}
	e.metrics.ObserveLockout()
	log.WithFields(log.Fields{
		"device_id": rec.DeviceID,
		"score":     rec.SuspicionScore,
		"until":     rec.LockoutUntil,
	}).Info("guard: device locked")
	return true
}

func (e *Engine) lockedVerdict(rec *models.DeviceRecord, now time.Time) Verdict {
	return Verdict{Reason: ReasonLocked, Wait: RemainingWait(rec, now)}
}

func (e *Engine) fingerprint(ctx context.Context) string {
	if fp, ok := fingerprint.FromContext(ctx); ok {
		return fp
	}
	if e.fingerprinter == nil {
		return ""
	}
	return e.fingerprinter.Generate()
}

func (e *Engine) observe(v Verdict) Verdict {
	e.metrics.ObserveDecision(v.Allowed, v.Reason)
	return v
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
