package guard

import (
	"context"
	"strings"
	"time"

	"github.com/router-for-me/GuestGuard/internal/models"
)

// ReasonDailyLimit is returned once the daily allowance is used up.
const ReasonDailyLimit = "daily limit reached"

const dateLayout = "2006-01-02"

// QuotaState is the daily allowance phase of a device.
type QuotaState int

const (
	// QuotaFresh has no generation recorded for today.
	QuotaFresh QuotaState = iota
	// QuotaCounting has used part of today's allowance.
	QuotaCounting
	// QuotaExhausted has used the whole allowance.
	QuotaExhausted
)

// String returns the phase name used in API responses.
func (s QuotaState) String() string {
	switch s {
	case QuotaFresh:
		return "fresh"
	case QuotaCounting:
		return "counting"
	case QuotaExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// QuotaVerdict is the outcome of CheckAndConsume.
type QuotaVerdict struct {
	Allowed   bool
	Remaining int
	Reason    string
	Wait      time.Duration
}

// WaitMs returns Wait in whole milliseconds, rounded up.
func (v QuotaVerdict) WaitMs() int64 {
	return Verdict{Wait: v.Wait}.WaitMs()
}

// QuotaManager layers a daily allowance over the admission engine.
type QuotaManager struct {
	engine *Engine
}

// NewQuotaManager constructs a QuotaManager over engine.
func NewQuotaManager(engine *Engine) *QuotaManager {
	return &QuotaManager{engine: engine}
}

// CheckAndConsume admits prompt for deviceID and, when allowed, consumes one
// unit of today's allowance and records the event.
func (q *QuotaManager) CheckAndConsume(ctx context.Context, deviceID, prompt string) QuotaVerdict {
	e := q.engine
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		e.observe(Verdict{Reason: ReasonMissingDevice})
		return QuotaVerdict{Reason: ReasonMissingDevice}
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	now := e.now()
	loaded := e.load(ctx, deviceID)
	rec := loaded.rec
	rolled := q.rollover(rec, now)

	if rec.Quota.DailyCount >= e.cfg.MaxDaily {
		if rolled {
			e.save(ctx, loaded, now)
		}
		e.observe(Verdict{Reason: ReasonDailyLimit})
		return QuotaVerdict{
			Reason: ReasonDailyLimit,
			Wait:   startOfDay(now, e.cfg.Location).AddDate(0, 0, 1).Sub(now),
		}
	}

	verdict, dirty := e.evaluateLocked(ctx, loaded, prompt, now)
	e.observe(verdict)
	if !verdict.Allowed {
		if dirty || rolled {
			e.save(ctx, loaded, now)
		}
		return QuotaVerdict{
			Remaining: e.cfg.MaxDaily - rec.Quota.DailyCount,
			Reason:    verdict.Reason,
			Wait:      verdict.Wait,
		}
	}

	rec.Quota.DailyCount++
	e.recordLocked(rec, prompt, now)
	e.save(ctx, loaded, now)
	return QuotaVerdict{Allowed: true, Remaining: e.cfg.MaxDaily - rec.Quota.DailyCount}
}

// Remaining reports today's unused allowance without consuming it.
func (q *QuotaManager) Remaining(ctx context.Context, deviceID string) int {
	remaining, _ := q.Status(ctx, deviceID)
	return remaining
}

// State reports the allowance phase of deviceID.
func (q *QuotaManager) State(ctx context.Context, deviceID string) QuotaState {
	_, state := q.Status(ctx, deviceID)
	return state
}

// Status reports today's unused allowance and phase from a single read.
// A missing device id reports an exhausted allowance.
func (q *QuotaManager) Status(ctx context.Context, deviceID string) (int, QuotaState) {
	e := q.engine
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0, QuotaExhausted
	}
	unlock := e.locks.lock(deviceID)
	defer unlock()

	rec := e.load(ctx, deviceID).rec
	q.rollover(rec, e.now())
	remaining := e.cfg.MaxDaily - rec.Quota.DailyCount
	switch {
	case remaining <= 0:
		return 0, QuotaExhausted
	case remaining >= e.cfg.MaxDaily:
		return remaining, QuotaFresh
	default:
		return remaining, QuotaCounting
	}
}

// rollover resets the counter when the stored date is not today.
func (q *QuotaManager) rollover(rec *models.DeviceRecord, now time.Time) bool {
	today := now.In(q.engine.cfg.Location).Format(dateLayout)
	if rec.Quota.LastResetDate == today {
		return false
	}
	rec.Quota.DailyCount = 0
	rec.Quota.LastResetDate = today
	return true
}
