package guard

import (
	"fmt"
	"math"
	"time"

	"github.com/router-for-me/GuestGuard/internal/models"
)

// scoreEpsilon absorbs float drift when summing fixed increments.
const scoreEpsilon = 1e-9

// State is the trust state of a device.
type State int

const (
	// StateClear has no score and no lockout.
	StateClear State = iota
	// StateElevated has a positive score below the threshold.
	StateElevated
	// StateLocked has a lockout in the future.
	StateLocked
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateElevated:
		return "elevated"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateOf reports the state of rec at now without mutating it.
func StateOf(rec *models.DeviceRecord, now time.Time) State {
	switch {
	case rec == nil:
		return StateClear
	case rec.IsLocked(now):
		return StateLocked
	case !rec.LockoutUntil.IsZero():
		// expired lockout resets to clear on the next touch
		return StateClear
	case rec.SuspicionScore > scoreEpsilon:
		return StateElevated
	default:
		return StateClear
	}
}

// RemainingWait returns how long rec stays locked after now; zero when unlocked.
func RemainingWait(rec *models.DeviceRecord, now time.Time) time.Duration {
	if !rec.IsLocked(now) {
		return 0
	}
	return rec.LockoutUntil.Sub(now)
}

// Scorer applies score increments, decay and lockout transitions.
type Scorer struct {
	Threshold       float64
	LockoutDuration time.Duration
	Decay           float64
}

// Expire clears a lockout that ended at or before now and resets the score.
// It reports whether rec changed.
func (s Scorer) Expire(rec *models.DeviceRecord, now time.Time) bool {
	if rec == nil || rec.LockoutUntil.IsZero() || now.Before(rec.LockoutUntil) {
		return false
	}
	rec.LockoutUntil = time.Time{}
	rec.SuspicionScore = 0
	return true
}

// Penalize raises the score by amount and locks rec once the threshold is
// reached. It reports whether rec is now locked.
func (s Scorer) Penalize(rec *models.DeviceRecord, amount float64, now time.Time) bool {
	if rec == nil {
		return false
	}
	if amount > 0 && !math.IsNaN(amount) {
		rec.SuspicionScore += amount
	}
	if rec.SuspicionScore < 0 {
		rec.SuspicionScore = 0
	}
	if rec.IsLocked(now) {
		return true
	}
	if rec.SuspicionScore+scoreEpsilon >= s.Threshold {
		s.Lock(rec, now)
		return true
	}
	return false
}

// Lock starts a lockout of LockoutDuration from now.
func (s Scorer) Lock(rec *models.DeviceRecord, now time.Time) {
	rec.LockoutUntil = now.Add(s.LockoutDuration)
}

// Reward decays the score after an accepted event.
func (s Scorer) Reward(rec *models.DeviceRecord) {
	if rec == nil {
		return
	}
	rec.SuspicionScore -= s.Decay
	if rec.SuspicionScore < scoreEpsilon {
		rec.SuspicionScore = 0
	}
}
