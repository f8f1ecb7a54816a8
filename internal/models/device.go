package models

import (
	"strings"
	"time"
	"unicode"
)

// DeviceRecord is the persisted behavioral history and trust state of one device.
type DeviceRecord struct {
	DeviceID        string      `json:"device_id"`                  // Caller-supplied device identifier.
	Fingerprint     string      `json:"fingerprint,omitempty"`      // Last seen environment fingerprint.
	PromptHistory   []string    `json:"prompt_history,omitempty"`   // Normalized prompts, oldest first.
	EventTimestamps []time.Time `json:"event_timestamps,omitempty"` // Accepted event instants, oldest first.
	LastEventTime   time.Time   `json:"last_event_time"`            // Most recent accepted event.
	SuspicionScore  float64     `json:"suspicion_score"`            // Accumulated abuse signal, never negative.
	LockoutUntil    time.Time   `json:"lockout_until"`              // Zero when not locked.
	Quota           QuotaState  `json:"quota"`                      // Daily allowance counters.
}

// QuotaState tracks the daily allowance of a device.
type QuotaState struct {
	DailyCount    int    `json:"daily_count"`     // Generations consumed on LastResetDate.
	LastResetDate string `json:"last_reset_date"` // Calendar date (YYYY-MM-DD) of the counter.
}

// NewDeviceRecord returns an empty record for deviceID.
func NewDeviceRecord(deviceID string) *DeviceRecord {
	return &DeviceRecord{DeviceID: deviceID}
}

// Clone returns a deep copy of the record.
func (r *DeviceRecord) Clone() *DeviceRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.PromptHistory = append([]string(nil), r.PromptHistory...)
	out.EventTimestamps = append([]time.Time(nil), r.EventTimestamps...)
	return &out
}

// IsLocked reports whether the lockout is still in force at now.
func (r *DeviceRecord) IsLocked(now time.Time) bool {
	return r != nil && !r.LockoutUntil.IsZero() && now.Before(r.LockoutUntil)
}

// EventsSince counts accepted events at or after since.
func (r *DeviceRecord) EventsSince(since time.Time) int {
	if r == nil {
		return 0
	}
	count := 0
	for _, ts := range r.EventTimestamps {
		if !ts.Before(since) {
			count++
		}
	}
	return count
}

// Prune drops timestamps older than retention and evicts the oldest prompts
// beyond historyCap.
func (r *DeviceRecord) Prune(now time.Time, retention time.Duration, historyCap int) {
	if r == nil {
		return
	}
	if retention > 0 && len(r.EventTimestamps) > 0 {
		cutoff := now.Add(-retention)
		kept := r.EventTimestamps[:0]
		for _, ts := range r.EventTimestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		r.EventTimestamps = kept
	}
	if historyCap > 0 && len(r.PromptHistory) > historyCap {
		r.PromptHistory = append([]string(nil), r.PromptHistory[len(r.PromptHistory)-historyCap:]...)
	}
}

// NormalizePrompt trims, case-folds and strips control characters from a prompt.
func NormalizePrompt(prompt string) string {
	prompt = strings.ToValidUTF8(prompt, "")
	prompt = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, prompt)
	return strings.ToLower(strings.TrimSpace(prompt))
}
