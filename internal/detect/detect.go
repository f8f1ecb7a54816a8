// Package detect implements statistical heuristics that flag scripted use.
package detect

import (
	"math"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/router-for-me/GuestGuard/internal/models"
	internalsettings "github.com/router-for-me/GuestGuard/internal/settings"
)

// Detector names.
const (
	NameBurst           = "burst"
	NameLowEffort       = "low_effort"
	NameAutomation      = "automation"
	NameRegularInterval = "regular_interval"
)

// sequentialPattern matches throwaway test prompts such as "test", "Test 12" or "prompt3".
var sequentialPattern = regexp.MustCompile(`(?i)^(?:test(?:ing)?|prompt|sample|demo|hello|hi|asdf|qwerty|abc|xyz|foo|bar|aaa)[\s_#-]*\d*$`)

// Config holds detector thresholds.
type Config struct {
	BurstWindow       time.Duration
	BurstMaxEvents    int
	ShortPromptLength int
	ShortPromptRatio  float64
	DuplicateRatio    float64
	SequentialRatio   float64
	MinSample         int
	RegularMinEvents  int
	RegularMaxStdDev  time.Duration
	RegularMeanLow    time.Duration
	RegularMeanHigh   time.Duration
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		BurstWindow:       internalsettings.DefaultBurstWindow,
		BurstMaxEvents:    internalsettings.DefaultBurstMaxEvents,
		ShortPromptLength: internalsettings.DefaultShortPromptLength,
		ShortPromptRatio:  internalsettings.DefaultShortPromptRatio,
		DuplicateRatio:    internalsettings.DefaultDuplicateRatio,
		SequentialRatio:   internalsettings.DefaultSequentialRatio,
		MinSample:         internalsettings.DefaultMinSample,
		RegularMinEvents:  internalsettings.DefaultRegularMinEvents,
		RegularMaxStdDev:  internalsettings.DefaultRegularMaxStdDev,
		RegularMeanLow:    internalsettings.DefaultRegularMeanLow,
		RegularMeanHigh:   internalsettings.DefaultRegularMeanHigh,
	}
}

// Signal is the verdict of one detector.
type Signal struct {
	Name    string
	Flagged bool
}

// Suite runs every detector over a record.
type Suite struct {
	cfg Config
}

// NewSuite constructs a Suite. Zero thresholds take their defaults.
func NewSuite(cfg Config) *Suite {
	def := DefaultConfig()
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.BurstMaxEvents <= 0 {
		cfg.BurstMaxEvents = def.BurstMaxEvents
	}
	if cfg.ShortPromptLength <= 0 {
		cfg.ShortPromptLength = def.ShortPromptLength
	}
	if cfg.ShortPromptRatio <= 0 {
		cfg.ShortPromptRatio = def.ShortPromptRatio
	}
	if cfg.DuplicateRatio <= 0 {
		cfg.DuplicateRatio = def.DuplicateRatio
	}
	if cfg.SequentialRatio <= 0 {
		cfg.SequentialRatio = def.SequentialRatio
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = def.MinSample
	}
	if cfg.RegularMinEvents < 2 {
		cfg.RegularMinEvents = def.RegularMinEvents
	}
	if cfg.RegularMaxStdDev <= 0 {
		cfg.RegularMaxStdDev = def.RegularMaxStdDev
	}
	if cfg.RegularMeanLow <= 0 || cfg.RegularMeanHigh <= 0 || cfg.RegularMeanLow > cfg.RegularMeanHigh {
		cfg.RegularMeanLow = def.RegularMeanLow
		cfg.RegularMeanHigh = def.RegularMeanHigh
	}
	return &Suite{cfg: cfg}
}

// Evaluate runs all detectors and returns their signals in a fixed order.
func (s *Suite) Evaluate(rec *models.DeviceRecord, now time.Time) []Signal {
	return []Signal{
		s.Burst(rec, now),
		s.LowEffort(rec),
		s.Automation(rec),
		s.RegularInterval(rec),
	}
}

// Flagged returns the flagged subset of signals.
func Flagged(signals []Signal) []Signal {
	var out []Signal
	for _, sig := range signals {
		if sig.Flagged {
			out = append(out, sig)
		}
	}
	return out
}

// Burst flags more than BurstMaxEvents events inside the trailing BurstWindow.
func (s *Suite) Burst(rec *models.DeviceRecord, now time.Time) Signal {
	sig := Signal{Name: NameBurst}
	if rec == nil {
		return sig
	}
	sig.Flagged = rec.EventsSince(now.Add(-s.cfg.BurstWindow)) > s.cfg.BurstMaxEvents
	return sig
}

// LowEffort flags a history dominated by very short prompts.
func (s *Suite) LowEffort(rec *models.DeviceRecord) Signal {
	sig := Signal{Name: NameLowEffort}
	if rec == nil || len(rec.PromptHistory) < s.cfg.MinSample {
		return sig
	}
	short := 0
	for _, p := range rec.PromptHistory {
		if utf8.RuneCountInString(p) < s.cfg.ShortPromptLength {
			short++
		}
	}
	sig.Flagged = ratio(short, len(rec.PromptHistory)) > s.cfg.ShortPromptRatio
	return sig
}

// Automation flags a history that is mostly repeats or mostly test-like prompts.
func (s *Suite) Automation(rec *models.DeviceRecord) Signal {
	sig := Signal{Name: NameAutomation}
	if rec == nil || len(rec.PromptHistory) < s.cfg.MinSample {
		return sig
	}
	total := len(rec.PromptHistory)
	seen := make(map[string]struct{}, total)
	duplicates := 0
	sequential := 0
	for _, p := range rec.PromptHistory {
		if _, ok := seen[p]; ok {
			duplicates++
		} else {
			seen[p] = struct{}{}
		}
		if sequentialPattern.MatchString(p) {
			sequential++
		}
	}
	sig.Flagged = ratio(duplicates, total) > s.cfg.DuplicateRatio ||
		ratio(sequential, total) > s.cfg.SequentialRatio
	return sig
}

// RegularInterval flags clock-like spacing between events: a tight spread
// of deltas whose mean sits inside the scripted band.
func (s *Suite) RegularInterval(rec *models.DeviceRecord) Signal {
	sig := Signal{Name: NameRegularInterval}
	if rec == nil || len(rec.EventTimestamps) < s.cfg.RegularMinEvents {
		return sig
	}
	mean, stddev := intervalStats(rec.EventTimestamps)
	sig.Flagged = stddev < s.cfg.RegularMaxStdDev &&
		mean >= s.cfg.RegularMeanLow && mean <= s.cfg.RegularMeanHigh
	return sig
}

// intervalStats returns the mean and population standard deviation of the
// gaps between consecutive timestamps.
func intervalStats(ts []time.Time) (time.Duration, time.Duration) {
	if len(ts) < 2 {
		return 0, 0
	}
	deltas := make([]float64, 0, len(ts)-1)
	sum := 0.0
	for i := 1; i < len(ts); i++ {
		d := float64(ts[i].Sub(ts[i-1]))
		deltas = append(deltas, d)
		sum += d
	}
	mean := sum / float64(len(deltas))
	variance := 0.0
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))
	return time.Duration(mean), time.Duration(math.Sqrt(variance))
}

func ratio(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}
