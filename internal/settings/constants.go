package settings

import "time"

// Admission defaults used when config omits or invalidates a value.
const (
	// DefaultMinInterval is the minimum gap between accepted events.
	DefaultMinInterval = 5 * time.Second
	// DefaultWindow is the sliding window for frequency checks.
	DefaultWindow = 60 * time.Second
	// DefaultMaxPerWindow caps accepted events inside DefaultWindow.
	DefaultMaxPerWindow = 5
	// DefaultMaxDuplicates caps stored copies of one normalized prompt.
	DefaultMaxDuplicates = 3
	// DefaultPromptHistoryCap bounds the stored prompt history.
	DefaultPromptHistoryCap = 50
	// DefaultEventRetention bounds how long event timestamps are kept.
	DefaultEventRetention = 24 * time.Hour
)

// Scoring defaults.
const (
	// DefaultSuspicionThreshold locks a device once reached.
	DefaultSuspicionThreshold = 0.8
	// DefaultLockoutDuration is how long a locked device stays locked.
	DefaultLockoutDuration = 30 * time.Minute
	// DefaultDecay is subtracted from the score on every accepted event.
	DefaultDecay = 0.05
	// DefaultFingerprintPenalty applies when the device fingerprint changes.
	DefaultFingerprintPenalty = 0.3
	// DefaultFrequencyPenalty applies on a window frequency breach.
	DefaultFrequencyPenalty = 0.2
	// DefaultDuplicatePenalty applies on a duplicate prompt breach.
	DefaultDuplicatePenalty = 0.1
	// DefaultDetectorPenalty applies per flagged pattern detector.
	DefaultDetectorPenalty = 0.2
)

// Detector defaults.
const (
	// DefaultBurstWindow is the lookback for the burst detector.
	DefaultBurstWindow = 5 * time.Minute
	// DefaultBurstMaxEvents flags a device with more events in DefaultBurstWindow.
	DefaultBurstMaxEvents = 8
	// DefaultShortPromptLength marks prompts shorter than this as low effort.
	DefaultShortPromptLength = 3
	// DefaultShortPromptRatio flags a device above this share of short prompts.
	DefaultShortPromptRatio = 0.6
	// DefaultDuplicateRatio flags a device above this share of repeated prompts.
	DefaultDuplicateRatio = 0.8
	// DefaultSequentialRatio flags a device above this share of test-like prompts.
	DefaultSequentialRatio = 0.5
	// DefaultMinSample is the prompt count ratio detectors need before flagging.
	DefaultMinSample = 5
	// DefaultRegularMinEvents is the event count the interval detector needs.
	DefaultRegularMinEvents = 5
	// DefaultRegularMaxStdDev is the spread below which spacing looks scripted.
	DefaultRegularMaxStdDev = time.Second
	// DefaultRegularMeanLow is the lower bound of the scripted mean band.
	DefaultRegularMeanLow = 5 * time.Second
	// DefaultRegularMeanHigh is the upper bound of the scripted mean band.
	DefaultRegularMeanHigh = 10 * time.Second
)

// Quota, storage and server defaults.
const (
	// DefaultMaxDaily is the daily guest generation allowance.
	DefaultMaxDaily = 3
	// DefaultRedisPrefix is the fallback Redis key prefix.
	DefaultRedisPrefix = "guestguard:dev"
	// DefaultPort is the HTTP listen port.
	DefaultPort = 8320
	// DefaultLogLevel is the logrus level name.
	DefaultLogLevel = "info"
)
