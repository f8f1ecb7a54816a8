package store

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/router-for-me/GuestGuard/internal/models"
	"github.com/zeebo/xxh3"
)

// envelopePrefix marks the current record encoding:
// dr2:<payload length>:<xxh3 hex>:<base64url payload>
const envelopePrefix = "dr2"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	errEnvelope     = errors.New("record codec: malformed envelope")
	errLegacy       = errors.New("record codec: not a legacy record")
	errInvalidState = errors.New("record codec: invalid suspicion state")
)

// wireRecord mirrors models.DeviceRecord with the trust fields left raw so a
// damaged score or lockout can be told apart from an unreadable blob.
type wireRecord struct {
	DeviceID        string              `json:"device_id"`
	Fingerprint     string              `json:"fingerprint"`
	PromptHistory   []string            `json:"prompt_history"`
	EventTimestamps []time.Time         `json:"event_timestamps"`
	LastEventTime   time.Time           `json:"last_event_time"`
	SuspicionScore  jsoniter.RawMessage `json:"suspicion_score"`
	LockoutUntil    jsoniter.RawMessage `json:"lockout_until"`
	Quota           models.QuotaState   `json:"quota"`
}

// legacyRecord is the plain JSON layout written before the envelope existed.
type legacyRecord struct {
	Fingerprint     string              `json:"fingerprint"`
	PromptHistory   []string            `json:"promptHistory"`
	Timestamps      []int64             `json:"timestamps"`
	LastRequestTime int64               `json:"lastRequestTime"`
	SuspicionScore  jsoniter.RawMessage `json:"suspicionScore"`
	LockoutUntil    jsoniter.RawMessage `json:"lockoutUntil"`
	DailyCount      int                 `json:"dailyCount"`
	LastResetDate   string              `json:"lastResetDate"`
}

// Encode serializes rec into the current envelope.
func Encode(rec *models.DeviceRecord) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("record codec: nil record")
	}
	if math.IsNaN(rec.SuspicionScore) || math.IsInf(rec.SuspicionScore, 0) {
		return nil, errInvalidState
	}
	out := rec.Clone()
	if out.SuspicionScore < 0 {
		out.SuspicionScore = 0
	}
	for i, p := range out.PromptHistory {
		out.PromptHistory[i] = models.NormalizePrompt(p)
	}

	payload, errMarshal := json.Marshal(out)
	if errMarshal != nil {
		return nil, fmt.Errorf("record codec: marshal: %w", errMarshal)
	}

	var buf bytes.Buffer
	buf.WriteString(envelopePrefix)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatUint(xxh3.Hash(payload), 16))
	buf.WriteByte(':')
	buf.WriteString(base64.RawURLEncoding.EncodeToString(payload))
	return buf.Bytes(), nil
}

// Decode parses blob as the current envelope, then as a legacy record.
// The returned status is StatusFound, StatusInvalidState or StatusCorrupted.
func Decode(deviceID string, blob []byte) (*models.DeviceRecord, Status, error) {
	current, errCurrent := decodeEnvelope(blob)
	if errCurrent == nil || errors.Is(errCurrent, errInvalidState) {
		return finishDecode(deviceID, current)
	}
	legacy, errOld := decodeLegacy(blob)
	if errOld == nil || errors.Is(errOld, errInvalidState) {
		return finishDecode(deviceID, legacy)
	}
	return nil, StatusCorrupted, fmt.Errorf("%w; %v", errCurrent, errOld)
}

func finishDecode(deviceID string, d decoded) (*models.DeviceRecord, Status, error) {
	rec := d.rec
	if strings.TrimSpace(rec.DeviceID) == "" {
		rec.DeviceID = deviceID
	}
	if d.invalid {
		return rec, StatusInvalidState, errInvalidState
	}
	return rec, StatusFound, nil
}

type decoded struct {
	rec     *models.DeviceRecord
	invalid bool
}

func decodeEnvelope(blob []byte) (decoded, error) {
	parts := strings.SplitN(strings.TrimSpace(string(blob)), ":", 4)
	if len(parts) != 4 || parts[0] != envelopePrefix {
		return decoded{}, errEnvelope
	}
	size, errSize := strconv.Atoi(parts[1])
	if errSize != nil || size < 0 {
		return decoded{}, errEnvelope
	}
	sum, errSum := strconv.ParseUint(parts[2], 16, 64)
	if errSum != nil {
		return decoded{}, errEnvelope
	}
	payload, errB64 := base64.RawURLEncoding.DecodeString(parts[3])
	if errB64 != nil {
		return decoded{}, fmt.Errorf("%w: %v", errEnvelope, errB64)
	}
	if len(payload) != size {
		return decoded{}, fmt.Errorf("%w: length %d, want %d", errEnvelope, len(payload), size)
	}
	if xxh3.Hash(payload) != sum {
		return decoded{}, fmt.Errorf("%w: checksum mismatch", errEnvelope)
	}

	var wire wireRecord
	if errUnmarshal := json.Unmarshal(payload, &wire); errUnmarshal != nil {
		return decoded{}, fmt.Errorf("%w: %v", errEnvelope, errUnmarshal)
	}
	rec := &models.DeviceRecord{
		DeviceID:        wire.DeviceID,
		Fingerprint:     wire.Fingerprint,
		PromptHistory:   wire.PromptHistory,
		EventTimestamps: wire.EventTimestamps,
		LastEventTime:   wire.LastEventTime,
		Quota:           wire.Quota,
	}
	out := decoded{rec: rec}

	score, okScore := parseScore(wire.SuspicionScore)
	lockout, okLockout := parseLockout(wire.LockoutUntil)
	rec.SuspicionScore = score
	rec.LockoutUntil = lockout
	if !okScore || !okLockout {
		out.invalid = true
		return out, errInvalidState
	}
	return out, nil
}

func decodeLegacy(blob []byte) (decoded, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return decoded{}, errLegacy
	}
	var legacy legacyRecord
	if errUnmarshal := json.Unmarshal(trimmed, &legacy); errUnmarshal != nil {
		return decoded{}, fmt.Errorf("%w: %v", errLegacy, errUnmarshal)
	}

	rec := &models.DeviceRecord{
		Fingerprint:   legacy.Fingerprint,
		PromptHistory: make([]string, 0, len(legacy.PromptHistory)),
		Quota: models.QuotaState{
			DailyCount:    legacy.DailyCount,
			LastResetDate: legacy.LastResetDate,
		},
	}
	for _, p := range legacy.PromptHistory {
		rec.PromptHistory = append(rec.PromptHistory, models.NormalizePrompt(p))
	}
	for _, ms := range legacy.Timestamps {
		if ms > 0 {
			rec.EventTimestamps = append(rec.EventTimestamps, time.UnixMilli(ms).UTC())
		}
	}
	if legacy.LastRequestTime > 0 {
		rec.LastEventTime = time.UnixMilli(legacy.LastRequestTime).UTC()
	}
	out := decoded{rec: rec}

	score, okScore := parseScore(legacy.SuspicionScore)
	lockout, okLockout := parseLegacyLockout(legacy.LockoutUntil)
	rec.SuspicionScore = score
	rec.LockoutUntil = lockout
	if !okScore || !okLockout {
		out.invalid = true
		return out, errInvalidState
	}
	return out, nil
}

// parseScore accepts a finite number; negatives clamp to zero, absence is zero.
func parseScore(raw jsoniter.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	var score float64
	if errUnmarshal := json.Unmarshal(raw, &score); errUnmarshal != nil {
		return 0, false
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}
	if score < 0 {
		score = 0
	}
	return score, true
}

// parseLockout accepts an RFC 3339 instant; absence is no lockout.
func parseLockout(raw jsoniter.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, true
	}
	var ts time.Time
	if errUnmarshal := json.Unmarshal(raw, &ts); errUnmarshal != nil {
		return time.Time{}, false
	}
	return ts, true
}

// parseLegacyLockout accepts epoch milliseconds; absence or zero is no lockout.
func parseLegacyLockout(raw jsoniter.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, true
	}
	var ms float64
	if errUnmarshal := json.Unmarshal(raw, &ms); errUnmarshal != nil {
		return time.Time{}, false
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	if ms <= 0 {
		return time.Time{}, true
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}
