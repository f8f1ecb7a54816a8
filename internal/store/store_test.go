package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/GuestGuard/internal/models"
	"gorm.io/gorm"
)

func sampleRecord(now time.Time) *models.DeviceRecord {
	return &models.DeviceRecord{
		DeviceID:        "d1",
		Fingerprint:     "abc123",
		PromptHistory:   []string{"cat", "a dog on a skateboard", `quote " and \ slash`},
		EventTimestamps: []time.Time{now.Add(-time.Minute), now},
		LastEventTime:   now,
		SuspicionScore:  0.35,
		LockoutUntil:    now.Add(30 * time.Minute),
		Quota:           models.QuotaState{DailyCount: 2, LastResetDate: "2025-03-01"},
	}
}

func assertEquivalent(t *testing.T, want, got *models.DeviceRecord) {
	t.Helper()
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if got.DeviceID != want.DeviceID || got.Fingerprint != want.Fingerprint {
		t.Fatalf("identity mismatch: want %q/%q, got %q/%q", want.DeviceID, want.Fingerprint, got.DeviceID, got.Fingerprint)
	}
	if got.SuspicionScore != want.SuspicionScore {
		t.Fatalf("expected score %v, got %v", want.SuspicionScore, got.SuspicionScore)
	}
	if !got.LockoutUntil.Equal(want.LockoutUntil) || !got.LastEventTime.Equal(want.LastEventTime) {
		t.Fatalf("time mismatch: want %s/%s, got %s/%s", want.LockoutUntil, want.LastEventTime, got.LockoutUntil, got.LastEventTime)
	}
	if len(got.PromptHistory) != len(want.PromptHistory) {
		t.Fatalf("expected %d prompts, got %d", len(want.PromptHistory), len(got.PromptHistory))
	}
	for i := range want.PromptHistory {
		if got.PromptHistory[i] != want.PromptHistory[i] {
			t.Fatalf("prompt %d: want %q, got %q", i, want.PromptHistory[i], got.PromptHistory[i])
		}
	}
	if len(got.EventTimestamps) != len(want.EventTimestamps) {
		t.Fatalf("expected %d timestamps, got %d", len(want.EventTimestamps), len(got.EventTimestamps))
	}
	for i := range want.EventTimestamps {
		if !got.EventTimestamps[i].Equal(want.EventTimestamps[i]) {
			t.Fatalf("timestamp %d: want %s, got %s", i, want.EventTimestamps[i], got.EventTimestamps[i])
		}
	}
	if got.Quota != want.Quota {
		t.Fatalf("expected quota %+v, got %+v", want.Quota, got.Quota)
	}
}

func TestRecordStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRecordStore(NewMemoryBackend())

	rec := sampleRecord(now)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	res := s.Load(ctx, "d1")
	if res.Status != StatusFound {
		t.Fatalf("expected found, got %s (%v)", res.Status, res.Err)
	}
	assertEquivalent(t, rec, res.Record)
}

func TestRecordStoreNotFoundAndClear(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend()
	s := NewRecordStore(backend)

	if res := s.Load(ctx, "missing"); res.Status != StatusNotFound {
		t.Fatalf("expected not found, got %s", res.Status)
	}
	if res := s.Load(ctx, "  "); res.Status != StatusNotFound {
		t.Fatalf("expected not found for blank id, got %s", res.Status)
	}

	for _, id := range []string{"d1", "d2"} {
		rec := sampleRecord(now)
		rec.DeviceID = id
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := s.Clear(ctx, "d1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res := s.Load(ctx, "d1"); res.Status != StatusNotFound {
		t.Fatalf("expected d1 cleared, got %s", res.Status)
	}
	if res := s.Load(ctx, "d2"); res.Status != StatusFound {
		t.Fatalf("expected d2 kept, got %s", res.Status)
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("expected empty backend, got %d", backend.Len())
	}
}

func TestDecodeCorruptedBlobs(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	blob, err := Encode(sampleRecord(now))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	flipped := []byte(string(blob))
	flipped[len(flipped)-3] ^= 0x01

	cases := map[string][]byte{
		"truncated": blob[:len(blob)/2],
		"flipped":   flipped,
		"garbage":   []byte("\x00\x01not a record"),
		"empty":     nil,
		"bad json":  []byte(`{"promptHistory": [`),
		"bad size":  []byte("dr2:xx:00:AAAA"),
	}
	for name, raw := range cases {
		rec, status, errDecode := Decode("d1", raw)
		if status != StatusCorrupted {
			t.Fatalf("%s: expected corrupted, got %s", name, status)
		}
		if rec != nil || errDecode == nil {
			t.Fatalf("%s: expected nil record and error", name)
		}
	}
}

func TestLoadCorruptedReturnsNoHistory(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	_ = backend.Put(ctx, "d1", []byte("dr2:100:deadbeef:Zm9v"))

	res := NewRecordStore(backend).Load(ctx, "d1")
	if res.Status != StatusCorrupted || res.Record != nil {
		t.Fatalf("expected corrupted without record, got %s", res.Status)
	}
}

func TestDecodeLegacyPlainJSON(t *testing.T) {
	raw := []byte(`{
		"fingerprint": "legacyfp",
		"promptHistory": ["  Cat ", "DOG"],
		"timestamps": [1740830400000, 1740830460000],
		"lastRequestTime": 1740830460000,
		"suspicionScore": 0.4,
		"lockoutUntil": null,
		"unknownField": {"nested": true}
	}`)
	rec, status, err := Decode("d1", raw)
	if status != StatusFound || err != nil {
		t.Fatalf("expected found, got %s (%v)", status, err)
	}
	if rec.DeviceID != "d1" || rec.Fingerprint != "legacyfp" {
		t.Fatalf("unexpected identity %+v", rec)
	}
	if rec.PromptHistory[0] != "cat" || rec.PromptHistory[1] != "dog" {
		t.Fatalf("expected normalized prompts, got %v", rec.PromptHistory)
	}
	if len(rec.EventTimestamps) != 2 || !rec.LastEventTime.Equal(time.UnixMilli(1740830460000)) {
		t.Fatalf("unexpected timestamps %v / %s", rec.EventTimestamps, rec.LastEventTime)
	}
	if rec.SuspicionScore != 0.4 || !rec.LockoutUntil.IsZero() {
		t.Fatalf("unexpected trust state %v / %s", rec.SuspicionScore, rec.LockoutUntil)
	}
}

func TestDecodeInvalidSuspicionState(t *testing.T) {
	legacy := []byte(`{"promptHistory":["cat"],"suspicionScore":"high","lockoutUntil":1740830400000}`)
	rec, status, err := Decode("d1", legacy)
	if status != StatusInvalidState || err == nil {
		t.Fatalf("expected invalid state, got %s (%v)", status, err)
	}
	if rec == nil || len(rec.PromptHistory) != 1 {
		t.Fatalf("expected partial record, got %+v", rec)
	}

	legacyLock := []byte(`{"suspicionScore":0.1,"lockoutUntil":"soon"}`)
	if _, status, _ := Decode("d1", legacyLock); status != StatusInvalidState {
		t.Fatalf("expected invalid state for unreadable lockout, got %s", status)
	}
}

func TestEncodeRejectsNaNScore(t *testing.T) {
	rec := models.NewDeviceRecord("d1")
	rec.SuspicionScore = math.NaN()
	if _, err := Encode(rec); err == nil {
		t.Fatalf("expected NaN score to be rejected")
	}
}

func TestEncodeEscapesPromptContent(t *testing.T) {
	rec := models.NewDeviceRecord("d1")
	rec.PromptHistory = []string{"dr2:1:2:3\n\x00 "}
	blob, err := Encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Count(string(blob), ":") != 3 {
		t.Fatalf("expected prompt content to stay inside the payload, got %q", blob)
	}
	got, status, errDecode := Decode("d1", blob)
	if status != StatusFound || errDecode != nil {
		t.Fatalf("expected found, got %s (%v)", status, errDecode)
	}
	if strings.ContainsAny(got.PromptHistory[0], "\n\x00") {
		t.Fatalf("expected control characters stripped, got %q", got.PromptHistory[0])
	}
}

func TestGormBackendRoundTrip(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.AutoMigrate(&models.DeviceBlob{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRecordStore(NewGormBackend(db))

	rec := sampleRecord(now)
	if errSave := s.Save(ctx, rec); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	rec.SuspicionScore = 0.5
	if errSave := s.Save(ctx, rec); errSave != nil {
		t.Fatalf("upsert: %v", errSave)
	}

	var count int64
	if errCount := db.Model(&models.DeviceBlob{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", count)
	}

	res := s.Load(ctx, "d1")
	if res.Status != StatusFound {
		t.Fatalf("expected found, got %s (%v)", res.Status, res.Err)
	}
	assertEquivalent(t, rec, res.Record)

	if errClear := s.ClearAll(ctx); errClear != nil {
		t.Fatalf("clear all: %v", errClear)
	}
	if res := s.Load(ctx, "d1"); res.Status != StatusNotFound {
		t.Fatalf("expected not found after clear all, got %s", res.Status)
	}
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}
func (failingBackend) Put(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (failingBackend) Delete(context.Context, string) error      { return errors.New("disk on fire") }
func (failingBackend) DeleteAll(context.Context) error           { return errors.New("disk on fire") }

func TestLoadBackendFailureIsUnavailable(t *testing.T) {
	s := NewRecordStore(failingBackend{})
	res := s.Load(context.Background(), "d1")
	if res.Status != StatusUnavailable || res.Err == nil {
		t.Fatalf("expected unavailable with error, got %s", res.Status)
	}
	if err := s.Save(context.Background(), models.NewDeviceRecord("d1")); err == nil {
		t.Fatalf("expected save error")
	}
}
