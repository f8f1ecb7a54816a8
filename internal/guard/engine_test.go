package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/router-for-me/GuestGuard/internal/fingerprint"
	"github.com/router-for-me/GuestGuard/internal/metrics"
	"github.com/router-for-me/GuestGuard/internal/models"
	"github.com/router-for-me/GuestGuard/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(ts time.Time) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *testClock, *store.MemoryBackend) {
	t.Helper()
	clock := &testClock{now: t0}
	backend := store.NewMemoryBackend()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(store.NewRecordStore(backend), cfg, opts...), clock, backend
}

// accept evaluates and records one event at ts, failing the test on denial.
func accept(t *testing.T, e *Engine, clock *testClock, ts time.Time, deviceID, prompt string) {
	t.Helper()
	clock.Set(ts)
	v := e.Evaluate(context.Background(), deviceID, prompt)
	if !v.Allowed {
		t.Fatalf("expected %q at %s to be allowed, got %q (wait %s)", prompt, ts.Sub(t0), v.Reason, v.Wait)
	}
	if err := e.RecordEvent(context.Background(), deviceID, prompt); err != nil {
		t.Fatalf("record event: %v", err)
	}
}

func TestEvaluateMissingDeviceID(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	v := e.Evaluate(context.Background(), "  ", "cat")
	if v.Allowed || v.Reason != ReasonMissingDevice {
		t.Fatalf("expected missing device denial, got %+v", v)
	}
	if err := e.RecordEvent(context.Background(), "", "cat"); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
}

func TestEvaluateIntervalEnforcement(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	accept(t, e, clock, t0, "d1", "a castle on a hill")

	clock.Set(t0.Add(5*time.Second - time.Millisecond))
	v := e.Evaluate(context.Background(), "d1", "a quiet lake")
	if v.Allowed || v.Reason != "too frequent" {
		t.Fatalf("expected too frequent, got %+v", v)
	}
	if v.WaitMs() != 1 {
		t.Fatalf("expected 1ms wait, got %dms", v.WaitMs())
	}

	clock.Set(t0.Add(5 * time.Second))
	if v := e.Evaluate(context.Background(), "d1", "a quiet lake"); !v.Allowed {
		t.Fatalf("expected allow at min interval, got %+v", v)
	}
}

func TestEvaluateWindowCap(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	offsets := []time.Duration{0, 6 * time.Second, 15 * time.Second, 22 * time.Second, 34 * time.Second}
	for i, off := range offsets {
		accept(t, e, clock, t0.Add(off), "d1", fmt.Sprintf("a painting of river bend %d", i))
	}

	clock.Set(t0.Add(45 * time.Second))
	v := e.Evaluate(context.Background(), "d1", "a painting of a mountain")
	if v.Allowed || v.Reason != "too many requests" {
		t.Fatalf("expected window denial, got %+v", v)
	}
	if v.Wait != 15*time.Second {
		t.Fatalf("expected 15s until the oldest event leaves the window, got %s", v.Wait)
	}
	if stats := e.GetStats(context.Background(), "d1"); math.Abs(stats.Score-0.2) > 1e-9 {
		t.Fatalf("expected frequency penalty 0.2, got %v", stats.Score)
	}
}

func TestEvaluateDuplicateCap(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	accept(t, e, clock, t0, "d1", "cat")
	accept(t, e, clock, t0.Add(70*time.Second), "d1", " Cat")
	accept(t, e, clock, t0.Add(155*time.Second), "d1", "CAT ")

	clock.Set(t0.Add(300 * time.Second))
	v := e.Evaluate(context.Background(), "d1", "cat")
	if v.Allowed || v.Reason != "duplicate prompt" {
		t.Fatalf("expected duplicate denial, got %+v", v)
	}
	if stats := e.GetStats(context.Background(), "d1"); math.Abs(stats.Score-0.1) > 1e-9 {
		t.Fatalf("expected duplicate penalty 0.1, got %v", stats.Score)
	}
}

func TestLockoutIdempotenceAndExpiry(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	ctxA := fingerprint.WithValue(context.Background(), "fpA")
	ctxB := fingerprint.WithValue(context.Background(), "fpB")

	steps := []struct {
		ctx     context.Context
		allowed bool
	}{
		{ctxA, true},  // first sighting stores the fingerprint
		{ctxB, true},  // 0.3
		{ctxA, true},  // 0.6
		{ctxB, false}, // 0.9, locked
	}
	for i, step := range steps {
		v := e.Evaluate(step.ctx, "d1", "a castle on a hill")
		if v.Allowed != step.allowed {
			t.Fatalf("step %d: expected allowed=%v, got %+v", i, step.allowed, v)
		}
	}

	lockedUntil := t0.Add(30 * time.Minute)
	last := time.Duration(math.MaxInt64)
	for _, off := range []time.Duration{0, time.Second, 10 * time.Minute, 29 * time.Minute, 30*time.Minute - time.Millisecond} {
		clock.Set(t0.Add(off))
		v := e.Evaluate(ctxB, "d1", "a brand new prompt")
		if v.Allowed || v.Reason != ReasonLocked {
			t.Fatalf("at %s: expected lockout denial, got %+v", off, v)
		}
		if v.Wait >= last {
			t.Fatalf("at %s: expected decreasing wait, got %s after %s", off, v.Wait, last)
		}
		if v.Wait != lockedUntil.Sub(t0.Add(off)) {
			t.Fatalf("at %s: unexpected wait %s", off, v.Wait)
		}
		last = v.Wait
	}
	if got := e.RemainingWait(context.Background(), "d1", t0.Add(20*time.Minute)); got != 10*time.Minute {
		t.Fatalf("expected 10m remaining, got %s", got)
	}

	clock.Set(lockedUntil)
	if v := e.Evaluate(ctxB, "d1", "a brand new prompt"); !v.Allowed {
		t.Fatalf("expected allow at lockout end, got %+v", v)
	}
	stats := e.GetStats(context.Background(), "d1")
	if stats.Score != 0 || stats.State != StateClear || !stats.LockedUntil.IsZero() {
		t.Fatalf("expected clear state after expiry, got %+v", stats)
	}
}

func TestScoreDecayConvergence(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	// seed an elevated score
	rec := models.NewDeviceRecord("d1")
	rec.SuspicionScore = 0.6
	if err := e.store.Save(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts := t0
	for i := 0; i < 300; i++ {
		ts = ts.Add(61*time.Second + time.Duration((i*37)%70)*time.Second)
		accept(t, e, clock, ts, "d1", fmt.Sprintf("a watercolor of harbor view %d", i))
		if state := e.GetStats(ctx, "d1").State; state == StateLocked {
			t.Fatalf("event %d: legitimate device reached lockout", i)
		}
	}
	if score := e.GetStats(ctx, "d1").Score; score != 0 {
		t.Fatalf("expected score to decay to 0, got %v", score)
	}
}

func TestEvaluateDetectorPenalty(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	gaps := []time.Duration{0, 61 * time.Second, 150 * time.Second, 240 * time.Second}
	for i, gap := range gaps {
		accept(t, e, clock, t0.Add(gap), "d1", string(rune('a'+i)))
	}
	clock.Set(t0.Add(400 * time.Second))
	if v := e.Evaluate(context.Background(), "d1", "e"); !v.Allowed {
		t.Fatalf("expected single flag below threshold to allow, got %+v", v)
	}
	stats := e.GetStats(context.Background(), "d1")
	if math.Abs(stats.Score-0.2) > 1e-9 || stats.State != StateElevated {
		t.Fatalf("expected low effort penalty 0.2, got %+v", stats)
	}
}

func TestEvaluateCorruptedRecordFailsOpen(t *testing.T) {
	e, _, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = backend.Put(ctx, "d1", []byte("dr2:12:00ff:garbage"))

	if v := e.Evaluate(ctx, "d1", "a castle"); !v.Allowed {
		t.Fatalf("expected corrupted history to be ignored, got %+v", v)
	}
	blob, err := backend.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, status, _ := store.Decode("d1", blob); status != store.StatusFound {
		t.Fatalf("expected corrupted blob replaced, got %s", status)
	}
}

func TestEvaluateInvalidStateFailsClosed(t *testing.T) {
	e, clock, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = backend.Put(ctx, "d1", []byte(`{"promptHistory":["cat"],"suspicionScore":"NaN","lockoutUntil":"later"}`))

	v := e.Evaluate(ctx, "d1", "a castle")
	if v.Allowed || v.Reason != ReasonStateUnavailable || v.Wait != 30*time.Minute {
		t.Fatalf("expected fail-closed denial, got %+v", v)
	}

	clock.Set(t0.Add(time.Minute))
	v = e.Evaluate(ctx, "d1", "a castle")
	if v.Allowed || v.Reason != ReasonLocked || v.Wait != 29*time.Minute {
		t.Fatalf("expected persisted lockout, got %+v", v)
	}

	clock.Set(t0.Add(30 * time.Minute))
	if v := e.Evaluate(ctx, "d1", "a castle"); !v.Allowed {
		t.Fatalf("expected device to self-heal, got %+v", v)
	}
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (brokenBackend) Put(context.Context, string, []byte) error   { return errors.New("down") }
func (brokenBackend) Delete(context.Context, string) error        { return errors.New("down") }
func (brokenBackend) DeleteAll(context.Context) error             { return errors.New("down") }

func TestStorageFailureFailsOpen(t *testing.T) {
	e := NewEngine(store.NewRecordStore(brokenBackend{}), testConfig(), WithClock(func() time.Time { return t0 }))
	if v := e.Evaluate(context.Background(), "d1", "a castle"); !v.Allowed {
		t.Fatalf("expected allow on storage failure, got %+v", v)
	}
	if err := e.RecordEvent(context.Background(), "d1", "a castle"); err != nil {
		t.Fatalf("expected write failure to be swallowed, got %v", err)
	}
}

// flakyBackend fails the next failGets reads and otherwise serves from memory.
type flakyBackend struct {
	*store.MemoryBackend
	failGets int
}

func (b *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.failGets > 0 {
		b.failGets--
		return nil, errors.New("read timeout")
	}
	return b.MemoryBackend.Get(ctx, key)
}

func TestTransientReadFailureKeepsStoredState(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend()}
	records := store.NewRecordStore(backend)
	clock := &testClock{now: t0}
	cfg := testConfig()
	cfg.MaxDaily = 3
	e := NewEngine(records, cfg, WithClock(clock.Now))
	q := NewQuotaManager(e)
	ctx := context.Background()

	rec := models.NewDeviceRecord("d1")
	rec.SuspicionScore = 0.9
	rec.LockoutUntil = t0.Add(30 * time.Minute)
	rec.Quota = models.QuotaState{DailyCount: 3, LastResetDate: "2025-03-01"}
	if err := records.Save(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	backend.failGets = 1
	if v := e.Evaluate(ctx, "d1", "a castle"); !v.Allowed {
		t.Fatalf("expected fail-open on read failure, got %+v", v)
	}
	backend.failGets = 1
	if err := e.RecordEvent(ctx, "d1", "a castle"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	backend.failGets = 1
	clock.Set(t0.Add(time.Second))
	if v := q.CheckAndConsume(ctx, "d1", "a lake"); !v.Allowed {
		t.Fatalf("expected fail-open quota on read failure, got %+v", v)
	}

	clock.Set(t0.Add(2 * time.Second))
	v := e.Evaluate(ctx, "d1", "a castle")
	if v.Allowed || v.Reason != ReasonLocked {
		t.Fatalf("expected stored lockout to survive a failed read, got %+v", v)
	}
	res := records.Load(ctx, "d1")
	if !res.Record.LockoutUntil.Equal(t0.Add(30*time.Minute)) || res.Record.Quota.DailyCount != 3 {
		t.Fatalf("stored record was overwritten: %+v", res.Record)
	}
	if len(res.Record.EventTimestamps) != 0 {
		t.Fatalf("expected no history written from a blank record, got %d events", len(res.Record.EventTimestamps))
	}
}

func TestRemainingWaitInvalidStateReportsLockout(t *testing.T) {
	e, _, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	_ = backend.Put(ctx, "d1", []byte(`{"suspicionScore":"high","lockoutUntil":"soon"}`))

	if got := e.RemainingWait(ctx, "d1", t0); got != 30*time.Minute {
		t.Fatalf("expected full lockout for unreadable state, got %s", got)
	}
	if got := e.RemainingWait(ctx, "d2", t0); got != 0 {
		t.Fatalf("expected no wait for unknown device, got %s", got)
	}
}

func TestFingerprinterFallback(t *testing.T) {
	env := fingerprint.Environment{ScreenWidth: 1920, ScreenHeight: 1080, Language: "en-US", Platform: "Linux"}
	gen := fingerprint.NewGenerator(fingerprint.Static(env))
	e, _, _ := newTestEngine(t, testConfig(), WithFingerprinter(gen))
	ctx := context.Background()

	if v := e.Evaluate(ctx, "d1", "a castle"); !v.Allowed {
		t.Fatalf("expected allow, got %+v", v)
	}
	res := e.store.Load(ctx, "d1")
	if res.Record == nil || res.Record.Fingerprint != fingerprint.Of(env) {
		t.Fatalf("expected generator fingerprint stored, got %+v", res.Record)
	}
}

func TestGetStats(t *testing.T) {
	e, clock, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	accept(t, e, clock, t0.Add(-10*time.Hour), "d1", "yesterday's sketch")
	accept(t, e, clock, t0, "d1", "a castle")
	accept(t, e, clock, t0.Add(time.Minute), "d1", "a castle")
	accept(t, e, clock, t0.Add(3*time.Minute), "d1", "a lake")

	stats := e.GetStats(ctx, "d1")
	if stats.TotalEvents != 4 || stats.EventsToday != 3 || stats.UniquePrompts != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.IsSuspicious {
		t.Fatalf("expected clean device not to be suspicious")
	}
	if empty := e.GetStats(ctx, "nobody"); empty.TotalEvents != 0 || empty.State != StateClear {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestClearAndClearAll(t *testing.T) {
	e, clock, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	accept(t, e, clock, t0, "d1", "a castle")
	accept(t, e, clock, t0, "d2", "a castle")

	if err := e.Clear(ctx, "d1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if backend.Len() != 1 {
		t.Fatalf("expected one record left, got %d", backend.Len())
	}
	if err := e.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("expected no records, got %d", backend.Len())
	}
	if err := e.Clear(ctx, ""); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
}

func TestEvaluateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, clock, _ := newTestEngine(t, testConfig(), WithMetrics(metrics.New(reg)))
	accept(t, e, clock, t0, "d1", "a castle")
	clock.Set(t0.Add(time.Second))
	e.Evaluate(context.Background(), "d1", "a lake")

	expected := `
# HELP guestguard_admission_decisions_total Admission decisions by result and denial reason
# TYPE guestguard_admission_decisions_total counter
guestguard_admission_decisions_total{reason="",result="allowed"} 1
guestguard_admission_decisions_total{reason="too frequent",result="denied"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "guestguard_admission_decisions_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestDeviceLocksSerializeAndRelease(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v := e.Evaluate(ctx, "d1", "a castle"); v.Allowed {
				if err := e.RecordEvent(ctx, "d1", "a castle"); err != nil {
					t.Errorf("record event: %v", err)
				}
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed == 0 {
		t.Fatalf("expected at least one admission")
	}
	if size := e.locks.size(); size != 0 {
		t.Fatalf("expected lock entries to be released, got %d", size)
	}
}
