package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/testutil"
)

// scriptVerifier replays a fixed sequence of results, repeating the last
// entry once the script runs out.
type scriptVerifier struct {
	mu     sync.Mutex
	script []scriptStep
	calls  int
}

type scriptStep struct {
	res domain.VerificationResult
	err error
}

func unknownStep() scriptStep {
	return scriptStep{res: domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceOrder}}
}

func unpaidStep() scriptStep {
	return scriptStep{res: domain.VerificationResult{Outcome: domain.OutcomeUnpaid, Source: domain.SourceOrder}}
}

func paidStep() scriptStep {
	return scriptStep{res: domain.VerificationResult{Outcome: domain.OutcomePaid, Source: domain.SourceOrder}}
}

func (v *scriptVerifier) Verify(ctx context.Context, attempt domain.PaymentAttempt) (domain.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.calls
	if i >= len(v.script) {
		i = len(v.script) - 1
	}
	v.calls++
	return v.script[i].res, v.script[i].err
}

func (v *scriptVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// recordingTarget collects results and stops the loop on decided
// outcomes, the way the confirmation machine does.
type recordingTarget struct {
	mu       sync.Mutex
	results  []domain.VerificationResult
	timeouts []int
}

func (r *recordingTarget) HandleResult(res domain.VerificationResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return !res.Outcome.Decided()
}

func (r *recordingTarget) HandleTimeout(polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, polls)
}

func (r *recordingTarget) snapshot() ([]domain.VerificationResult, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.VerificationResult(nil), r.results...), append([]int(nil), r.timeouts...)
}

// testHarness wires a poller to a fake clock whose sleeps advance the
// clock instantly, making schedules of any length run in microseconds.
type testHarness struct {
	clock  *testutil.FakeClock
	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness() *testHarness {
	return &testHarness{
		clock: testutil.NewFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)),
	}
}

func (h *testHarness) sleep(d time.Duration, cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return false
	default:
	}
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	h.clock.Advance(d)
	return true
}

func (h *testHarness) sleptIntervals() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *testHarness) poller(v Verifier) *Poller {
	return New(v, WithClock(h.clock.Now), WithSleep(h.sleep))
}

func waitDone(t *testing.T, handle *Handle) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not finish in time")
	}
}

func testAttempt() domain.PaymentAttempt {
	return domain.PaymentAttempt{OrderID: "ord-1", ClientReference: "ref-1"}
}

// TestPoller_FirstPollImmediate verifies that the loop polls before any
// wait and stops on a decided outcome without sleeping at all.
func TestPoller_FirstPollImmediate(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{paidStep()}}
	target := &recordingTarget{}

	handle := h.poller(verifier).Start(context.Background(), testAttempt(), DefaultSchedule(), target)
	waitDone(t, handle)

	if got := verifier.callCount(); got != 1 {
		t.Errorf("verifier calls = %d, want 1", got)
	}
	results, timeouts := target.snapshot()
	if len(results) != 1 || results[0].Outcome != domain.OutcomePaid {
		t.Errorf("results = %+v, want one paid", results)
	}
	if len(timeouts) != 0 {
		t.Errorf("timeouts = %v, want none", timeouts)
	}
	if slept := h.sleptIntervals(); len(slept) != 0 {
		t.Errorf("sleeps = %v, want none before a first-poll hit", slept)
	}
}

// TestPoller_WaitsIntervalBetweenPolls verifies the fixed cadence: one
// full interval between poll completions.
func TestPoller_WaitsIntervalBetweenPolls(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unpaidStep(), unpaidStep(), paidStep()}}
	target := &recordingTarget{}

	sched := Schedule{FastInterval: 10 * time.Second, Timeout: 5 * time.Minute}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	if got := verifier.callCount(); got != 3 {
		t.Errorf("verifier calls = %d, want 3", got)
	}
	want := []time.Duration{10 * time.Second, 10 * time.Second}
	slept := h.sleptIntervals()
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

// TestPoller_BudgetExhausted_ReportsPollCount verifies the timeout
// contract: a 5 minute budget at a 10 second cadence completes exactly
// 30 polls, then times out reporting that count.
func TestPoller_BudgetExhausted_ReportsPollCount(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unknownStep()}}
	target := &recordingTarget{}

	sched := Schedule{FastInterval: 10 * time.Second, Timeout: 5 * time.Minute}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	if got := verifier.callCount(); got != 30 {
		t.Errorf("verifier calls = %d, want 30", got)
	}
	_, timeouts := target.snapshot()
	if len(timeouts) != 1 || timeouts[0] != 30 {
		t.Errorf("timeouts = %v, want [30]", timeouts)
	}
}

// TestPoller_TransportErrorBecomesUnknown verifies that an unreachable
// backend does not stop or distort the loop: the target sees an unknown
// outcome and polling continues.
func TestPoller_TransportErrorBecomesUnknown(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{
		{res: domain.VerificationResult{Outcome: domain.OutcomeUnknown}, err: errors.New("connection refused")},
		paidStep(),
	}}
	target := &recordingTarget{}

	handle := h.poller(verifier).Start(context.Background(), testAttempt(), DefaultSchedule(), target)
	waitDone(t, handle)

	results, _ := target.snapshot()
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	if results[0].Outcome != domain.OutcomeUnknown {
		t.Errorf("first result = %s, want unknown", results[0].Outcome)
	}
	if results[1].Outcome != domain.OutcomePaid {
		t.Errorf("second result = %s, want paid", results[1].Outcome)
	}
}

// blockingVerifier parks every call until release is signalled.
type blockingVerifier struct {
	entered chan struct{}
	release chan domain.VerificationResult
}

func (v *blockingVerifier) Verify(ctx context.Context, attempt domain.PaymentAttempt) (domain.VerificationResult, error) {
	v.entered <- struct{}{}
	return <-v.release, nil
}

// TestPoller_StopDiscardsInFlightResult verifies the stale-result rule:
// a verification answer that lands after Stop never reaches the target.
func TestPoller_StopDiscardsInFlightResult(t *testing.T) {
	h := newHarness()
	verifier := &blockingVerifier{
		entered: make(chan struct{}),
		release: make(chan domain.VerificationResult),
	}
	target := &recordingTarget{}

	handle := h.poller(verifier).Start(context.Background(), testAttempt(), DefaultSchedule(), target)

	<-verifier.entered
	handle.Stop()
	verifier.release <- domain.VerificationResult{Outcome: domain.OutcomePaid, Source: domain.SourceOrder}
	waitDone(t, handle)

	results, timeouts := target.snapshot()
	if len(results) != 0 {
		t.Errorf("results = %+v, want none after stop", results)
	}
	if len(timeouts) != 0 {
		t.Errorf("timeouts = %v, want none after stop", timeouts)
	}
}

// TestPoller_StopIsIdempotent verifies that stopping twice does not
// panic or deadlock.
func TestPoller_StopIsIdempotent(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unknownStep()}}
	target := &recordingTarget{}

	handle := h.poller(verifier).Start(context.Background(), testAttempt(), DefaultSchedule(), target)
	handle.Stop()
	handle.Stop()
	waitDone(t, handle)
}

// TestPoller_StopDuringWait verifies that a stop lands promptly while
// the loop is waiting out an interval.
func TestPoller_StopDuringWait(t *testing.T) {
	verifier := &scriptVerifier{script: []scriptStep{unknownStep()}}
	target := &recordingTarget{}

	// Real timer sleep with a long interval: the stop must cut it short.
	sched := Schedule{FastInterval: time.Minute, Timeout: time.Hour}
	p := New(verifier)
	handle := p.Start(context.Background(), testAttempt(), sched, target)

	testutil.WaitFor(t, time.Second, func() bool { return verifier.callCount() == 1 }, "first poll completed")
	handle.Stop()
	waitDone(t, handle)

	if got := verifier.callCount(); got != 1 {
		t.Errorf("verifier calls = %d, want 1", got)
	}
	_, timeouts := target.snapshot()
	if len(timeouts) != 0 {
		t.Errorf("timeouts = %v, want none", timeouts)
	}
}

// TestPoller_CadenceDowngradesAfterFastWindow verifies the automatic
// fast-to-slow switch once the fast window is consumed.
func TestPoller_CadenceDowngradesAfterFastWindow(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{
		unpaidStep(), unpaidStep(), unpaidStep(), unpaidStep(), paidStep(),
	}}
	target := &recordingTarget{}

	sched := Schedule{
		FastInterval: 10 * time.Second,
		SlowInterval: time.Minute,
		FastWindow:   30 * time.Second,
		Timeout:      10 * time.Minute,
	}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	want := []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, time.Minute}
	slept := h.sleptIntervals()
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

// TestPoller_StartSlowSkipsFastWindow verifies that a resumed schedule
// marked StartSlow polls at the slow cadence from the first wait.
func TestPoller_StartSlowSkipsFastWindow(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unpaidStep(), paidStep()}}
	target := &recordingTarget{}

	sched := Schedule{
		FastInterval: 10 * time.Second,
		SlowInterval: time.Minute,
		Timeout:      10 * time.Minute,
		StartSlow:    true,
	}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	slept := h.sleptIntervals()
	if len(slept) != 1 || slept[0] != time.Minute {
		t.Errorf("sleeps = %v, want [1m]", slept)
	}
}

// TestPoller_UseFastOverridesStartSlow verifies the explicit cadence
// override beats both the schedule flag and the window.
func TestPoller_UseFastOverridesStartSlow(t *testing.T) {
	h := newHarness()
	verifier := &blockingVerifier{
		entered: make(chan struct{}),
		release: make(chan domain.VerificationResult),
	}
	target := &recordingTarget{}

	sched := Schedule{
		FastInterval: 10 * time.Second,
		SlowInterval: time.Minute,
		Timeout:      10 * time.Minute,
		StartSlow:    true,
	}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)

	// Switch cadence while the first poll is parked, then let two polls
	// through: the wait between them must use the fast interval.
	<-verifier.entered
	handle.UseFast()
	verifier.release <- domain.VerificationResult{Outcome: domain.OutcomeUnpaid, Source: domain.SourceOrder}
	<-verifier.entered
	verifier.release <- domain.VerificationResult{Outcome: domain.OutcomePaid, Source: domain.SourceOrder}
	waitDone(t, handle)

	slept := h.sleptIntervals()
	if len(slept) != 1 || slept[0] != 10*time.Second {
		t.Errorf("sleeps = %v, want [10s]", slept)
	}
}

// TestPoller_FinalWaitClampedToDeadline verifies the last wait shrinks
// so the budget check happens exactly at the deadline.
func TestPoller_FinalWaitClampedToDeadline(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unknownStep()}}
	target := &recordingTarget{}

	sched := Schedule{FastInterval: 10 * time.Second, Timeout: 25 * time.Second}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	want := []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}
	slept := h.sleptIntervals()
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	_, timeouts := target.snapshot()
	if len(timeouts) != 1 || timeouts[0] != 3 {
		t.Errorf("timeouts = %v, want [3]", timeouts)
	}
}

// TestPoller_ExhaustedBudgetStillPollsOnce verifies the loop completes
// one final poll even when the remaining budget is effectively zero.
func TestPoller_ExhaustedBudgetStillPollsOnce(t *testing.T) {
	h := newHarness()
	verifier := &scriptVerifier{script: []scriptStep{unknownStep()}}
	target := &recordingTarget{}

	sched := Schedule{FastInterval: 10 * time.Second, Timeout: time.Nanosecond}
	handle := h.poller(verifier).Start(context.Background(), testAttempt(), sched, target)
	waitDone(t, handle)

	if got := verifier.callCount(); got != 1 {
		t.Errorf("verifier calls = %d, want 1", got)
	}
	_, timeouts := target.snapshot()
	if len(timeouts) != 1 || timeouts[0] != 1 {
		t.Errorf("timeouts = %v, want [1]", timeouts)
	}
}

func TestSchedule_Normalize(t *testing.T) {
	got := Schedule{}.Normalize()
	def := DefaultSchedule()
	if got != def {
		t.Errorf("Normalize zero = %+v, want defaults %+v", got, def)
	}

	partial := Schedule{FastInterval: time.Second, Timeout: time.Minute}.Normalize()
	if partial.FastInterval != time.Second {
		t.Errorf("FastInterval = %v, want 1s preserved", partial.FastInterval)
	}
	if partial.FastWindow != time.Minute {
		t.Errorf("FastWindow = %v, want timeout fallback", partial.FastWindow)
	}
	if partial.SlowInterval != def.SlowInterval {
		t.Errorf("SlowInterval = %v, want default", partial.SlowInterval)
	}
}
