package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_PollCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PollCompleted(PollOutcomeUnpaid, 100*time.Millisecond)
	sink.PollCompleted(PollOutcomeUnpaid, 120*time.Millisecond)
	sink.PollCompleted(PollOutcomePaid, 90*time.Millisecond)

	unpaid := getCounterVecValue(t, reg, "akuafopay_polls_total",
		map[string]string{"outcome": "unpaid"})
	if unpaid != 2 {
		t.Errorf("polls_total{outcome=unpaid} = %v, want 2", unpaid)
	}

	paid := getCounterVecValue(t, reg, "akuafopay_polls_total",
		map[string]string{"outcome": "paid"})
	if paid != 1 {
		t.Errorf("polls_total{outcome=paid} = %v, want 1", paid)
	}
}

func TestPrometheusSink_VerificationConflict(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.VerificationConflict()
	sink.VerificationConflict()

	val := getCounterValue(t, reg, "akuafopay_verification_conflicts_total")
	if val != 2 {
		t.Errorf("verification_conflicts_total = %v, want 2", val)
	}
}

func TestPrometheusSink_AttemptResolvedLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AttemptResolved(ResolutionConfirmed, 3, 30*time.Second)
	sink.AttemptResolved(ResolutionTimedOut, 30, 5*time.Minute)
	sink.AttemptResolved(ResolutionConfirmed, 1, 9*time.Second)

	confirmed := getCounterVecValue(t, reg, "akuafopay_attempts_resolved_total",
		map[string]string{"outcome": "confirmed"})
	if confirmed != 2 {
		t.Errorf("attempts_resolved_total{outcome=confirmed} = %v, want 2", confirmed)
	}

	timedOut := getCounterVecValue(t, reg, "akuafopay_attempts_resolved_total",
		map[string]string{"outcome": "timed_out"})
	if timedOut != 1 {
		t.Errorf("attempts_resolved_total{outcome=timed_out} = %v, want 1", timedOut)
	}
}

func TestPrometheusSink_AttemptsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AttemptsInFlightIncr()
	sink.AttemptsInFlightIncr()
	sink.AttemptsInFlightDecr()

	val := getGaugeValue(t, reg, "akuafopay_attempts_in_flight")
	if val != 1 {
		t.Errorf("attempts_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_SweepCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SweepCompleted(3, nil)
	sink.SweepCompleted(0, errors.New("db timeout"))

	success := getCounterVecValue(t, reg, "akuafopay_sweeper_sweeps_total",
		map[string]string{"result": "success"})
	if success != 1 {
		t.Errorf("sweeps_total{result=success} = %v, want 1", success)
	}

	errCount := getCounterVecValue(t, reg, "akuafopay_sweeper_sweeps_total",
		map[string]string{"result": "error"})
	if errCount != 1 {
		t.Errorf("sweeps_total{result=error} = %v, want 1", errCount)
	}

	swept := getCounterValue(t, reg, "akuafopay_sweeper_swept_attempts_total")
	if swept != 3 {
		t.Errorf("swept_attempts_total = %v, want 3", swept)
	}
}

func TestPrometheusSink_LeaderStatus(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusUpdate(true)
	if val := getGaugeValue(t, reg, "akuafopay_leader_status"); val != 1 {
		t.Errorf("leader_status = %v, want 1", val)
	}

	sink.LeaderStatusUpdate(false)
	if val := getGaugeValue(t, reg, "akuafopay_leader_status"); val != 0 {
		t.Errorf("leader_status = %v, want 0", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	NewPrometheusSink(reg)
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
