package telemetry

import (
	"sync"
	"testing"

	"armed-turbo-executor/internal/retry"
)

func TestHistogramObserveTracksCountSumMinMax(t *testing.T) {
	var h Histogram
	h.Observe(5)
	h.Observe(1)
	h.Observe(9)

	count, sum, min, max := h.Snapshot()
	if count != 3 {
		t.Errorf("expected count=3, got %d", count)
	}
	if sum != 15 {
		t.Errorf("expected sum=15, got %v", sum)
	}
	if min != 1 {
		t.Errorf("expected min=1, got %v", min)
	}
	if max != 9 {
		t.Errorf("expected max=9, got %v", max)
	}
}

func TestIncClassifiedBucketsByClass(t *testing.T) {
	r := New()
	r.IncClassified(retry.ClassUser)
	r.IncClassified(retry.ClassNet)
	r.IncClassified(retry.ClassNet)
	r.IncClassified(retry.ClassUnknown)

	if r.SendUserErrorTotal != 1 || r.SendNetErrorTotal != 2 || r.SendUnknownErrorTotal != 1 {
		t.Errorf("unexpected bucket counts: user=%d net=%d unknown=%d", r.SendUserErrorTotal, r.SendNetErrorTotal, r.SendUnknownErrorTotal)
	}
}

func TestIncExitReasonTracksPerReasonCounts(t *testing.T) {
	r := New()
	r.IncExitReason("smart-time")
	r.IncExitReason("smart-time")
	r.IncExitReason("authority-flip")

	if r.ExitReasonTotal["smart-time"] != 2 || r.ExitReasonTotal["authority-flip"] != 1 {
		t.Errorf("unexpected exit reason totals: %v", r.ExitReasonTotal)
	}
}

func TestRegistryCountersUnderConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncRetryAttempt()
			r.IncProbeAbort()
			r.IncProbeScaleSuccess()
			r.IncResumeAttempts(1)
			r.IncResumeSuccess(1)
		}()
	}
	wg.Wait()

	if r.SendRetryTotal != 50 || r.ProbeAbortTotal != 50 || r.ProbeScaleSuccessTotal != 50 {
		t.Errorf("expected 50 for each concurrent counter, got retry=%d abort=%d scale=%d", r.SendRetryTotal, r.ProbeAbortTotal, r.ProbeScaleSuccessTotal)
	}
	if r.ResumeAttemptsTotal != 50 || r.ResumeSuccessTotal != 50 {
		t.Errorf("expected resume counters to reach 50, got attempts=%d success=%d", r.ResumeAttemptsTotal, r.ResumeSuccessTotal)
	}
}

func TestObserveSizingReducedPctAndLeaderHoldMs(t *testing.T) {
	r := New()
	r.ObserveSizingReducedPct(12.5)
	r.ObserveLeaderHoldMs(200)

	if count, sum, _, _ := r.SizingReducedPct.Snapshot(); count != 1 || sum != 12.5 {
		t.Errorf("expected one observation summing to 12.5, got count=%d sum=%v", count, sum)
	}
	if count, sum, _, _ := r.LeaderHoldMs.Snapshot(); count != 1 || sum != 200 {
		t.Errorf("expected one observation summing to 200, got count=%d sum=%v", count, sum)
	}
}
