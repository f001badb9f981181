package orchestrator

import (
	"context"
	"testing"
	"time"

	"spectra/internal/gateway"
	"spectra/internal/infra/config"
)

func newTestOrchestrator(delays config.InvitationDelays) *Orchestrator {
	return &Orchestrator{
		cloud: config.CloudSpec{InvitationDelays: delays},
	}
}

func TestRaiseDelayFloorOnlyEverIncreases(t *testing.T) {
	o := newTestOrchestrator(config.InvitationDelays{MinSeconds: 1, MaxSeconds: 2, Variance: 0.3})

	o.raiseDelayFloor(5 * time.Second)
	if o.inviteDelayFloor != 5*time.Second {
		t.Fatalf("floor = %v, want 5s", o.inviteDelayFloor)
	}

	o.raiseDelayFloor(2 * time.Second)
	if o.inviteDelayFloor != 5*time.Second {
		t.Fatalf("floor dropped to %v after a smaller wait, should stay at 5s", o.inviteDelayFloor)
	}

	o.raiseDelayFloor(10 * time.Second)
	if o.inviteDelayFloor != 10*time.Second {
		t.Fatalf("floor = %v, want 10s after a larger wait", o.inviteDelayFloor)
	}
}

func TestSleepJitteredRespectsConfiguredBounds(t *testing.T) {
	o := newTestOrchestrator(config.InvitationDelays{MinSeconds: 0.01, MaxSeconds: 0.02, Variance: 0.3})

	start := time.Now()
	o.sleepJittered(context.Background())
	elapsed := time.Since(start)

	// Variance can push the jittered delay up to 1.3x MaxSeconds.
	maxPossible := time.Duration(o.cloud.InvitationDelays.MaxSeconds * 1.3 * float64(time.Second))
	if elapsed > maxPossible+50*time.Millisecond {
		t.Fatalf("sleepJittered took %v, want at most ~%v", elapsed, maxPossible)
	}
}

func TestSleepJitteredNeverGoesBelowTheDelayFloor(t *testing.T) {
	o := newTestOrchestrator(config.InvitationDelays{MinSeconds: 0.001, MaxSeconds: 0.002, Variance: 0.1})
	o.raiseDelayFloor(30 * time.Millisecond)

	start := time.Now()
	o.sleepJittered(context.Background())
	elapsed := time.Since(start)

	if elapsed < 30*time.Millisecond {
		t.Fatalf("sleepJittered returned after %v, should never be faster than the delay floor (30ms)", elapsed)
	}
}

func TestSleepJitteredReturnsEarlyOnContextCancellation(t *testing.T) {
	o := newTestOrchestrator(config.InvitationDelays{MinSeconds: 10, MaxSeconds: 20, Variance: 0.3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	o.sleepJittered(ctx)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("sleepJittered should return promptly on an already-cancelled context, took %v", elapsed)
	}
}

func TestAsFloodWaitExtractsWaitDuration(t *testing.T) {
	if _, ok := asFloodWait(nil); ok {
		t.Fatalf("asFloodWait(nil) reported ok=true")
	}
	d, ok := asFloodWait(&gateway.FloodWaitError{Seconds: 5})
	if !ok || d != 6*time.Second {
		t.Fatalf("asFloodWait(flood wait 5s) = (%v, %v), want (6s, true)", d, ok)
	}
}
