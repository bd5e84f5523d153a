package dispatch

import (
	"testing"
	"time"
)

func newRateTarget(rc RateConfig) *TargetState {
	return newRegistry(1, rc).target(0)
}

func TestTryReserveSendBurstWindow(t *testing.T) {
	t.Parallel()

	tgt := newRateTarget(RateConfig{MessagesPerSecond: 10, BurstLimit: 10, RecoveryTime: 5 * time.Second})
	now := time.Now()

	granted := 0
	for i := 0; i < 15; i++ {
		if tgt.tryReserveSend(now) {
			granted++
		}
	}
	if granted != 10 {
		t.Fatalf("granted %d sends, want exactly the burst limit of 10", granted)
	}

	// The over-limit attempt started a cooldown; everything inside it defers.
	if tgt.tryReserveSend(now.Add(4 * time.Second)) {
		t.Fatal("send granted during recovery cooldown")
	}

	// Cooldown elapsed but the window is still saturated; the refusal re-arms it.
	if tgt.tryReserveSend(now.Add(6 * time.Second)) {
		t.Fatal("send granted with a still-full sliding window")
	}

	// Once the window entries age out the target opens up again.
	if !tgt.tryReserveSend(now.Add(rateWindowSpan + 15*time.Second)) {
		t.Fatal("send refused after the window drained")
	}
}

func TestPruneWindowLocked(t *testing.T) {
	t.Parallel()

	tgt := newRateTarget(RateConfig{MessagesPerSecond: 10, BurstLimit: 10, RecoveryTime: time.Second})
	now := time.Now()
	tgt.window = []time.Time{
		now.Add(-90 * time.Second),
		now.Add(-61 * time.Second),
		now.Add(-30 * time.Second),
		now.Add(-time.Second),
	}

	tgt.mu.Lock()
	tgt.pruneWindowLocked(now)
	kept := len(tgt.window)
	tgt.mu.Unlock()

	if kept != 2 {
		t.Fatalf("window kept %d entries, want 2 inside the 60s span", kept)
	}
}

func TestAdaptRateSpeedsUpHealthyTarget(t *testing.T) {
	t.Parallel()

	tgt := newRateTarget(RateConfig{MessagesPerSecond: 10, BurstLimit: 20, RecoveryTime: 10 * time.Second, Adaptive: true})
	tgt.successRate = 1

	tgt.adaptRate(time.Now())

	if got := tgt.rate.MessagesPerSecond; got < 10.99 || got > 11.01 {
		t.Fatalf("mps = %v, want ~11", got)
	}
	if got := tgt.rate.RecoveryTime; got != 9*time.Second {
		t.Fatalf("recovery = %v, want 9s", got)
	}
	if got := tgt.rate.BurstLimit; got != 22 {
		t.Fatalf("burst = %d, want 22", got)
	}
}

func TestAdaptRateCapsAndFloors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rate         RateConfig
		successRate  float64
		failures     int
		wantMPS      float64
		wantRecovery time.Duration
	}{
		{
			name:         "mps caps at 30",
			rate:         RateConfig{MessagesPerSecond: 29, BurstLimit: 58, RecoveryTime: 3 * time.Second, Adaptive: true},
			successRate:  1,
			wantMPS:      30,
			wantRecovery: 2700 * time.Millisecond,
		},
		{
			name:         "recovery floors at 2s",
			rate:         RateConfig{MessagesPerSecond: 10, BurstLimit: 20, RecoveryTime: 2 * time.Second, Adaptive: true},
			successRate:  1,
			wantMPS:      11,
			wantRecovery: 2 * time.Second,
		},
		{
			name:         "mps floors at 5 when degraded",
			rate:         RateConfig{MessagesPerSecond: 6, BurstLimit: 12, RecoveryTime: 10 * time.Second, Adaptive: true},
			successRate:  0.5,
			wantMPS:      5,
			wantRecovery: 12500 * time.Millisecond,
		},
		{
			name:         "recovery caps at 30s when failing",
			rate:         RateConfig{MessagesPerSecond: 20, BurstLimit: 40, RecoveryTime: 28 * time.Second, Adaptive: true},
			successRate:  1,
			failures:     3,
			wantMPS:      16,
			wantRecovery: 30 * time.Second,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tgt := newRateTarget(tt.rate)
			tgt.successRate = tt.successRate
			tgt.consecutiveFailures = tt.failures

			tgt.adaptRate(time.Now())

			if got := tgt.rate.MessagesPerSecond; got < tt.wantMPS-0.01 || got > tt.wantMPS+0.01 {
				t.Fatalf("mps = %v, want ~%v", got, tt.wantMPS)
			}
			if got := tgt.rate.RecoveryTime; got != tt.wantRecovery {
				t.Fatalf("recovery = %v, want %v", got, tt.wantRecovery)
			}
			if want := int(2 * tt.wantMPS); tgt.rate.BurstLimit != want {
				t.Fatalf("burst = %d, want %d", tgt.rate.BurstLimit, want)
			}
		})
	}
}

func TestAdaptRateSteadyStateUntouched(t *testing.T) {
	t.Parallel()

	before := RateConfig{MessagesPerSecond: 10, BurstLimit: 20, RecoveryTime: 10 * time.Second, Adaptive: true}
	tgt := newRateTarget(before)
	tgt.successRate = 0.9 // neither healthy enough to speed up nor bad enough to slow down

	tgt.adaptRate(time.Now())

	if tgt.rate != before {
		t.Fatalf("rate changed in steady state: %+v", tgt.rate)
	}
}
