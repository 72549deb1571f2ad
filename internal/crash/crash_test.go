package crash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/spielwart/internal/config"
)

func testPolicy() config.CrashPolicy {
	return config.CrashPolicy{
		Enabled:       true,
		MaxCrashes:    3,
		WindowSeconds: 600,
		BackoffMs:     []int{0, 2000, 5000, 15000},
	}
}

func TestEvaluateFirstCrashRestartsImmediately(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	rec.Add(Entry{At: now, ExitCode: 1})

	d := Evaluate(rec, testPolicy(), now)
	assert.True(t, d.AutoRestart)
	assert.Equal(t, time.Duration(0), d.Delay)
	assert.Equal(t, 1, d.Crashes)
}

func TestEvaluateBackoffGrowsWithCrashCount(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	policy := testPolicy()

	want := []time.Duration{
		0,
		2 * time.Second,
		5 * time.Second,
		15 * time.Second,
	}
	for i, delay := range want {
		rec.Add(Entry{At: now, ExitCode: 1})
		d := Evaluate(rec, policy, now)
		assert.True(t, d.AutoRestart, "crash %d", i+1)
		assert.Equal(t, delay, d.Delay, "crash %d", i+1)
	}
}

func TestEvaluateOverThresholdStaysCrashed(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	policy := testPolicy()

	for i := 0; i <= policy.MaxCrashes; i++ {
		rec.Add(Entry{At: now, ExitCode: 137})
	}
	d := Evaluate(rec, policy, now)
	assert.False(t, d.AutoRestart)
	assert.Equal(t, policy.MaxCrashes+1, d.Crashes)
}

func TestEvaluateWithMinimalRecordCapacity(t *testing.T) {
	// A ring holding one entry beyond the limit is all the evaluator
	// needs to see the window count exceed MaxCrashes.
	policy := testPolicy()
	rec := NewRecord(policy.MaxCrashes + 1)
	now := time.Now()
	for i := 0; i < 10; i++ {
		rec.Add(Entry{At: now, ExitCode: 1})
	}

	d := Evaluate(rec, policy, now)
	assert.False(t, d.AutoRestart)
	assert.Equal(t, policy.MaxCrashes+1, d.Crashes)
}

func TestEvaluateOldCrashesFallOutOfWindow(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	policy := testPolicy()

	// Saturate the window, then move the clock past it.
	for i := 0; i <= policy.MaxCrashes; i++ {
		rec.Add(Entry{At: now, ExitCode: 1})
	}
	later := now.Add(policy.Window() + time.Minute)
	rec.Add(Entry{At: later, ExitCode: 1})

	d := Evaluate(rec, policy, later)
	assert.True(t, d.AutoRestart)
	assert.Equal(t, 1, d.Crashes)
}

func TestEvaluateDisabledPolicyNeverRestarts(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	policy := testPolicy()
	policy.Enabled = false

	rec.Add(Entry{At: now, ExitCode: 1})
	d := Evaluate(rec, policy, now)
	assert.False(t, d.AutoRestart)
	assert.Equal(t, 1, d.Crashes)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	now := time.Now()
	rec := NewRecord(16)
	rec.Add(Entry{At: now, ExitCode: 1})
	rec.Add(Entry{At: now, ExitCode: 1})

	first := Evaluate(rec, testPolicy(), now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(rec, testPolicy(), now))
	}
}

func TestRecordClearAndBound(t *testing.T) {
	rec := NewRecord(3)
	now := time.Now()
	for i := 0; i < 10; i++ {
		rec.Add(Entry{At: now})
	}
	assert.Equal(t, 3, rec.Len())

	rec.Clear()
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, 0, rec.CountSince(now, time.Hour))
}

func TestBackoffClampsToLastEntry(t *testing.T) {
	policy := testPolicy()
	assert.Equal(t, 15*time.Second, policy.Backoff(99))
	assert.Equal(t, time.Duration(0), policy.Backoff(-5))
	assert.Equal(t, time.Duration(0), config.CrashPolicy{}.Backoff(2))
}
