// Package crash decides whether a server that died unexpectedly should be
// restarted. The evaluator is pure so it can be tested without a runtime.
package crash

import (
	"time"

	"github.com/p-arndt/spielwart/internal/config"
)

// Entry is one unexpected exit.
type Entry struct {
	At        time.Time
	ExitCode  int
	OOMKilled bool
}

// Record is a bounded ring of recent unexpected exits for one server. It is
// only ever touched from the server's command loop, so it carries no lock.
type Record struct {
	entries []Entry
	max     int
}

func NewRecord(max int) *Record {
	if max <= 0 {
		max = 16
	}
	return &Record{max: max}
}

func (r *Record) Add(e Entry) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

// Clear wipes the history. Called on a user-requested stop and on a
// successful manual restart.
func (r *Record) Clear() {
	r.entries = r.entries[:0]
}

func (r *Record) Len() int {
	return len(r.entries)
}

// CountSince returns how many entries fall inside the trailing window
// ending at now.
func (r *Record) CountSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, e := range r.entries {
		if e.At.After(cutoff) {
			n++
		}
	}
	return n
}

// Decision is the evaluator's verdict.
type Decision struct {
	AutoRestart bool
	Delay       time.Duration
	Crashes     int // crashes inside the window, including the one just recorded
}

// Evaluate applies the operator's crash policy to a record. Same record,
// policy and clock always yield the same decision.
func Evaluate(rec *Record, policy config.CrashPolicy, now time.Time) Decision {
	count := rec.CountSince(now, policy.Window())
	if !policy.Enabled {
		return Decision{AutoRestart: false, Crashes: count}
	}
	if count > policy.MaxCrashes {
		return Decision{AutoRestart: false, Crashes: count}
	}
	return Decision{
		AutoRestart: true,
		Delay:       policy.Backoff(count - 1),
		Crashes:     count,
	}
}
