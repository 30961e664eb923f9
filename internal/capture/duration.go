package capture

import (
	"fmt"
	"time"
)

// Clock abstracts wall-clock reads and timer scheduling (system clock in production, fake in tests).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the process wall clock.
var SystemClock Clock = systemClock{}

// TickInterval is the cadence of the visible elapsed-time counter.
const TickInterval = time.Second

// Accumulator tracks recorded time across pause/resume cycles.
// The zero value is ready to use and not running.
type Accumulator struct {
	accumulated  time.Duration
	openedAt     time.Time
	lastReported time.Duration
}

// Open starts a recording interval at now. It is a no-op when an interval is already open.
func (a *Accumulator) Open(now time.Time) {
	if a.openedAt.IsZero() {
		a.openedAt = now
	}
}

// Close folds the open interval into the accumulated total and returns it.
func (a *Accumulator) Close(now time.Time) time.Duration {
	if a.openedAt.IsZero() {
		return a.accumulated
	}
	total := a.accumulated + sinceClamped(now, a.openedAt)
	// never fall below a value that was already reported
	if total < a.lastReported {
		total = a.lastReported
	}
	a.accumulated = total
	a.openedAt = time.Time{}
	return a.accumulated
}

// Running reports whether an interval is open.
func (a *Accumulator) Running() bool { return !a.openedAt.IsZero() }

// OpenedAt returns the start of the open interval, or the zero time.
func (a *Accumulator) OpenedAt() time.Time { return a.openedAt }

// Accumulated returns the frozen total excluding any open interval.
func (a *Accumulator) Accumulated() time.Duration { return a.accumulated }

// AccumulatedMs returns the frozen total in whole milliseconds.
func (a *Accumulator) AccumulatedMs() int64 { return a.accumulated.Milliseconds() }

// Elapsed returns the recorded time at now. Successive calls never decrease.
func (a *Accumulator) Elapsed(now time.Time) time.Duration {
	e := a.accumulated
	if !a.openedAt.IsZero() {
		e += sinceClamped(now, a.openedAt)
	}
	if e < a.lastReported {
		e = a.lastReported
	}
	a.lastReported = e
	return e
}

func sinceClamped(now, t time.Time) time.Duration {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// TickRemainder returns the delay until the next whole-second boundary of elapsed.
// On an exact boundary the full interval is returned.
func TickRemainder(elapsed time.Duration) time.Duration {
	return TickInterval - elapsed%TickInterval
}

// FormatElapsed renders d as zero-padded HH:MM:SS from whole seconds.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
