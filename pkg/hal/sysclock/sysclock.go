// Package sysclock implements hal.Clock and hal.CriticalSection for a Linux
// host. It deliberately does not use fixed no-op-instruction delay counts —
// those are calibrated for one specific CPU clock and would be silently
// wrong on anything else — and instead measures wall-clock time, busy-
// spinning for waits shorter than busySpinFloor (which covers the
// parallel-flash driver's nanosecond pin timing) and falling back to
// time.Sleep above that floor.
package sysclock

import (
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// TicksPerSecond is this clock's tick rate: one tick is one millisecond,
// giving ample resolution for the 3-second serial-flash busy timeout and
// the ~5-second console upload-start wait.
const TicksPerSecond = 1000

// busySpinFloor is the duration below which time.Sleep cannot be trusted to
// wake promptly on a general-purpose Linux scheduler; waits shorter than
// this busy-spin on a monotonic clock read instead.
const busySpinFloor = 50 * time.Microsecond

// Clock is a Linux wall-clock backed hal.Clock.
type Clock struct{}

// New returns a ready-to-use Clock.
func New() *Clock {
	return &Clock{}
}

func (c *Clock) TickHz() uint32 {
	return TicksPerSecond
}

func (c *Clock) Delay(ticks uint32) {
	d := time.Duration(ticks) * (time.Second / TicksPerSecond)
	c.DelayDuration(d)
}

func (c *Clock) DelayNanoseconds(ns uint32) {
	c.DelayDuration(time.Duration(ns) * time.Nanosecond)
}

// DelayDuration waits for at least d, busy-spinning below busySpinFloor and
// sleeping above it. Exported separately from Delay because the
// parallel-flash driver's pin-level timing needs nanosecond-granular waits
// that do not divide evenly into whole ticks.
func (c *Clock) DelayDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < busySpinFloor {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
		}
		return
	}
	time.Sleep(d)
}

// CriticalSection is a best-effort stand-in for a true interrupt-disable/
// enable pair. Linux offers no userspace equivalent to disabling
// interrupts; this pins the calling goroutine to its OS thread for the
// duration of the section and nothing more — the Go scheduler and the
// kernel can still preempt it. It is documented as such rather than
// silently assumed equivalent (see
// DESIGN.md's Open Question on critical sections).
type CriticalSection struct {
	locked bool
}

// NewCriticalSection returns a ready-to-use CriticalSection.
func NewCriticalSection() *CriticalSection {
	return &CriticalSection{}
}

func (cs *CriticalSection) Enter() {
	if cs.locked {
		log.Warn("hal/sysclock: critical section entered re-entrantly")
	}
	runtime.LockOSThread()
	cs.locked = true
}

func (cs *CriticalSection) Exit() {
	cs.locked = false
	runtime.UnlockOSThread()
}
