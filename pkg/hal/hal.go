// Package hal declares the hardware contracts the core packages (ymodem,
// serialflash, parflash, upload) consume from external collaborators:
// timed delay, critical sections, the serial console line, the serial-flash
// SPI bus, and the parallel-flash GPIO banks. These are specified only by
// their abstract interface; concrete Linux backends live in the
// hal/sysclock, hal/lineserial and hal/periphbus subpackages so that
// cmd/romble is a runnable program.
package hal

import "time"

// Clock provides timed delay and a tick-rate query. Delay suspends the
// calling goroutine for at least the given number of scheduler ticks;
// TickHz reports the tick frequency so callers can convert wall-clock
// durations to ticks (used by the serial-flash busy-poll's 1-tick
// inter-poll sleep and the parallel-flash driver's settling delays).
type Clock interface {
	Delay(ticks uint32)
	TickHz() uint32

	// DelayNanoseconds waits for at least ns nanoseconds. The
	// parallel-flash driver's pin-level timing is specified in
	// nanoseconds, far finer than a scheduler tick; this is kept as a
	// separate method rather than forcing ticks down to nanosecond
	// granularity everywhere else.
	DelayNanoseconds(ns uint32)
}

// CriticalSection brackets a region where preemption and interfering
// interrupts must be held off. Re-entrant pairs are not required. Scope
// must never span a Clock.Delay call, a SerialLine operation, or a
// callback invocation.
type CriticalSection interface {
	Enter()
	Exit()
}

// SerialLine is the blocking, byte-oriented transport the console and the
// YMODEM receiver use to talk to the host. Each call carries its own
// timeout; a timed-out read returns romstatus.ErrBusTimeout.
type SerialLine interface {
	ReadByte(timeout time.Duration) (byte, error)
	WriteByte(b byte) error
	Write(p []byte) error
}

// SPIBus is the four-wire synchronous bus the serial-flash driver drives.
// AssertChipSelect/ReleaseChipSelect bracket a transaction; Transfer clocks
// len(tx) bytes out while simultaneously capturing len(tx) bytes into rx
// (rx may be nil when the caller only cares about what was sent, tx may be
// all zeroes when the caller only cares about what comes back — the same
// full-duplex contract periph.io/x/conn/v3/spi.Conn exposes).
type SPIBus interface {
	AssertChipSelect() error
	ReleaseChipSelect() error
	Transfer(tx, rx []byte) error
}

// GPIOBank is the parallel-flash driver's view of the two physical GPIO
// ports its 18 address lines, 8 data lines and 3 control lines are
// scattered across. SetDirection switches a single pin between push-pull
// output and input-with-pull-up; SetBits/ClearBits perform a
// single-instruction-per-port address fan-out, modeled on the bcm283x
// GPSET/GPCLR register pair.
type GPIOBank interface {
	SetDirection(pin int, output bool) error
	Out(pin int, level bool) error
	In(pin int) (bool, error)
	SetBits(port int, mask uint32) error
	ClearBits(port int, mask uint32) error
}
