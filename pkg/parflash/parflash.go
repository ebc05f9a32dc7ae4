// Package parflash drives a parallel NOR flash directly through
// general-purpose I/O lines with strict nanosecond timing: software unlock
// sequences, per-byte toggle/bit-7-polarity completion polling,
// bidirectional data-bus direction switches, and a non-contiguous 18-bit
// address fan-out across two physical GPIO ports.
//
// Grounded on hal.GPIOBank (itself modeled on periph.io/x/conn/v3/gpio.PinIO
// and the bcm283x GPSET/GPCLR register pair from
// other_examples/e8e2c9a5_google-periph's host-bcm283x-dma.go) and on a
// critical-section-scoped, state-transition-bracketed style consistent with
// the rest of this module's hardware drivers.
package parflash

import (
	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/romstatus"
)

// Unlock-cycle opcodes and command bytes.
const (
	unlockFirstAddr  = 0x5555
	unlockSecondAddr = 0x2AAA
	unlockFirstByte  = 0xAA
	unlockSecondByte = 0x55

	cmdEnterSoftwareID = 0x90
	cmdExitSoftwareID  = 0xF0
	cmdErasePrelude    = 0x80
	cmdByteProgram     = 0xA0
	cmdSectorErase     = 0x30
	cmdChipErase       = 0x10
)

// Completion-poll bounds.
const (
	sectorErasePollBound = 625_000
	chipErasePollBound   = 2_500_000
	byteProgramPollBound = 2_000

	sectorSize = 4096
)

// EraseKind selects a sector erase or a whole-chip erase.
type EraseKind int

const (
	EraseSector EraseKind = iota
	EraseChip
)

// PinRef identifies one physical pin as a (port, bit) pair, matching the
// non-contiguous hardware wiring the device uses. Port is a logical index
// (0 or 1); Bit is the bit position within that port's register.
type PinRef struct {
	Port int
	Bit  int
}

// pinID folds a PinRef into the single integer hal.GPIOBank's per-pin
// methods expect, using the same port*32+bit convention as
// hal/periphbus.PinID so a Wiring's PinRefs can be resolved against a real
// periphbus.Bank without translation.
func pinID(p PinRef) int {
	return p.Port*32 + p.Bit
}

// Wiring is the fixed, compile-time mapping from the device's 18 address
// lines, 8 data lines, and 3 control lines to physical pins. Only the pin
// names themselves (which board, which GPIO) come from pkg/boardconfig.
type Wiring struct {
	Address [18]PinRef
	Data    [8]PinRef
	CE      PinRef
	OE      PinRef
	WE      PinRef
}

// Driver drives one parallel-flash device over a hal.GPIOBank.
type Driver struct {
	gpio   hal.GPIOBank
	clock  hal.Clock
	crit   hal.CriticalSection
	wiring Wiring
	log    *log.Entry

	byteProgramPollBound int
	sectorErasePollBound int
	chipErasePollBound   int
}

// New returns a Driver bound to gpio, using clock for pin-level timing and
// crit to bracket unlock sequences and program writes. togglePollBound
// overrides the byte-program completion-poll bound with a board-specific
// value, scaling the sector- and chip-erase bounds by the same factor; 0
// keeps the built-in defaults.
func New(gpio hal.GPIOBank, clock hal.Clock, crit hal.CriticalSection, wiring Wiring, togglePollBound int) *Driver {
	byteBound := byteProgramPollBound
	sectorBound := sectorErasePollBound
	chipBound := chipErasePollBound
	if togglePollBound > 0 {
		byteBound = togglePollBound
		sectorBound = sectorErasePollBound / byteProgramPollBound * togglePollBound
		chipBound = chipErasePollBound / byteProgramPollBound * togglePollBound
	}
	return &Driver{
		gpio:   gpio,
		clock:  clock,
		crit:   crit,
		wiring: wiring,
		log:    log.WithField("driver", "parflash"),

		byteProgramPollBound: byteBound,
		sectorErasePollBound: sectorBound,
		chipErasePollBound:   chipBound,
	}
}

func (d *Driver) critical(fn func() error) error {
	d.crit.Enter()
	defer d.crit.Exit()
	return fn()
}

// deassertControlLines drives CE, OE and WE high (inactive), required
// before any data-bus direction change.
func (d *Driver) deassertControlLines() error {
	for _, pin := range [...]PinRef{d.wiring.CE, d.wiring.OE, d.wiring.WE} {
		if err := d.gpio.Out(pinID(pin), true); err != nil {
			return romstatus.ErrBusError
		}
	}
	return nil
}

// setDataDirection switches the 8 data pins between push-pull output and
// input-with-pull-up, preceded by deasserting the control lines and a
// one-tick settling delay.
func (d *Driver) setDataDirection(output bool) error {
	if err := d.deassertControlLines(); err != nil {
		return err
	}
	d.clock.Delay(1)
	for _, pin := range d.wiring.Data {
		if err := d.gpio.SetDirection(pinID(pin), output); err != nil {
			return romstatus.ErrBusError
		}
	}
	return nil
}

// withOutput runs fn with the data bus in output mode, then always leaves
// the bus in input mode before returning — every public operation must
// leave the bus in input mode on return.
func (d *Driver) withOutput(fn func() error) error {
	if err := d.setDataDirection(true); err != nil {
		return err
	}
	err := fn()
	if dirErr := d.setDataDirection(false); dirErr != nil && err == nil {
		err = dirErr
	}
	return err
}

// driveBits writes a logical value across however many physical ports a
// PinRef table spans, using one SetBits/ClearBits call per port.
func (d *Driver) driveBits(pins []PinRef, value uint32) error {
	var setMask, clearMask [2]uint32
	for i, pin := range pins {
		if value&(uint32(1)<<uint(i)) != 0 {
			setMask[pin.Port] |= uint32(1) << uint(pin.Bit)
		} else {
			clearMask[pin.Port] |= uint32(1) << uint(pin.Bit)
		}
	}
	for port := 0; port < 2; port++ {
		if setMask[port] != 0 {
			if err := d.gpio.SetBits(port, setMask[port]); err != nil {
				return romstatus.ErrBusError
			}
		}
		if clearMask[port] != 0 {
			if err := d.gpio.ClearBits(port, clearMask[port]); err != nil {
				return romstatus.ErrBusError
			}
		}
	}
	return nil
}

func (d *Driver) driveAddress(address uint32) error {
	return d.driveBits(d.wiring.Address[:], address)
}

func (d *Driver) driveData(value byte) error {
	return d.driveBits(d.wiring.Data[:], uint32(value))
}

func (d *Driver) readData() (byte, error) {
	var value byte
	for i, pin := range d.wiring.Data {
		level, err := d.gpio.In(pinID(pin))
		if err != nil {
			return 0, romstatus.ErrBusError
		}
		if level {
			value |= 1 << uint(i)
		}
	}
	return value, nil
}

// writeCycle performs one write cycle: drive address, drive data, lower CE,
// lower WE, wait >=40ns, raise WE, raise CE, wait >=30ns.
func (d *Driver) writeCycle(address uint32, value byte) error {
	if err := d.driveAddress(address); err != nil {
		return err
	}
	if err := d.driveData(value); err != nil {
		return err
	}
	if err := d.gpio.Out(pinID(d.wiring.CE), false); err != nil {
		return romstatus.ErrBusError
	}
	if err := d.gpio.Out(pinID(d.wiring.WE), false); err != nil {
		return romstatus.ErrBusError
	}
	d.clock.DelayNanoseconds(40)
	if err := d.gpio.Out(pinID(d.wiring.WE), true); err != nil {
		return romstatus.ErrBusError
	}
	if err := d.gpio.Out(pinID(d.wiring.CE), true); err != nil {
		return romstatus.ErrBusError
	}
	d.clock.DelayNanoseconds(30)
	return nil
}

// readCycle performs one read cycle: drive address, lower CE, lower OE,
// wait >=60ns, sample data, raise OE, raise CE.
func (d *Driver) readCycle(address uint32) (byte, error) {
	if err := d.driveAddress(address); err != nil {
		return 0, err
	}
	if err := d.gpio.Out(pinID(d.wiring.CE), false); err != nil {
		return 0, romstatus.ErrBusError
	}
	if err := d.gpio.Out(pinID(d.wiring.OE), false); err != nil {
		return 0, romstatus.ErrBusError
	}
	d.clock.DelayNanoseconds(60)
	value, err := d.readData()
	if releaseErr := d.gpio.Out(pinID(d.wiring.OE), true); releaseErr != nil && err == nil {
		err = romstatus.ErrBusError
	}
	if releaseErr := d.gpio.Out(pinID(d.wiring.CE), true); releaseErr != nil && err == nil {
		err = romstatus.ErrBusError
	}
	return value, err
}

// unlockSequence is the three-write unlock-plus-command prelude common to
// every command: write 0xAA -> 0x5555, write 0x55 -> 0x2AAA, write
// <command> -> 0x5555.
func (d *Driver) unlockSequence(command byte) error {
	if err := d.writeCycle(unlockFirstAddr, unlockFirstByte); err != nil {
		return err
	}
	if err := d.writeCycle(unlockSecondAddr, unlockSecondByte); err != nil {
		return err
	}
	return d.writeCycle(unlockFirstAddr, command)
}

// unlockPrefix is the two-write AA/55 prelude that starts the erase
// command's second unlock, without the third write (that write is the
// caller's trailing data byte — address+value for an erase).
func (d *Driver) unlockPrefix() error {
	if err := d.writeCycle(unlockFirstAddr, unlockFirstByte); err != nil {
		return err
	}
	return d.writeCycle(unlockSecondAddr, unlockSecondByte)
}

// pollCompletion polls address via read cycles until its bit 7 matches
// expected's bit 7 (the toggle/bit-7-polarity convention), up to maxReads
// times, then checks once more to disambiguate loop exhaustion from a
// completion that landed exactly on the last iteration.
func (d *Driver) pollCompletion(address uint32, expected byte, maxReads int) error {
	const bit7 = 0x80
	for i := 0; i < maxReads; i++ {
		value, err := d.readCycle(address)
		if err != nil {
			return err
		}
		if value&bit7 == expected&bit7 {
			return nil
		}
	}
	value, err := d.readCycle(address)
	if err != nil {
		return err
	}
	if value&bit7 == expected&bit7 {
		return nil
	}
	return romstatus.ErrBusTimeout
}

// ReadID enters software-ID mode, reads the manufacturer and device bytes
// from addresses 0 and 1, then exits software-ID mode.
func (d *Driver) ReadID() (manufacturer, device byte, err error) {
	err = d.withOutput(func() error {
		return d.critical(func() error { return d.unlockSequence(cmdEnterSoftwareID) })
	})
	if err != nil {
		return 0, 0, err
	}
	manufacturer, err = d.readCycle(0)
	if err != nil {
		return 0, 0, err
	}
	device, err = d.readCycle(1)
	if err != nil {
		return 0, 0, err
	}
	err = d.withOutput(func() error {
		return d.critical(func() error { return d.unlockSequence(cmdExitSoftwareID) })
	})
	return manufacturer, device, err
}

// Erase performs a sector (4K) or whole-chip erase. For EraseSector,
// address is the sector's base address; for EraseChip it is ignored.
func (d *Driver) Erase(address uint32, kind EraseKind) error {
	finalAddr, finalValue, pollAddr, bound := uint32(unlockFirstAddr), byte(cmdChipErase), uint32(0), d.chipErasePollBound
	switch kind {
	case EraseSector:
		finalAddr, finalValue, pollAddr, bound = address, cmdSectorErase, address, d.sectorErasePollBound
	case EraseChip:
		// defaults above already describe chip erase
	default:
		return romstatus.ErrInvalidArgument
	}

	d.log.WithFields(log.Fields{"address": address, "kind": kind}).Debug("erase")

	err := d.withOutput(func() error {
		if err := d.critical(func() error { return d.unlockSequence(cmdErasePrelude) }); err != nil {
			return err
		}
		return d.critical(func() error {
			if err := d.unlockPrefix(); err != nil {
				return err
			}
			return d.writeCycle(finalAddr, finalValue)
		})
	})
	if err != nil {
		return err
	}
	return d.pollCompletion(pollAddr, 0xFF, bound)
}

// Program writes data one byte per memory cycle starting at address.
func (d *Driver) Program(address uint32, data []byte) error {
	for i, value := range data {
		if err := d.programByte(address+uint32(i), value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) programByte(address uint32, value byte) error {
	err := d.withOutput(func() error {
		return d.critical(func() error {
			if err := d.unlockSequence(cmdByteProgram); err != nil {
				return err
			}
			return d.writeCycle(address, value)
		})
	})
	if err != nil {
		return err
	}
	return d.pollCompletion(address, value, d.byteProgramPollBound)
}

// ReadSector reads a full 4096-byte sector starting at sectorBase.
func (d *Driver) ReadSector(sectorBase uint32, out *[sectorSize]byte) error {
	if err := d.setDataDirection(false); err != nil {
		return err
	}
	for i := range out {
		value, err := d.readCycle(sectorBase + uint32(i))
		if err != nil {
			return err
		}
		out[i] = value
	}
	return nil
}
