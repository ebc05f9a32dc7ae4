// Package serialflash drives a four-wire synchronous-bus serial NOR flash:
// JEDEC-ID read, three erase granularities, auto-chunked page program,
// 256-aligned page read, and BUSY-bit polling.
//
// Grounded on other_examples/a99a3f3c_gentam-gice's flash.go — the
// chip-select bracketing, the status-register bit accessor shape, and the
// Erase helper are all modeled on that file's Flash type — generalized from
// periph.io's spi.Conn to this repo's hal.SPIBus contract.
package serialflash

import (
	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/romstatus"
)

// Wire opcodes for the supported command set.
const (
	opJEDECID       = 0x9F
	opReadStatus    = 0x05
	opWriteEnable   = 0x06
	opPageProgram   = 0x02
	opFastRead      = 0x0B
	opErase4K       = 0x20
	opErase32K      = 0x52
	opErase64K      = 0xD8
)

// EraseKind selects one of the device's three erase granularities.
type EraseKind int

const (
	Erase4K EraseKind = iota
	Erase32K
	Erase64K
)

const (
	pageSize = 256

	// busyPollTicks is the sleep, in clock ticks, between successive
	// status-register polls while BUSY has not yet cleared.
	busyPollTicks = 1

	// busyTimeoutTicksDefault bounds the busy-poll loop to 3 seconds.
	busyTimeoutTicksDefault = 3000
)

// statusRegister wraps the raw status byte. The write-in-progress bit sits
// at bit 0, matching the real Winbond W25Q32 (manufacturer 0xEF, device
// 0x4016 — the exact ID the upload orchestrator checks for); see DESIGN.md's
// Open Question entry on this.
type statusRegister byte

func (s statusRegister) busy() bool { return s&0x01 != 0 }

// Driver drives one serial-flash device over a hal.SPIBus.
type Driver struct {
	bus              hal.SPIBus
	clock            hal.Clock
	busyTimeoutTicks uint32
	log              *log.Entry
}

// New returns a Driver bound to bus, using clock for the busy-poll sleep
// and timeout. busyTimeoutMillis overrides the default 3-second busy-poll
// bound with a board-specific value; 0 keeps the built-in default.
func New(bus hal.SPIBus, clock hal.Clock, busyTimeoutMillis int) *Driver {
	ticks := uint32(busyTimeoutTicksDefault)
	if busyTimeoutMillis > 0 {
		ticks = uint32(busyTimeoutMillis) * clock.TickHz() / 1000
	}
	return &Driver{
		bus:              bus,
		clock:            clock,
		busyTimeoutTicks: ticks,
		log:              log.WithField("driver", "serialflash"),
	}
}

// transact brackets tx (and its trailing bytes, if any) with chip-select
// assert/release.
func (d *Driver) transact(tx []byte, rx []byte) error {
	if err := d.bus.AssertChipSelect(); err != nil {
		return romstatus.ErrBusError
	}
	err := d.bus.Transfer(tx, rx)
	relErr := d.bus.ReleaseChipSelect()
	if err != nil {
		return romstatus.ErrBusError
	}
	if relErr != nil {
		return romstatus.ErrBusError
	}
	return nil
}

// ReadJEDECID issues 0x9F and returns the manufacturer byte and 16-bit
// device id.
func (d *Driver) ReadJEDECID() (manufacturer byte, deviceID uint16, err error) {
	tx := []byte{opJEDECID, 0, 0, 0}
	rx := make([]byte, len(tx))
	if err := d.transact(tx, rx); err != nil {
		return 0, 0, err
	}
	manufacturer = rx[1]
	deviceID = uint16(rx[2])<<8 | uint16(rx[3])
	return manufacturer, deviceID, nil
}

func (d *Driver) writeEnable() error {
	return d.transact([]byte{opWriteEnable}, nil)
}

func (d *Driver) readStatus() (statusRegister, error) {
	tx := []byte{opReadStatus, 0}
	rx := make([]byte, 2)
	if err := d.transact(tx, rx); err != nil {
		return 0, err
	}
	return statusRegister(rx[1]), nil
}

// waitBusy polls the status register until BUSY clears or d.busyTimeoutTicks
// elapses.
func (d *Driver) waitBusy() error {
	for tick := uint32(0); tick < d.busyTimeoutTicks; tick += busyPollTicks {
		sr, err := d.readStatus()
		if err != nil {
			return err
		}
		if !sr.busy() {
			return nil
		}
		d.clock.Delay(busyPollTicks)
	}
	return romstatus.ErrBusTimeout
}

// checkReady reads the status register and rejects a new command while
// BUSY is still set, rather than issuing write-enable into a device that's
// mid-operation. The caller must have completed any prior erase or program
// (via waitBusy) before starting another; this only catches the case where
// it didn't.
func (d *Driver) checkReady() error {
	sr, err := d.readStatus()
	if err != nil {
		return err
	}
	if sr.busy() {
		return romstatus.ErrBusBusy
	}
	return nil
}

// eraseOpcode returns the wire opcode for kind, or an error for anything
// else; an invalid kind is rejected without touching the bus.
func eraseOpcode(kind EraseKind) (byte, error) {
	switch kind {
	case Erase4K:
		return opErase4K, nil
	case Erase32K:
		return opErase32K, nil
	case Erase64K:
		return opErase64K, nil
	default:
		return 0, romstatus.ErrInvalidArgument
	}
}

// Erase erases the granularity at address. address is sent MSB-first as a
// 24-bit value.
func (d *Driver) Erase(address uint32, kind EraseKind) error {
	opcode, err := eraseOpcode(kind)
	if err != nil {
		return err
	}
	if err := d.checkReady(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	tx := []byte{opcode, byte(address >> 16), byte(address >> 8), byte(address)}
	d.log.WithFields(log.Fields{"address": address, "kind": kind}).Debug("erase")
	if err := d.transact(tx, nil); err != nil {
		return err
	}
	return d.waitBusy()
}

// Program writes data at address, auto-chunking into at most 256-byte runs
// aligned to the device's page boundary. Each run gets its own
// write-enable and its own command+address frame.
func (d *Driver) Program(address uint32, data []byte) error {
	offset := 0
	for offset < len(data) {
		pageOffset := int(address) % pageSize
		runLen := pageSize - pageOffset
		if remaining := len(data) - offset; runLen > remaining {
			runLen = remaining
		}
		if err := d.programRun(address, data[offset:offset+runLen]); err != nil {
			return err
		}
		address += uint32(runLen)
		offset += runLen
	}
	return nil
}

func (d *Driver) programRun(address uint32, run []byte) error {
	if err := d.checkReady(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	tx := make([]byte, 4+len(run))
	tx[0] = opPageProgram
	tx[1] = byte(address >> 16)
	tx[2] = byte(address >> 8)
	tx[3] = byte(address)
	copy(tx[4:], run)
	if err := d.transact(tx, nil); err != nil {
		return err
	}
	return d.waitBusy()
}

// ReadPage reads exactly 256 bytes starting at address, which must be
// 256-aligned. Uses the fast-read opcode with its one dummy byte after the
// address.
func (d *Driver) ReadPage(address uint32, out *[256]byte) error {
	if address%pageSize != 0 {
		return romstatus.ErrAlignment
	}
	tx := make([]byte, 5+pageSize)
	tx[0] = opFastRead
	tx[1] = byte(address >> 16)
	tx[2] = byte(address >> 8)
	tx[3] = byte(address)
	// tx[4] is the dummy byte.
	rx := make([]byte, len(tx))
	if err := d.transact(tx, rx); err != nil {
		return err
	}
	copy(out[:], rx[5:])
	return nil
}
