// Package periphbus backs hal.SPIBus and hal.GPIOBank with
// periph.io/x/conn/v3 and periph.io/x/host/v3 for Linux hardware access.
// SetBits/ClearBits are named after the bcm283x GPSET/GPCLR register pair
// even though the portable gpio.PinIO contract only offers per-pin writes.
package periphbus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Init registers the host's periph.io drivers. Call once, at process
// startup, before opening any bus.
func Init() error {
	_, err := host.Init()
	return err
}

// SPI backs hal.SPIBus with a periph.io SPI port and a dedicated
// chip-select GPIO — the serial-flash device's CS is driven as a plain GPIO
// rather than the SPI controller's native CS line, so every transaction
// explicitly brackets CS itself.
type SPI struct {
	conn spi.Conn
	cs   gpio.PinIO
}

// OpenSPI opens busName (e.g. "/dev/spidev0.0") at the given clock speed and
// binds csPinName as the chip-select GPIO, left released (high) initially.
func OpenSPI(busName, csPinName string, speed physic.Frequency) (*SPI, error) {
	port, err := spireg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("hal/periphbus: open spi bus %q: %w", busName, err)
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("hal/periphbus: connect spi bus %q: %w", busName, err)
	}
	cs := gpioreg.ByName(csPinName)
	if cs == nil {
		return nil, fmt.Errorf("hal/periphbus: unknown chip-select pin %q", csPinName)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("hal/periphbus: release chip-select %q: %w", csPinName, err)
	}
	return &SPI{conn: conn, cs: cs}, nil
}

func (s *SPI) AssertChipSelect() error {
	return s.cs.Out(gpio.Low)
}

func (s *SPI) ReleaseChipSelect() error {
	return s.cs.Out(gpio.High)
}

func (s *SPI) Transfer(tx, rx []byte) error {
	return s.conn.Tx(tx, rx)
}

// PinID encodes a (port, bit) pair from the parallel-flash wiring table
// into the single integer hal.GPIOBank.{Out,In,SetDirection} expect.
func PinID(port, bit int) int {
	return port*32 + bit
}

// Bank backs hal.GPIOBank with a fixed set of named periph.io pins, one per
// (port, bit) the parallel-flash wiring table references.
type Bank struct {
	pins map[int]gpio.PinIO
}

// OpenBank resolves every pin name in names (keyed by PinID) to a periph.io
// PinIO, failing fast if any name is not a pin periph.io's GPIO registry
// knows about.
func OpenBank(names map[int]string) (*Bank, error) {
	pins := make(map[int]gpio.PinIO, len(names))
	for id, name := range names {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("hal/periphbus: unknown gpio pin %q", name)
		}
		pins[id] = p
	}
	return &Bank{pins: pins}, nil
}

func (b *Bank) pin(id int) (gpio.PinIO, error) {
	p, ok := b.pins[id]
	if !ok {
		return nil, fmt.Errorf("hal/periphbus: pin id %d not wired", id)
	}
	return p, nil
}

func (b *Bank) SetDirection(pinID int, output bool) error {
	p, err := b.pin(pinID)
	if err != nil {
		return err
	}
	if output {
		return p.Out(gpio.Low)
	}
	return p.In(gpio.PullUp, gpio.NoEdge)
}

func (b *Bank) Out(pinID int, level bool) error {
	p, err := b.pin(pinID)
	if err != nil {
		return err
	}
	l := gpio.Low
	if level {
		l = gpio.High
	}
	return p.Out(l)
}

func (b *Bank) In(pinID int) (bool, error) {
	p, err := b.pin(pinID)
	if err != nil {
		return false, err
	}
	return p.Read() == gpio.High, nil
}

// SetBits drives every bit set in mask high on the given port, one pin
// write per set bit. A true bcm283x backend would issue this as a single
// GPSET register write; periph.io's portable gpio.PinIO contract only
// exposes per-pin Out, so this is the portable (if slower) equivalent.
func (b *Bank) SetBits(port int, mask uint32) error {
	return b.writeMask(port, mask, true)
}

// ClearBits is SetBits' complement, driving every bit set in mask low.
func (b *Bank) ClearBits(port int, mask uint32) error {
	return b.writeMask(port, mask, false)
}

func (b *Bank) writeMask(port int, mask uint32, level bool) error {
	for bit := 0; bit < 32; bit++ {
		if mask&(uint32(1)<<uint(bit)) == 0 {
			continue
		}
		if err := b.Out(PinID(port, bit), level); err != nil {
			return err
		}
	}
	return nil
}
