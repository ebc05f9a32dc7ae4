package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebje/romble/pkg/parflash"
	"github.com/codebje/romble/pkg/romstatus"
	"github.com/codebje/romble/pkg/serialflash"
)

// -- serial-flash fakes -------------------------------------------------

type fakeClock struct{}

func (f *fakeClock) Delay(ticks uint32)         {}
func (f *fakeClock) TickHz() uint32             { return 1000 }
func (f *fakeClock) DelayNanoseconds(ns uint32) {}

// fakeBus is a minimal W25Q-family simulator: it tracks every erase/program
// command issued so a test can assert the granularity sequence an upload
// chose, without caring about busy-poll timing.
type fakeBus struct {
	memory       [1 << 20]byte
	csAsserted   bool
	manufacturer byte
	deviceID     uint16

	erases   []erase
	programs []program
}

type erase struct {
	address uint32
	size    uint32
}

type program struct {
	address uint32
	length  int
}

func newFakeBus() *fakeBus {
	b := &fakeBus{manufacturer: 0xEF, deviceID: 0x4016}
	for i := range b.memory {
		b.memory[i] = 0xFF
	}
	return b
}

func (b *fakeBus) AssertChipSelect() error  { b.csAsserted = true; return nil }
func (b *fakeBus) ReleaseChipSelect() error { b.csAsserted = false; return nil }

func (b *fakeBus) Transfer(tx, rx []byte) error {
	if len(tx) == 0 {
		return nil
	}
	switch tx[0] {
	case 0x9F: // JEDEC ID
		rx[1] = b.manufacturer
		rx[2] = byte(b.deviceID >> 8)
		rx[3] = byte(b.deviceID)
	case 0x05: // read status, never busy
		rx[1] = 0
	case 0x06: // write enable
	case 0x02: // page program
		address := uint32(tx[1])<<16 | uint32(tx[2])<<8 | uint32(tx[3])
		copy(b.memory[address:], tx[4:])
		b.programs = append(b.programs, program{address: address, length: len(tx) - 4})
	case 0x20, 0x52, 0xD8: // erase 4K/32K/64K
		address := uint32(tx[1])<<16 | uint32(tx[2])<<8 | uint32(tx[3])
		size := uint32(4 << 10)
		if tx[0] == 0x52 {
			size = 32 << 10
		} else if tx[0] == 0xD8 {
			size = 64 << 10
		}
		for i := uint32(0); i < size; i++ {
			b.memory[address+i] = 0xFF
		}
		b.erases = append(b.erases, erase{address: address, size: size})
	}
	return nil
}

// -- parallel-flash fakes ------------------------------------------------

type fakeCrit struct{}

func (c *fakeCrit) Enter() {}
func (c *fakeCrit) Exit()  {}

// fakeBank is a 2-port GPIO register file with a byte-addressable memory
// array that reacts to the unlock/command sequences the parallel-flash
// driver issues.
type fakeBank struct {
	portBits   [2]uint32
	directions map[int]bool
	memory     map[uint32]byte

	unlockState int
	pendingCmd  byte

	eraseCalls   []uint32
	programCalls []uint32
}

func newFakeBank() *fakeBank {
	return &fakeBank{directions: make(map[int]bool), memory: make(map[uint32]byte)}
}

func (b *fakeBank) read(address uint32) byte {
	v, ok := b.memory[address]
	if !ok {
		return 0xFF
	}
	return v
}

func (b *fakeBank) bitValue(port, bit int) bool {
	return b.portBits[port]&(uint32(1)<<uint(bit)) != 0
}

func (b *fakeBank) SetDirection(pin int, output bool) error {
	b.directions[pin] = output
	return nil
}

func (b *fakeBank) Out(pin int, level bool) error {
	port, bit := pin/32, pin%32
	if level {
		b.portBits[port] |= uint32(1) << uint(bit)
	} else {
		b.portBits[port] &^= uint32(1) << uint(bit)
	}
	return nil
}

func (b *fakeBank) In(pin int) (bool, error) {
	port, bit := pin/32, pin%32
	return b.bitValue(port, bit), nil
}

func (b *fakeBank) SetBits(port int, mask uint32) error   { b.portBits[port] |= mask; return nil }
func (b *fakeBank) ClearBits(port int, mask uint32) error { b.portBits[port] &^= mask; return nil }

func testParallelWiring() parflash.Wiring {
	var w parflash.Wiring
	for i := 0; i < 18; i++ {
		w.Address[i] = parflash.PinRef{Port: 0, Bit: i}
	}
	for i := 0; i < 8; i++ {
		w.Data[i] = parflash.PinRef{Port: 0, Bit: 18 + i}
	}
	w.CE = parflash.PinRef{Port: 1, Bit: 0}
	w.OE = parflash.PinRef{Port: 1, Bit: 1}
	w.WE = parflash.PinRef{Port: 1, Bit: 2}
	return w
}

func addressFromBits(bank *fakeBank, w parflash.Wiring) uint32 {
	var addr uint32
	for i, pin := range w.Address {
		if bank.bitValue(pin.Port, pin.Bit) {
			addr |= 1 << uint(i)
		}
	}
	return addr
}

func dataFromBits(bank *fakeBank, w parflash.Wiring) byte {
	var v byte
	for i, pin := range w.Data {
		if bank.bitValue(pin.Port, pin.Bit) {
			v |= 1 << uint(i)
		}
	}
	return v
}

const sectorSize = 4096

// reactiveBank drives the unlock-sequence and memory side-effects a real
// chip would produce as soon as the driver strobes WE or OE, so the
// toggle-bit completion poll always sees the new state on its first read.
type reactiveBank struct {
	*fakeBank
	wiring parflash.Wiring
}

func (r *reactiveBank) Out(pin int, level bool) error {
	if err := r.fakeBank.Out(pin, level); err != nil {
		return err
	}
	port, bit := pin/32, pin%32
	if port == r.wiring.WE.Port && bit == r.wiring.WE.Bit {
		ceLow := !r.bitValue(r.wiring.CE.Port, r.wiring.CE.Bit)
		if ceLow && !level {
			r.onWriteStrobe()
		}
	}
	return nil
}

func (r *reactiveBank) onWriteStrobe() {
	address := addressFromBits(r.fakeBank, r.wiring)
	value := dataFromBits(r.fakeBank, r.wiring)

	switch r.unlockState {
	case 0:
		if address == 0x5555 && value == 0xAA {
			r.unlockState = 1
		}
	case 1:
		if address == 0x2AAA && value == 0x55 {
			r.unlockState = 2
		} else {
			r.unlockState = 0
		}
	case 2:
		switch {
		case address == 0x5555 && value == 0xA0:
			r.pendingCmd = 0xA0
			r.unlockState = 3
		case address == 0x5555 && value == 0x80:
			r.pendingCmd = 0x80
			r.unlockState = 4
		default:
			r.unlockState = 0
		}
	case 3:
		r.memory[address] = value
		r.programCalls = append(r.programCalls, address)
		r.unlockState = 0
	case 4:
		if address == 0x5555 && value == 0xAA {
			r.unlockState = 5
		} else {
			r.unlockState = 0
		}
	case 5:
		if address == 0x2AAA && value == 0x55 {
			r.unlockState = 6
		} else {
			r.unlockState = 0
		}
	case 6:
		if value == 0x30 {
			base := address &^ uint32(sectorSize-1)
			for i := uint32(0); i < sectorSize; i++ {
				r.memory[base+i] = 0xFF
			}
			r.eraseCalls = append(r.eraseCalls, base)
		} else if value == 0x10 {
			r.memory = make(map[uint32]byte)
			r.eraseCalls = append(r.eraseCalls, 0)
		}
		r.unlockState = 0
	}
}

func (r *reactiveBank) In(pin int) (bool, error) {
	port, bit := pin/32, pin%32
	for i, p := range r.wiring.Data {
		if p.Port == port && p.Bit == bit {
			oeLow := !r.bitValue(r.wiring.OE.Port, r.wiring.OE.Bit)
			ceLow := !r.bitValue(r.wiring.CE.Port, r.wiring.CE.Bit)
			if oeLow && ceLow {
				address := addressFromBits(r.fakeBank, r.wiring)
				value := r.read(address)
				return value&(1<<uint(i)) != 0, nil
			}
		}
	}
	return r.fakeBank.In(pin)
}

func newParallelDriver() (*parflash.Driver, *reactiveBank) {
	wiring := testParallelWiring()
	bank := &reactiveBank{fakeBank: newFakeBank(), wiring: wiring}
	return parflash.New(bank, &fakeClock{}, &fakeCrit{}, wiring, 0), bank
}

// -- tests ----------------------------------------------------------------

// TestSerialFlashUploadErasesLargestGranularityFirst reproduces a 70KB
// serial-flash upload: the 64K block at 0 gets erased on the first write,
// then the cursor crosses into a region where only 4K erases remain
// (70KB = 64K + 6KB, 6KB needs two 4K erases since 6144 > 4096).
func TestSerialFlashUploadErasesLargestGranularityFirst(t *testing.T) {
	bus := newFakeBus()
	driver := serialflash.New(bus, &fakeClock{}, 0)
	sink := NewSerialFlashSink(driver, Indicator{})

	const fileSize = 70 * 1024
	require.True(t, sink.Open("image.bin", fileSize))

	packet := make([]byte, 1024)
	written := 0
	for written < fileSize {
		n := len(packet)
		if fileSize-written < n {
			n = fileSize - written
		}
		require.True(t, sink.Write(packet[:n]))
		written += n
	}
	sink.Close(romstatus.OK)

	require.Len(t, bus.erases, 3)
	assert.EqualValues(t, 0, bus.erases[0].address)
	assert.EqualValues(t, 64*1024, bus.erases[0].size)
	assert.EqualValues(t, 64*1024, bus.erases[1].address)
	assert.EqualValues(t, 4*1024, bus.erases[1].size)
	assert.EqualValues(t, 64*1024+4*1024, bus.erases[2].address)
	assert.EqualValues(t, 4*1024, bus.erases[2].size)
	assert.EqualValues(t, 64*1024+2*4*1024, sink.erased)
}

// TestSerialFlashUploadRejectsUnknownIdentity reproduces the identity-gate
// in Open: a JEDEC ID other than the expected Winbond part must reject the
// upload outright.
func TestSerialFlashUploadRejectsUnknownIdentity(t *testing.T) {
	bus := newFakeBus()
	bus.manufacturer = 0x01
	driver := serialflash.New(bus, &fakeClock{}, 0)
	sink := NewSerialFlashSink(driver, Indicator{})

	assert.False(t, sink.Open("image.bin", 1024))
}

// TestParallelFlashUploadErasesOnBoundaryAndCrossing reproduces a 6KB
// parallel-flash upload delivered as 1000-byte packets: the first packet
// erases sector 0 (cursor starts on a boundary), and the packet whose range
// straddles 0x1000 (bytes 4000-4999) erases sector 1 before programming.
func TestParallelFlashUploadErasesOnBoundaryAndCrossing(t *testing.T) {
	driver, bank := newParallelDriver()
	sink := NewParallelFlashSink(driver, Indicator{})

	const fileSize = 6 * 1024
	require.True(t, sink.Open("image.bin", fileSize))

	packet := make([]byte, 1000)
	for i := range packet {
		packet[i] = 0x42
	}
	written := 0
	for written < fileSize {
		n := len(packet)
		if fileSize-written < n {
			n = fileSize - written
		}
		require.True(t, sink.Write(packet[:n]))
		written += n
	}
	sink.Close(romstatus.OK)

	require.GreaterOrEqual(t, len(bank.eraseCalls), 2)
	assert.EqualValues(t, 0, bank.eraseCalls[0])
	assert.EqualValues(t, 0x1000, bank.eraseCalls[1])

	for i := 0; i < fileSize; i++ {
		assert.EqualValues(t, 0x42, bank.read(uint32(i)), "byte %d", i)
	}
}

// TestParallelFlashUploadNeverErasesMidSector checks that a packet entirely
// inside a sector, away from any boundary, triggers no erase call.
func TestParallelFlashUploadNeverErasesMidSector(t *testing.T) {
	driver, bank := newParallelDriver()
	sink := NewParallelFlashSink(driver, Indicator{})

	require.True(t, sink.Open("image.bin", 4096))
	require.True(t, sink.Write(make([]byte, 128))) // erases sector 0
	require.Len(t, bank.eraseCalls, 1)

	require.True(t, sink.Write(make([]byte, 128))) // mid-sector, no erase
	assert.Len(t, bank.eraseCalls, 1)
}
