// Package upload implements the two ymodem.Sink orchestrators that couple
// the YMODEM receiver to a flash driver: the serial-flash variant with its
// largest-granularity-first erase policy, and the parallel-flash variant
// with its per-sector boundary-crossing erase trigger. Both are simple
// streaming consumers: cursor fields advanced per call, failures surfaced
// by returning false rather than panicking.
package upload

import (
	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/parflash"
	"github.com/codebje/romble/pkg/romstatus"
	"github.com/codebje/romble/pkg/serialflash"
)

// Expected JEDEC identity for the serial-flash device this appliance
// programs; an upload targeting any other chip is rejected in Open.
const (
	expectedManufacturer = 0xEF
	expectedDeviceID     = 0x4016
)

const parallelSectorSize = 4096

// Indicator drives the single boolean "busy" pin asserted high while an
// upload is in progress.
type Indicator struct {
	gpio hal.GPIOBank
	pin  int
}

// NewIndicator returns an Indicator driving pin on gpio.
func NewIndicator(gpio hal.GPIOBank, pin int) Indicator {
	return Indicator{gpio: gpio, pin: pin}
}

func (i Indicator) set(on bool) {
	if i.gpio == nil {
		return
	}
	if err := i.gpio.Out(i.pin, on); err != nil {
		log.WithError(err).Warn("upload: failed to drive busy indicator")
	}
}

// SerialFlashSink streams a YMODEM file into a serial NOR flash, erasing
// ahead of the write cursor using the largest granularity that still keeps
// every erase aligned.
type SerialFlashSink struct {
	driver    *serialflash.Driver
	indicator Indicator

	address  uint32
	erased   uint32
	filesize uint32

	log *log.Entry
}

// NewSerialFlashSink returns a Sink bound to driver.
func NewSerialFlashSink(driver *serialflash.Driver, indicator Indicator) *SerialFlashSink {
	return &SerialFlashSink{
		driver:    driver,
		indicator: indicator,
		log:       log.WithField("component", "upload/serialflash"),
	}
}

// Open rejects any device whose JEDEC identity doesn't match the one
// expected part, then resets the write cursor.
func (s *SerialFlashSink) Open(filename string, declaredSize uint32) bool {
	mfr, dev, err := s.driver.ReadJEDECID()
	if err != nil || mfr != expectedManufacturer || dev != expectedDeviceID {
		s.log.WithFields(log.Fields{"manufacturer": mfr, "device": dev, "err": err}).
			Warn("serial flash identity mismatch, rejecting upload")
		return false
	}
	s.address = 0
	s.erased = 0
	s.filesize = declaredSize
	s.indicator.set(true)
	s.log.WithField("filename", filename).Info("serial flash upload starting")
	return true
}

// Write erases ahead of the cursor when needed, then programs data at the
// current address.
func (s *SerialFlashSink) Write(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if s.erased <= s.address {
		if err := s.eraseAhead(len(data)); err != nil {
			s.log.WithError(err).Error("erase failed")
			return false
		}
	}
	if err := s.driver.Program(s.address, data); err != nil {
		s.log.WithError(err).Error("program failed")
		return false
	}
	s.address += uint32(len(data))
	return true
}

// eraseAhead picks the largest granularity that fits within what remains
// of the file (or, when the size is unknown, within packetLen), erases it
// at the current cursor, and advances erased by that amount. Because
// erased always starts at a multiple of 64K and only ever advances by
// 64K/32K/4K in that precedence, every erase stays aligned to its own
// granularity.
func (s *SerialFlashSink) eraseAhead(packetLen int) error {
	remaining := uint32(packetLen)
	if s.filesize > 0 && s.address < s.filesize {
		remaining = s.filesize - s.address
	}

	var kind serialflash.EraseKind
	var size uint32
	switch {
	case remaining > 64*1024:
		kind, size = serialflash.Erase64K, 64*1024
	case remaining > 32*1024:
		kind, size = serialflash.Erase32K, 32*1024
	default:
		kind, size = serialflash.Erase4K, 4*1024
	}

	if err := s.driver.Erase(s.address, kind); err != nil {
		return err
	}
	s.erased += size
	return nil
}

// Close clears the busy indicator; the flash is left exactly as far as the
// upload progressed.
func (s *SerialFlashSink) Close(status romstatus.Status) {
	s.indicator.set(false)
	s.log.WithField("status", status).Info("serial flash upload finished")
}

// ParallelFlashSink streams a YMODEM file into a parallel NOR flash,
// erasing a 4K sector whenever the write cursor lands on or crosses into
// it, then programming byte-by-byte.
type ParallelFlashSink struct {
	driver    *parflash.Driver
	indicator Indicator

	address uint32

	log *log.Entry
}

// NewParallelFlashSink returns a Sink bound to driver.
func NewParallelFlashSink(driver *parflash.Driver, indicator Indicator) *ParallelFlashSink {
	return &ParallelFlashSink{
		driver:    driver,
		indicator: indicator,
		log:       log.WithField("component", "upload/parflash"),
	}
}

// Open accepts unconditionally (there is no software-ID check in the
// parallel-flash upload path) and resets the write cursor.
func (p *ParallelFlashSink) Open(filename string, declaredSize uint32) bool {
	p.address = 0
	p.indicator.set(true)
	p.log.WithField("filename", filename).Info("parallel flash upload starting")
	return true
}

// Write erases the sector the cursor starts in (if it starts on a
// boundary) or the sector it's about to cross into (if this packet
// straddles one), then programs the payload.
func (p *ParallelFlashSink) Write(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	start := p.address
	end := start + uint32(len(data)) - 1
	startSector := start / parallelSectorSize
	endSector := end / parallelSectorSize

	switch {
	case start%parallelSectorSize == 0:
		if err := p.eraseSector(startSector * parallelSectorSize); err != nil {
			p.log.WithError(err).Error("erase failed")
			return false
		}
	case endSector != startSector:
		if err := p.eraseSector(endSector * parallelSectorSize); err != nil {
			p.log.WithError(err).Error("erase failed")
			return false
		}
	}

	if err := p.driver.Program(start, data); err != nil {
		p.log.WithError(err).Error("program failed")
		return false
	}
	p.address += uint32(len(data))
	return true
}

func (p *ParallelFlashSink) eraseSector(base uint32) error {
	return p.driver.Erase(base, parflash.EraseSector)
}

// Close clears the busy indicator.
func (p *ParallelFlashSink) Close(status romstatus.Status) {
	p.indicator.set(false)
	p.log.WithField("status", status).Info("parallel flash upload finished")
}
