package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/parflash"
	"github.com/codebje/romble/pkg/romstatus"
	"github.com/codebje/romble/pkg/serialflash"
	"github.com/codebje/romble/pkg/upload"
	"github.com/codebje/romble/pkg/ymodem"
)

const readyToReceivePrompt = "ROMble ready to receive file... "

// uploadStartDelay is the pause between printing the ready prompt and
// invoking the YMODEM receiver, giving a human time to pick "send file" in
// their terminal.
const uploadStartDelay = 5 * time.Second

// console dispatches single-character commands read from the serial line
// to the serial-flash driver, the parallel-flash driver, and the YMODEM
// orchestrators bound to each.
type console struct {
	line hal.SerialLine

	serial   *serialflash.Driver
	parallel *parflash.Driver

	serialIndicator   upload.Indicator
	parallelIndicator upload.Indicator

	log *log.Entry
}

func newConsole(line hal.SerialLine, serial *serialflash.Driver, parallel *parflash.Driver, serialIndicator, parallelIndicator upload.Indicator) *console {
	return &console{
		line:              line,
		serial:            serial,
		parallel:          parallel,
		serialIndicator:   serialIndicator,
		parallelIndicator: parallelIndicator,
		log:               log.WithField("component", "console"),
	}
}

// dispatch runs one command to completion. Recognized commands: 'S' upload
// to serial flash, 'P' upload to parallel flash, 'I' print JEDEC/software
// ID, 'H' hex-dump the first 4K sector of the parallel flash.
func (c *console) dispatch(cmd byte) {
	switch cmd {
	case 'S', 's':
		c.uploadSerial()
	case 'P', 'p':
		c.uploadParallel()
	case 'I', 'i':
		c.printIdentity()
	case 'H', 'h':
		c.hexDumpParallelSector(0)
	default:
		c.println(fmt.Sprintf("unrecognized command %q\r\n", cmd))
	}
}

func (c *console) uploadSerial() {
	c.print(readyToReceivePrompt)
	time.Sleep(uploadStartDelay)

	sink := upload.NewSerialFlashSink(c.serial, c.serialIndicator)
	receiver := ymodem.NewReceiver(c.line)
	status := receiver.Receive(sink)
	c.reportUploadResult(status)
}

func (c *console) uploadParallel() {
	c.print(readyToReceivePrompt)
	time.Sleep(uploadStartDelay)

	sink := upload.NewParallelFlashSink(c.parallel, c.parallelIndicator)
	receiver := ymodem.NewReceiver(c.line)
	status := receiver.Receive(sink)
	c.reportUploadResult(status)
}

func (c *console) reportUploadResult(status romstatus.Status) {
	if status == romstatus.OK {
		c.println("OK!\r\n")
		return
	}
	c.println(fmt.Sprintf("transfer failed: %s\r\n", status))
}

func (c *console) printIdentity() {
	mfr, dev, err := c.serial.ReadJEDECID()
	if err != nil {
		c.println(fmt.Sprintf("serial flash error: %v\r\n", err))
	} else {
		c.println(fmt.Sprintf("serial flash manufacturer: %02x device: %04x\r\n", mfr, dev))
	}

	smfr, sdev, err := c.parallel.ReadID()
	if err != nil {
		c.println(fmt.Sprintf("parallel flash error: %v\r\n", err))
		return
	}
	c.println(fmt.Sprintf("parallel flash manufacturer: %02x device: %02x\r\n", smfr, sdev))
}

func (c *console) print(s string) {
	if err := c.line.Write([]byte(s)); err != nil {
		c.log.WithError(err).Warn("console write failed")
	}
}

func (c *console) println(s string) {
	c.print(s)
}
