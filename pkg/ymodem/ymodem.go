// Package ymodem implements the YMODEM (CRC-16) file-receive state
// machine: framed packet validation, a three-callback sink contract, the
// header-timeout/drain/reprompt retry policy, and CAN-CAN cancellation.
//
// The receiver is a single dispatch loop over stateX iota constants, with
// sentinel errors checked via errors.Is at call sites, following the
// state-machine style used throughout this module's other packages.
package ymodem

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/crc16"
	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/romstatus"
)

// Control bytes and frame headers.
const (
	chSOH = 0x01
	chSTX = 0x02
	chEOT = 0x04
	chCAN = 0x18
	chACK = 0x06
	chNAK = 0x15
	chC   = 'C'
)

const (
	headerTimeout      = 10 * time.Second
	intraPacketTimeout = 1 * time.Second
	drainByteTimeout   = 100 * time.Millisecond
	maxAttempts        = 10

	shortPayload = 128
	longPayload  = 1024

	// bufferSize holds the largest possible frame: 2 sequence bytes, the
	// 1024-byte STX payload, and 2 trailing CRC bytes.
	bufferSize = 2 + longPayload + 2
)

// Sink receives the contents of one YMODEM session. Close is invoked
// exactly once per Open that returned true; if Open returns false, Close
// is never called for that file.
type Sink interface {
	// Open is invoked after a valid metadata packet. declaredSize is 0
	// when the sender didn't supply one. Returning false rejects the
	// upload and cancels the session.
	Open(filename string, declaredSize uint32) bool

	// Write delivers one packet's payload, already truncated to whatever
	// remains of the declared size. data aliases the receiver's internal
	// buffer and is only valid for the duration of the call.
	Write(data []byte) bool

	// Close reports the final outcome of the file this Sink was opened
	// for.
	Close(status romstatus.Status)
}

type state int

const (
	stateAwaitMetadata state = iota
	stateAwaitData
)

type frameKind int

const (
	frameData frameKind = iota
	frameEOT
	frameCancelled
)

type frame struct {
	kind    frameKind
	seq     byte
	payload []byte
}

// Receiver drives one YMODEM session over a hal.SerialLine. Its buffer is
// allocated once, at construction, and reused across every packet in every
// session the Receiver runs — the receiver is not reentrant.
type Receiver struct {
	line hal.SerialLine
	buf  [bufferSize]byte
	log  *log.Entry
}

// NewReceiver returns a Receiver bound to line.
func NewReceiver(line hal.SerialLine) *Receiver {
	return &Receiver{line: line, log: log.WithField("component", "ymodem")}
}

// Receive runs one complete session: zero or more files, each delivered to
// sink, terminated by the sender's zero-length metadata packet, a
// protocol timeout, a rejection, or a CAN-CAN cancellation.
func (r *Receiver) Receive(sink Sink) romstatus.Status {
	state := stateAwaitMetadata
	blockNumber := uint32(1)
	var declaredSize uint32
	var written uint32
	opened := false

	for {
		prompt := byte(chNAK)
		switch {
		case state == stateAwaitMetadata:
			prompt = chC
			if err := r.line.WriteByte(prompt); err != nil {
				return romstatus.Error
			}
		case blockNumber == 1:
			// handleMetadata already sent ACK+C after a successful Open;
			// no separate prompt precedes the first data-packet read.
			prompt = chC
		}

		f, status := r.readFrame(prompt)
		if status != romstatus.OK {
			if opened {
				sink.Close(status)
			}
			return status
		}

		switch f.kind {
		case frameCancelled:
			if opened {
				sink.Close(romstatus.Cancel)
			}
			return romstatus.Cancel

		case frameEOT:
			if err := r.line.WriteByte(chACK); err != nil {
				if opened {
					sink.Close(romstatus.Error)
				}
				return romstatus.Error
			}
			if state != stateAwaitData {
				return r.terminate(sink, opened)
			}
			sink.Close(romstatus.OK)
			opened = false
			state = stateAwaitMetadata
			blockNumber = 1
			declaredSize = 0
			written = 0

		case frameData:
			switch state {
			case stateAwaitMetadata:
				status, done := r.handleMetadata(sink, f, &opened, &declaredSize, &written)
				if done {
					return status
				}
				state = stateAwaitData
				blockNumber = 1

			case stateAwaitData:
				status, done := r.handleData(sink, f, blockNumber, opened, &declaredSize, &written)
				if done {
					return status
				}
				if f.seq == byte(blockNumber) {
					blockNumber++
				}
			}
		}
	}
}

// handleMetadata processes a metadata packet (sequence 0). done is true
// when the session must end immediately (rejection, desync, or the
// zero-length terminator packet).
func (r *Receiver) handleMetadata(sink Sink, f frame, opened *bool, declaredSize, written *uint32) (romstatus.Status, bool) {
	if f.seq != 0 {
		return r.terminate(sink, *opened), true
	}
	filename, size, zeroLength := parseMetadata(f.payload)
	if zeroLength {
		if err := r.line.WriteByte(chACK); err != nil {
			return romstatus.Error, true
		}
		return romstatus.OK, true
	}
	if !sink.Open(filename, size) {
		return r.terminate(sink, false), true
	}
	*opened = true
	*declaredSize = size
	*written = 0
	if err := r.line.WriteByte(chACK); err != nil {
		sink.Close(romstatus.Error)
		return romstatus.Error, true
	}
	if err := r.line.WriteByte(chC); err != nil {
		sink.Close(romstatus.Error)
		return romstatus.Error, true
	}
	return romstatus.OK, false
}

// handleData processes one data packet once a file is open. done is true
// when the session must end immediately (write rejection or sequence
// desync); otherwise the caller advances blockNumber on an exact-match
// sequence.
func (r *Receiver) handleData(sink Sink, f frame, blockNumber uint32, opened bool, declaredSize, written *uint32) (romstatus.Status, bool) {
	switch f.seq {
	case byte(blockNumber):
		payload := f.payload
		if *declaredSize > 0 {
			remaining := int64(*declaredSize) - int64(*written)
			if remaining < 0 {
				remaining = 0
			}
			if int64(len(payload)) > remaining {
				payload = payload[:remaining]
			}
		}
		if len(payload) > 0 {
			if !sink.Write(payload) {
				return r.terminate(sink, opened), true
			}
			*written += uint32(len(payload))
		}
		if err := r.line.WriteByte(chACK); err != nil {
			sink.Close(romstatus.Error)
			return romstatus.Error, true
		}
		return romstatus.OK, false

	case byte(blockNumber - 1):
		if err := r.line.WriteByte(chACK); err != nil {
			sink.Close(romstatus.Error)
			return romstatus.Error, true
		}
		return romstatus.OK, false

	default:
		return r.terminate(sink, opened), true
	}
}

// terminate sends CAN CAN and, if a file is currently open, closes it with
// Status Error. Per the sink contract, a file that was never successfully
// opened never receives a Close call.
func (r *Receiver) terminate(sink Sink, opened bool) romstatus.Status {
	r.log.Warn("terminating session: CAN CAN")
	_ = r.line.WriteByte(chCAN)
	_ = r.line.WriteByte(chCAN)
	if opened {
		sink.Close(romstatus.Error)
	}
	return romstatus.Error
}

// readFrame reads one packet, retrying up to maxAttempts times. The caller
// is responsible for any prompt that precedes the first read; readFrame
// itself only re-sends prompt after a header-read timeout (following a
// drain of any pending input). A corrupt or unrecognised frame instead
// gets an immediate NAK.
func (r *Receiver) readFrame(prompt byte) (frame, romstatus.Status) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		header, err := r.line.ReadByte(headerTimeout)
		if err != nil {
			if !errors.Is(err, romstatus.ErrBusTimeout) {
				return frame{}, romstatus.Collapse(err)
			}
			r.drain()
			if werr := r.line.WriteByte(prompt); werr != nil {
				return frame{}, romstatus.Error
			}
			continue
		}

		switch header {
		case chCAN:
			second, serr := r.line.ReadByte(intraPacketTimeout)
			if serr == nil && second == chCAN {
				return frame{kind: frameCancelled}, romstatus.OK
			}
			if werr := r.line.WriteByte(chNAK); werr != nil {
				return frame{}, romstatus.Error
			}

		case chEOT:
			return frame{kind: frameEOT}, romstatus.OK

		case chSOH, chSTX:
			payloadLen := shortPayload
			if header == chSTX {
				payloadLen = longPayload
			}
			f, ok, ferr := r.readBody(payloadLen)
			if ferr != nil {
				return frame{}, romstatus.Collapse(ferr)
			}
			if ok {
				return f, romstatus.OK
			}
			if werr := r.line.WriteByte(chNAK); werr != nil {
				return frame{}, romstatus.Error
			}

		default:
			if werr := r.line.WriteByte(chNAK); werr != nil {
				return frame{}, romstatus.Error
			}
		}
	}
	return frame{}, romstatus.Timeout
}

// readBody reads the sequence byte, its complement, the payload, and the
// trailing CRC, validating both the sequence-complement relationship and
// the CRC. ok is false for a validation failure (triggers a NAK-retry);
// err is non-nil only for a bus fault that isn't a timeout.
func (r *Receiver) readBody(payloadLen int) (frame, bool, error) {
	total := 2 + payloadLen + 2
	buf := r.buf[:total]
	for i := range buf {
		b, err := r.line.ReadByte(intraPacketTimeout)
		if err != nil {
			if errors.Is(err, romstatus.ErrBusTimeout) {
				return frame{}, false, nil
			}
			return frame{}, false, err
		}
		buf[i] = b
	}

	seq := buf[0]
	complement := buf[1]
	if seq^complement != 0xFF {
		return frame{}, false, nil
	}

	payload := buf[2 : 2+payloadLen]
	crcTail := buf[2+payloadLen:]
	acc := crc16.New()
	acc.Write(payload)
	acc.Write(crcTail)
	if acc.Sum16() != 0 {
		return frame{}, false, nil
	}

	return frame{kind: frameData, seq: seq, payload: payload}, true, nil
}

// drain discards pending input, used to resynchronise before resending a
// prompt after a header timeout.
func (r *Receiver) drain() {
	for {
		if _, err := r.line.ReadByte(drainByteTimeout); err != nil {
			return
		}
	}
}

// parseMetadata splits a metadata payload into filename and declared size.
// zeroLength reports the sender's batch-termination marker (an empty
// filename).
func parseMetadata(payload []byte) (filename string, size uint32, zeroLength bool) {
	if len(payload) == 0 || payload[0] == 0 {
		return "", 0, true
	}
	nul := bytes.IndexByte(payload, 0)
	if nul < 0 {
		return string(payload), 0, false
	}
	filename = string(payload[:nul])
	if nul+1 >= len(payload) {
		return filename, 0, false
	}
	return filename, parseSize(payload[nul+1:]), false
}

// parseSize reads ASCII decimal digits up to the first non-digit,
// tolerating a missing or malformed size by yielding 0 (unknown).
func parseSize(rest []byte) uint32 {
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	value, err := strconv.ParseUint(string(rest[:end]), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(value)
}
