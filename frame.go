package loader

import "encoding/binary"

// parseMode is the frame parser's state (§4.2).
type parseMode byte

const (
	modeIdle parseMode = iota
	modeRcvHeader
	modeRcvPayload
)

// ParseEvent is what HandleByte/Drain report back to the dispatcher
// after each byte.
type ParseEvent byte

const (
	// EventNone means the parser consumed the byte and is still
	// assembling a frame; there is nothing for the dispatcher to do.
	EventNone ParseEvent = iota
	// EventOK means buf still holds a header (and payload, if any)
	// whose CRC validated, readable through Header and Payload; the
	// parser is already back in IDLE, so the caller must consume it
	// before the next byte overwrites it.
	EventOK
	// EventCRCError means a complete frame was received but its CRC
	// did not match.
	EventCRCError
	// EventTimeout means the inter-byte idle timeout fired; any
	// partial frame was discarded.
	EventTimeout
	// EventFull means the frame would have overflowed buf; the
	// platform receive FIFO was cleared and the parser reset.
	EventFull
)

// Parser is the byte-at-a-time receive state machine (§4.2). It owns
// no I/O; HandleByte is a pure state transition and Drain is the only
// place that touches the Receiver capability, matching the
// cooperative, single-threaded model of §5.
type Parser struct {
	mode       parseMode
	buf        [RxBufSize]byte
	bufIdx     uint16
	lastByteTS uint32
}

// NewParser returns a Parser in the IDLE state.
func NewParser() *Parser {
	return &Parser{}
}

// payloadLength reads the length field out of the in-progress header;
// only valid once bufIdx >= 4.
func (p *Parser) payloadLength() uint16 {
	return binary.LittleEndian.Uint16(p.buf[2:4])
}

// Header returns the raw 8-byte header of the most recently completed
// frame. Call only after HandleByte/Drain returns EventOK.
func (p *Parser) Header() [headerWireSize]byte {
	var h [headerWireSize]byte
	copy(h[:], p.buf[:headerWireSize])
	return h
}

// Payload returns the payload bytes of the most recently completed
// frame. Call only after HandleByte/Drain returns EventOK.
func (p *Parser) Payload() []byte {
	n := p.payloadLength()
	return p.buf[headerWireSize : headerWireSize+n]
}

// reset discards any in-progress frame and returns the parser to IDLE.
func (p *Parser) reset() {
	p.mode = modeIdle
	p.bufIdx = 0
}

// HandleByte feeds one received byte into the parser and returns
// whatever event that byte produced (§4.2). now is the platform's
// millisecond tick, used for the idle-timeout check on subsequent
// calls.
func (p *Parser) HandleByte(b byte, now uint32) ParseEvent {
	if int(p.bufIdx) >= len(p.buf) {
		p.reset()
		return EventFull
	}

	if p.mode == modeIdle {
		p.mode = modeRcvHeader
	}

	p.buf[p.bufIdx] = b
	p.bufIdx++
	p.lastByteTS = now

	switch p.mode {
	case modeRcvHeader:
		if p.bufIdx != headerWireSize {
			return EventNone
		}
		if binary.LittleEndian.Uint16(p.buf[0:2]) != preamble {
			// Garbage tolerance: wait for the idle timeout to recover.
			return EventNone
		}
		if p.payloadLength() == 0 {
			return p.finish()
		}
		p.mode = modeRcvPayload
		return EventNone

	case modeRcvPayload:
		if p.bufIdx != headerWireSize+p.payloadLength() {
			return EventNone
		}
		return p.finish()
	}

	return EventNone
}

// finish validates the CRC of a complete frame and resets the parser.
func (p *Parser) finish() ParseEvent {
	length := p.payloadLength()
	source := p.buf[4]
	command := p.buf[5]
	status := p.buf[6]
	wantCRC := p.buf[7]
	payload := p.buf[headerWireSize : headerWireSize+length]

	ok := messageCRC(length, source, command, status, payload) == wantCRC
	p.reset()
	if ok {
		return EventOK
	}
	return EventCRCError
}

// CheckIdle reports whether the inter-byte idle timeout has fired
// (§4.2). It resets the parser and returns EventTimeout when it has;
// otherwise EventNone. Call once per tick when no byte was available.
func (p *Parser) CheckIdle(now uint32, timeoutMS uint32) ParseEvent {
	if p.mode == modeIdle {
		return EventNone
	}
	if now-p.lastByteTS >= timeoutMS {
		p.reset()
		return EventTimeout
	}
	return EventNone
}

// Drain feeds every byte currently available from rx into the parser,
// stopping at the first event that is not EventNone (or when rx runs
// dry), and reports that event alongside the idle-timeout check. This
// is the loop the platform's cooperative tick calls once per pass
// (§4.2, §5).
func (p *Parser) Drain(rx Receiver, now uint32, idleTimeoutMS uint32) ParseEvent {
	for {
		b, ok := rx.RxByte()
		if !ok {
			return p.CheckIdle(now, idleTimeoutMS)
		}
		switch ev := p.HandleByte(b, now); ev {
		case EventNone:
			continue
		case EventFull:
			rx.ClearRx()
			return ev
		default:
			return ev
		}
	}
}
