package loader

import "encoding/binary"

// Message is a decoded wire message: the 8-byte header plus its
// payload (§3).
type Message struct {
	Length  uint16
	Source  byte
	Command byte
	Status  byte
	Payload []byte
}

// decodeMessage parses the raw header returned by Parser.Header and
// the payload returned by Parser.Payload. Callers only reach this
// after the parser reports EventOK, so the CRC has already been
// checked.
func decodeMessage(hdr [headerWireSize]byte, payload []byte) Message {
	return Message{
		Length:  binary.LittleEndian.Uint16(hdr[2:4]),
		Source:  hdr[4],
		Command: hdr[5],
		Status:  hdr[6],
		Payload: append([]byte(nil), payload...),
	}
}

// encodeMessage renders a message to its wire form, computing the CRC
// over the fields as described in §4.1 "CRC composition".
func encodeMessage(source, command, status byte, payload []byte) []byte {
	length := uint16(len(payload))
	out := make([]byte, headerWireSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], preamble)
	binary.LittleEndian.PutUint16(out[2:4], length)
	out[4] = source
	out[5] = command
	out[6] = status
	out[7] = messageCRC(length, source, command, status, payload)
	copy(out[headerWireSize:], payload)
	return out
}

// RoleHandlers binds command bytes to the behavior appropriate for
// one side of the link (§4.3: "the same code runs as the manager").
// The loader role (FSM) drives the upgrade from requests. The
// interface is direction-neutral so the same dispatcher could serve a
// manager role too (§9 "weak callbacks" reinterpreted as an injected
// strategy); FSM is its only implementation here, and
// internal/manager decodes responses on its own.
type RoleHandlers interface {
	// HandleMessage processes one fully-parsed, CRC-valid message and
	// returns the bytes of the response to transmit, if any.
	HandleMessage(msg Message) (response []byte, hasResponse bool)
}

// dispatch decodes a parsed frame and hands it to handlers. It is the
// single call site message.go exposes to the platform's tick loop;
// everything about command routing lives in the RoleHandlers
// implementation, grounded on the teacher's symmetric request/response
// table (receiver.go's per-type switch, generalized from a literal
// switch to an injected strategy since this protocol runs the same
// handler set for every command rather than one state's worth at a
// time).
func dispatch(p *Parser, handlers RoleHandlers) (response []byte, hasResponse bool) {
	hdr := p.Header()
	msg := decodeMessage(hdr, p.Payload())
	return handlers.HandleMessage(msg)
}
