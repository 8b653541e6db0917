package meshrpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format for a Message:
//
//	[4-byte id][2-byte version][1-byte type][1-byte flags]
//	[4-byte service][4-byte object][4-byte function][4-byte payload length]
//	[payload bytes...]
//
// All integers are little-endian. The header is exactly headerSize bytes;
// payload length is the number of bytes that follow.
const headerSize = 4 + 2 + 1 + 1 + 4 + 4 + 4 + 4

// maxPayloadSize rejects frames with an implausible declared length before
// allocating a buffer for them.
const maxPayloadSize = 64 << 20 // 64 MB

// MessageType classifies a Message the way every qi-style message bus
// does: a Call expects exactly one Reply or Error; a Post and an Event
// expect neither.
type MessageType uint8

const (
	MessageNone  MessageType = 0
	MessageCall  MessageType = 1
	MessageReply MessageType = 2
	MessageError MessageType = 3
	MessagePost  MessageType = 4
	MessageEvent MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MessageNone:
		return "None"
	case MessageCall:
		return "Call"
	case MessageReply:
		return "Reply"
	case MessageError:
		return "Error"
	case MessagePost:
		return "Post"
	case MessageEvent:
		return "Event"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Well-known ids used by the service directory protocol.
const (
	ServiceServiceDirectory          uint32 = 1
	ServiceDirectoryFunctionService  uint32 = 100
	ServiceDirectoryFunctionServices uint32 = 101
	PathMain                         uint32 = 1
	protocolVersion                  uint16 = 1
)

// Message is one frame of the wire protocol: a fixed header plus an
// opaque, already-serialized payload. This package never looks inside the
// payload except for the service-directory replies the Gateway rewrites
// (serviceinfo.go), which is why Payload stays []byte rather than any.
type Message struct {
	ID       uint32
	Version  uint16
	Type     MessageType
	Flags    uint8
	Service  uint32
	Object   uint32
	Function uint32
	Payload  []byte
}

// NewCall builds a Call-type message addressed to (service, object,
// function) with the given id and payload. Version is always
// protocolVersion; this module does not negotiate versions.
func NewCall(id, service, object, function uint32, payload []byte) Message {
	return Message{
		ID:       id,
		Version:  protocolVersion,
		Type:     MessageCall,
		Service:  service,
		Object:   object,
		Function: function,
		Payload:  payload,
	}
}

// BuildReplyFrom returns a Reply addressed back to orig's originator: same
// id, service, object and function, Type set to Reply, and the given
// payload. This is the "reply restores the original id" half of the
// gateway's id-rewrite contract.
func BuildReplyFrom(orig Message, payload []byte) Message {
	r := orig
	r.Type = MessageReply
	r.Payload = payload
	return r
}

// BuildErrorFrom is BuildReplyFrom with Type set to Error, used both by
// backends reporting a call failure and by the gateway synthesizing a
// reply for a request it can never deliver.
func BuildErrorFrom(orig Message, payload []byte) Message {
	r := orig
	r.Type = MessageError
	r.Payload = payload
	return r
}

// BuildForwardFrom returns a copy of orig addressed with a fresh id,
// otherwise identical (type, service, object, function, flags, payload
// preserved). The gateway uses this to move a client's Call into the
// backend's independent id space without colliding with that backend's
// own in-flight ids.
func BuildForwardFrom(orig Message, newID uint32) Message {
	f := orig
	f.ID = newID
	return f
}

// WriteMessage writes m's wire encoding to w.
func WriteMessage(w io.Writer, m Message) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], m.ID)
	binary.LittleEndian.PutUint16(hdr[4:6], m.Version)
	hdr[6] = byte(m.Type)
	hdr[7] = m.Flags
	binary.LittleEndian.PutUint32(hdr[8:12], m.Service)
	binary.LittleEndian.PutUint32(hdr[12:16], m.Object)
	binary.LittleEndian.PutUint32(hdr[16:20], m.Function)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(m.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("meshrpc: write message header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("meshrpc: write message payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one wire-encoded Message from r. r should be buffered
// (see newFrameReader) since this issues two reads per message.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	payloadSize := binary.LittleEndian.Uint32(hdr[20:24])
	if payloadSize > maxPayloadSize {
		return Message{}, fmt.Errorf("meshrpc: message payload %d exceeds limit %d", payloadSize, maxPayloadSize)
	}

	m := Message{
		ID:       binary.LittleEndian.Uint32(hdr[0:4]),
		Version:  binary.LittleEndian.Uint16(hdr[4:6]),
		Type:     MessageType(hdr[6]),
		Flags:    hdr[7],
		Service:  binary.LittleEndian.Uint32(hdr[8:12]),
		Object:   binary.LittleEndian.Uint32(hdr[12:16]),
		Function: binary.LittleEndian.Uint32(hdr[16:20]),
	}
	if payloadSize > 0 {
		m.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("meshrpc: read message payload: %w", err)
		}
	}
	return m, nil
}

// newFrameReader wraps conn reads in a single buffered reader per
// connection, sized to absorb a handful of messages without a syscall per
// frame.
func newFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64<<10)
}
