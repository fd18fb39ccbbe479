package kernel

import "encoding/binary"

// Header is the 32-bit network-byte-order immediate value carried by
// every completion. The low 4 bits select the
// message kind; the remaining 28 bits are kind-specific.
type Header uint32

const kindMask = 0xF

// EncodeHeader packs a message kind and its kind-specific subfield into
// one wire value.
func EncodeHeader(kind MessageKind, sub uint32) Header {
	return Header(uint32(kind)&kindMask | (sub << 4))
}

// Kind extracts the message kind from a header.
func (h Header) Kind() MessageKind { return MessageKind(uint32(h) & kindMask) }

// Sub extracts the kind-specific subfield from a header.
func (h Header) Sub() uint32 { return uint32(h) >> 4 }

// ConnPayload header subfields: bits 4..7 carry the requested
// attribute, bits 8..19 the payload length.
const (
	connPayloadAttrShift = 4
	connPayloadAttrMask  = 0xF
	connPayloadLenShift  = 8
	connPayloadLenMask   = 0xFFF
)

// EncodeConnPayloadHeader packs the requested attribute and payload
// length into a ConnPayload header word. The length must fit the
// 12-bit field; callers enforce that before posting.
func EncodeConnPayloadHeader(attr ConnAttribute, n int) Header {
	return Header(uint32(MsgConnPayload)&kindMask |
		(uint32(attr)&connPayloadAttrMask)<<connPayloadAttrShift |
		(uint32(n)&connPayloadLenMask)<<connPayloadLenShift)
}

// ConnPayload unpacks a ConnPayload header into its attribute and
// payload length subfields.
func (h Header) ConnPayload() (ConnAttribute, int) {
	attr := ConnAttribute(uint32(h) >> connPayloadAttrShift & connPayloadAttrMask)
	n := int(uint32(h) >> connPayloadLenShift & connPayloadLenMask)
	return attr, n
}

// MarshalHeader serializes a header to its 4-byte network-byte-order
// wire form.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(h))
	return buf
}

// UnmarshalHeader parses a 4-byte network-byte-order wire value back
// into a Header. buf must be at least 4 bytes.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < 4 {
		return 0, NewError(StatusInvalidArgument, "short header")
	}
	return Header(binary.BigEndian.Uint32(buf)), nil
}

// completionBatch bounds how many completions one Poll call drains
// before returning control to the caller.
const completionBatch = 8

// RegisterQP indexes conn under its transport-assigned queue-pair
// number, so a completion's qp number resolves to its connection
// through a map lookup instead of a linear scan over every connection
// on the endpoint.
func (ep *Endpoint) RegisterQP(qpNum uint32, conn *Connection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.qpIndex == nil {
		ep.qpIndex = make(map[uint32]*Connection)
	}
	conn.qpNum = qpNum
	ep.qpIndex[qpNum] = conn
}

// UnregisterQP removes a queue-pair number's connection mapping.
func (ep *Endpoint) UnregisterQP(qpNum uint32) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.qpIndex, qpNum)
}

// ConnectionForQP resolves a completion's queue-pair number to its
// connection in O(1).
func (ep *Endpoint) ConnectionForQP(qpNum uint32) (*Connection, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.qpIndex[qpNum]
	return c, ok
}

// Progress drives the endpoint's bound transport to make forward
// progress, delivering up to one bounded batch of completions as
// events. Callers (the public API's loop, or a background ticker) call
// this repeatedly; it never blocks.
func (ep *Endpoint) Progress() (int, error) {
	if ep.Closed() {
		return 0, NewError(StatusDisconnected, "endpoint closed")
	}
	return ep.transport.Poll(ep, completionBatch)
}
