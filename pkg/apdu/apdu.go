// Package apdu parses and builds the Application-layer PDU headers the
// router needs to inspect or originate: confirmed-request framing
// (segmented and non-segmented), the ack/error/reject/abort response
// types, and SegmentAck.
package apdu

import "github.com/krisarmstrong/bacrouter/pkg/bacerr"

// PDUType is the 4-bit type nibble in the first APDU byte.
type PDUType uint8

const (
	TypeConfirmedRequest   PDUType = 0x0
	TypeUnconfirmedRequest PDUType = 0x1
	TypeSimpleAck          PDUType = 0x2
	TypeComplexAck         PDUType = 0x3
	TypeSegmentAck         PDUType = 0x4
	TypeError              PDUType = 0x5
	TypeReject             PDUType = 0x6
	TypeAbort              PDUType = 0x7
)

const (
	flagSegmented         = 1 << 3
	flagMoreFollows       = 1 << 2
	flagSegmentedAccepted = 1 << 1
	segAckFlagNegative    = 1 << 3
	segAckFlagServer      = 1 << 2
)

// TypeOf returns the PDU type nibble of an APDU's first byte.
func TypeOf(apduBytes []byte) (PDUType, error) {
	if len(apduBytes) == 0 {
		return 0, bacerr.New(bacerr.KindFrameInvalid, "empty APDU")
	}
	return PDUType(apduBytes[0] >> 4), nil
}

// ConfirmedRequestHeader is the parsed header of a non-segmented
// ConfirmedRequest APDU: byte0 flags, byte1 max-segment/max-APDU
// nibbles, byte2 invoke_id, byte3 service choice, followed by payload.
type ConfirmedRequestHeader struct {
	Segmented             bool
	MoreFollows           bool
	SegmentedResponseOK   bool
	MaxSegsAndAPDU        byte
	InvokeID              byte
	ServiceChoice         byte
	Payload               []byte
}

// ParseConfirmedRequest parses a non-segmented ConfirmedRequest APDU.
func ParseConfirmedRequest(b []byte) (ConfirmedRequestHeader, error) {
	if len(b) < 4 {
		return ConfirmedRequestHeader{}, bacerr.New(bacerr.KindFrameInvalid, "confirmed-request shorter than header")
	}
	if PDUType(b[0]>>4) != TypeConfirmedRequest {
		return ConfirmedRequestHeader{}, bacerr.New(bacerr.KindFrameInvalid, "not a confirmed-request APDU")
	}
	return ConfirmedRequestHeader{
		Segmented:           b[0]&flagSegmented != 0,
		MoreFollows:         b[0]&flagMoreFollows != 0,
		SegmentedResponseOK: b[0]&flagSegmentedAccepted != 0,
		MaxSegsAndAPDU:      b[1],
		InvokeID:            b[2],
		ServiceChoice:       b[3],
		Payload:             b[4:],
	}, nil
}

// BuildConfirmedRequest serializes a non-segmented ConfirmedRequest APDU.
func BuildConfirmedRequest(h ConfirmedRequestHeader) []byte {
	flags := byte(TypeConfirmedRequest) << 4
	if h.SegmentedResponseOK {
		flags |= flagSegmentedAccepted
	}
	out := []byte{flags, h.MaxSegsAndAPDU, h.InvokeID, h.ServiceChoice}
	return append(out, h.Payload...)
}

// SegmentHeader is one segment of a segmented ConfirmedRequest, per the
// simplified 6-byte-per-segment framing this router implements: every
// segment repeats {flags, max_apdu_accepted, invoke_id, sequence_number,
// proposed_window_size, service_choice} ahead of its payload.
type SegmentHeader struct {
	SegmentedResponseOK bool
	MoreFollows         bool
	MaxAPDUAccepted     byte
	InvokeID            byte
	SequenceNumber      byte
	ProposedWindowSize  byte
	ServiceChoice       byte
	Payload             []byte
}

// ParseSegment parses one segment of a segmented ConfirmedRequest.
func ParseSegment(b []byte) (SegmentHeader, error) {
	if len(b) < 6 {
		return SegmentHeader{}, bacerr.New(bacerr.KindSegmentationError, "segment shorter than 6-byte header")
	}
	if PDUType(b[0]>>4) != TypeConfirmedRequest || b[0]&flagSegmented == 0 {
		return SegmentHeader{}, bacerr.New(bacerr.KindSegmentationError, "not a segmented confirmed-request")
	}
	return SegmentHeader{
		SegmentedResponseOK: b[0]&flagSegmentedAccepted != 0,
		MoreFollows:         b[0]&flagMoreFollows != 0,
		MaxAPDUAccepted:     b[1],
		InvokeID:            b[2],
		SequenceNumber:      b[3],
		ProposedWindowSize:  b[4],
		ServiceChoice:       b[5],
		Payload:             b[6:],
	}, nil
}

// ResponseInvokeID extracts the invoke_id from any response-family APDU
// (SimpleAck, ComplexAck, Error, Reject, Abort), which all carry it as
// the second byte.
func ResponseInvokeID(b []byte) (byte, error) {
	if len(b) < 2 {
		return 0, bacerr.New(bacerr.KindFrameInvalid, "response APDU shorter than invoke_id")
	}
	return b[1], nil
}

// ComplexAckMoreFollows reports whether a ComplexAck APDU carries the
// segmented more-follows flag, so the router knows whether to keep the
// matching transaction alive.
func ComplexAckMoreFollows(b []byte) bool {
	return len(b) > 0 && b[0]&flagMoreFollows != 0
}

// BuildSegmentAck serializes a SegmentAck APDU (PDU type nibble 4).
func BuildSegmentAck(negative, server bool, invokeID, sequenceNumber, windowSize byte) []byte {
	flags := byte(TypeSegmentAck) << 4
	if negative {
		flags |= segAckFlagNegative
	}
	if server {
		flags |= segAckFlagServer
	}
	return []byte{flags, invokeID, sequenceNumber, windowSize}
}

// AbortReason is the 1-byte reason code carried by an Abort APDU.
type AbortReason uint8

// ReasonOther is the generic Abort reason this router uses when it
// cancels a transaction on timeout.
const ReasonOther AbortReason = 0

// BuildAbort serializes an Abort APDU: type nibble 7, server bit,
// invoke_id, reason.
func BuildAbort(invokeID byte, reason AbortReason, server bool) []byte {
	flags := byte(TypeAbort) << 4
	if server {
		flags |= 1
	}
	return []byte{flags, invokeID, byte(reason)}
}
