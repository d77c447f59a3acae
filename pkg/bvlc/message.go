// Package bvlc implements the BACnet Virtual Link Control framing layer
// of BACnet/IP (Annex J): message codec, Broadcast Distribution Table,
// Foreign Device Table, and the foreign-device registration lifecycle.
package bvlc

import (
	"encoding/binary"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// Function is the BVLC function code.
type Function byte

const (
	FuncResult                      Function = 0x00
	FuncWriteBDT                    Function = 0x01
	FuncReadBDT                     Function = 0x02
	FuncReadBDTAck                  Function = 0x03
	FuncForwardedNPDU               Function = 0x04
	FuncRegisterForeignDevice       Function = 0x05
	FuncReadFDT                     Function = 0x06
	FuncReadFDTAck                  Function = 0x07
	FuncDeleteFDTEntry              Function = 0x08
	FuncDistributeBroadcastToNet    Function = 0x09
	FuncOriginalUnicastNPDU         Function = 0x0A
	FuncOriginalBroadcastNPDU       Function = 0x0B
)

// ResultCode is the 16-bit code carried by a Result (0x00) message.
type ResultCode uint16

const (
	ResultSuccess        ResultCode = 0x0000
	ResultWriteBDTNAK     ResultCode = 0x0010
	ResultReadBDTNAK      ResultCode = 0x0020
	ResultRegisterFDNAK   ResultCode = 0x0030
	ResultReadFDTNAK      ResultCode = 0x0040
	ResultDeleteFDTNAK    ResultCode = 0x0050
	ResultDistributeNAK   ResultCode = 0x0060
)

// BVLLType is the fixed first byte of every BVLC message.
const BVLLType = 0x81

const headerLen = 4

// Message is a decoded BVLC datagram: the function code and the raw
// function-dependent body (everything after the 4-byte header).
type Message struct {
	Function Function
	Body     []byte
}

// Encode serializes a Message to its wire form: type, function,
// 16-bit total length (including the header), body.
func (m Message) Encode() []byte {
	total := headerLen + len(m.Body)
	out := make([]byte, headerLen, total)
	out[0] = BVLLType
	out[1] = byte(m.Function)
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	return append(out, m.Body...)
}

// Decode parses a received UDP payload into a Message, validating the
// BVLL type byte and that the declared length matches the datagram.
func Decode(datagram []byte) (Message, error) {
	if len(datagram) < headerLen {
		return Message{}, bacerr.New(bacerr.KindBvlcError, "datagram shorter than BVLC header")
	}
	if datagram[0] != BVLLType {
		return Message{}, bacerr.Newf(bacerr.KindBvlcError, "unexpected BVLL type %#x", datagram[0])
	}
	total := binary.BigEndian.Uint16(datagram[2:4])
	if int(total) != len(datagram) {
		return Message{}, bacerr.Newf(bacerr.KindBvlcError, "length field %d does not match datagram length %d", total, len(datagram))
	}
	return Message{Function: Function(datagram[1]), Body: datagram[headerLen:]}, nil
}

// EncodeResult builds a Result (0x00) message body: a 2-byte result code.
func EncodeResult(code ResultCode) Message {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(code))
	return Message{Function: FuncResult, Body: body}
}

// EncodeRegisterForeignDevice builds a Register-Foreign-Device (0x05)
// message body: a 2-byte big-endian TTL in seconds.
func EncodeRegisterForeignDevice(ttlSeconds uint16) Message {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, ttlSeconds)
	return Message{Function: FuncRegisterForeignDevice, Body: body}
}

// EncodeForwardedNPDU builds a Forwarded-NPDU (0x04) message: the
// original sender's 6-byte address followed by the NPDU bytes. The
// caller must always pass the original sender as origin, never the
// gateway's own address.
func EncodeForwardedNPDU(origin Address, npdu []byte) Message {
	body := make([]byte, 0, 6+len(npdu))
	body = append(body, origin[:]...)
	body = append(body, npdu...)
	return Message{Function: FuncForwardedNPDU, Body: body}
}

// EncodeUnicastNPDU wraps an NPDU for BVLC function 0x0A.
func EncodeUnicastNPDU(npdu []byte) Message {
	return Message{Function: FuncOriginalUnicastNPDU, Body: npdu}
}

// EncodeBroadcastNPDU wraps an NPDU for BVLC function 0x0B.
func EncodeBroadcastNPDU(npdu []byte) Message {
	return Message{Function: FuncOriginalBroadcastNPDU, Body: npdu}
}

// EncodeDistributeBroadcastToNetwork wraps an NPDU for BVLC function 0x09.
func EncodeDistributeBroadcastToNetwork(npdu []byte) Message {
	return Message{Function: FuncDistributeBroadcastToNet, Body: npdu}
}

// DecodeForwardedNPDU splits a Forwarded-NPDU body into the embedded
// original-sender address and the NPDU bytes.
func DecodeForwardedNPDU(body []byte) (Address, []byte, error) {
	if len(body) < 6 {
		return Address{}, nil, bacerr.New(bacerr.KindBvlcError, "forwarded-NPDU body shorter than 6 bytes")
	}
	var a Address
	copy(a[:], body[:6])
	return a, body[6:], nil
}
