package npdu

import "github.com/krisarmstrong/bacrouter/pkg/bacerr"

// MessageType is the network-layer message type, the first byte of an
// NPDU whose control byte sets NetworkMessage.
type MessageType uint8

const (
	MsgWhoIsRouterToNetwork    MessageType = 0x00
	MsgIAmRouterToNetwork      MessageType = 0x01
	MsgICouldBeRouterToNetwork MessageType = 0x02
	MsgRejectMessageToNetwork  MessageType = 0x03
)

// RejectReason is the single reason byte carried by
// Reject-Message-To-Network.
type RejectReason uint8

const (
	ReasonOther               RejectReason = 0x00
	ReasonNotRouterToDnet     RejectReason = 0x01
	ReasonRouterBusy          RejectReason = 0x02
	ReasonUnknownNetworkMsg   RejectReason = 0x03
	ReasonMessageTooLong      RejectReason = 0x04
	ReasonSecurityError       RejectReason = 0x05
	ReasonAddressingError     RejectReason = 0x06
)

// ParseWhoIsRouterToNetwork decodes the optional single queried network
// number from a Who-Is-Router-To-Network body. A nil result means the
// body named no network; a 2-byte body is returned as given, 0xFFFF
// included, and matching it against this router's networks is up to
// the caller.
func ParseWhoIsRouterToNetwork(body []byte) (*uint16, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if len(body) != 2 {
		return nil, bacerr.New(bacerr.KindNpduParseError, "who-is-router-to-network body must be 0 or 2 bytes")
	}
	net := uint16(body[0])<<8 | uint16(body[1])
	return &net, nil
}

// EncodeWhoIsRouterToNetwork builds the message body. A nil network
// queries all networks.
func EncodeWhoIsRouterToNetwork(network *uint16) []byte {
	body := []byte{byte(MsgWhoIsRouterToNetwork)}
	if network != nil {
		body = append(body, byte(*network>>8), byte(*network))
	}
	return body
}

// EncodeIAmRouterToNetwork builds the message body listing every
// network this router serves.
func EncodeIAmRouterToNetwork(networks []uint16) []byte {
	body := make([]byte, 1, 1+2*len(networks))
	body[0] = byte(MsgIAmRouterToNetwork)
	for _, n := range networks {
		body = append(body, byte(n>>8), byte(n))
	}
	return body
}

// ParseIAmRouterToNetwork decodes the network list from an
// I-Am-Router-To-Network body (the leading message-type byte already
// stripped by the caller, per Parse's Rest convention).
func ParseIAmRouterToNetwork(body []byte) ([]uint16, error) {
	if len(body)%2 != 0 {
		return nil, bacerr.New(bacerr.KindNpduParseError, "i-am-router-to-network body not a multiple of 2 bytes")
	}
	out := make([]uint16, 0, len(body)/2)
	for i := 0; i < len(body); i += 2 {
		out = append(out, uint16(body[i])<<8|uint16(body[i+1]))
	}
	return out, nil
}

// EncodeRejectMessageToNetwork builds a Reject-Message-To-Network body:
// reason byte then the 2-byte DNET that failed to route.
func EncodeRejectMessageToNetwork(reason RejectReason, dnet uint16) []byte {
	return []byte{byte(MsgRejectMessageToNetwork), byte(reason), byte(dnet >> 8), byte(dnet)}
}
