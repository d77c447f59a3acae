// Package npdu implements the BACnet Network-layer PDU: parsing and
// building of the version/control header, optional destination/source
// address specifiers and hop count, and the network-layer control
// message bodies a router originates or forwards.
package npdu

import (
	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// ProtocolVersion is the only version this router accepts or produces.
const ProtocolVersion = 1

// Control byte bit positions: bit7=network_message,
// bit5=dest_present, bit3=source_present, bit2=expecting_reply,
// bits1..0=priority.
const (
	bitNetworkMessage = 1 << 7
	bitDestPresent    = 1 << 5
	bitSourcePresent  = 1 << 3
	bitExpectingReply = 1 << 2
	maskPriority      = 0x03
)

// Priority is the 2-bit NPDU priority field.
type Priority uint8

const (
	PriorityNormal              Priority = 0b00
	PriorityUrgent              Priority = 0b01
	PriorityCriticalEquipment   Priority = 0b10
	PriorityLifeSafetyMessage   Priority = 0b11
)

// Address is a network-layer address: a network number and a variable
// length MAC-layer address within it. A zero-length Addr denotes
// broadcast on that network.
type Address struct {
	Network uint16
	Addr    []byte
}

// Broadcast reports whether this address denotes a broadcast (present
// but zero-length address).
func (a Address) Broadcast() bool {
	return len(a.Addr) == 0
}

// NPDU is a decoded Network-layer PDU header plus the undecoded bytes
// that follow it (an APDU, or a network-layer message body).
type NPDU struct {
	Version         uint8
	NetworkMessage  bool
	ExpectingReply  bool
	Priority        Priority
	Destination     *Address
	Source          *Address
	HopCount        uint8
	Rest            []byte
}

// Parse decodes the NPDU header. version must equal 1; when a
// destination is present, a hop count must follow it.
func Parse(data []byte) (NPDU, error) {
	if len(data) < 2 {
		return NPDU{}, bacerr.New(bacerr.KindNpduParseError, "NPDU shorter than version+control")
	}
	version := data[0]
	if version != ProtocolVersion {
		return NPDU{}, bacerr.Newf(bacerr.KindNpduParseError, "unsupported NPDU version %d", version)
	}
	control := data[1]
	n := NPDU{
		Version:        version,
		NetworkMessage: control&bitNetworkMessage != 0,
		ExpectingReply: control&bitExpectingReply != 0,
		Priority:       Priority(control & maskPriority),
	}
	off := 2

	if control&bitDestPresent != 0 {
		dest, next, err := parseAddress(data, off)
		if err != nil {
			return NPDU{}, err
		}
		n.Destination = &dest
		off = next
		if off >= len(data) {
			return NPDU{}, bacerr.New(bacerr.KindNpduParseError, "destination present but hop count missing")
		}
		n.HopCount = data[off]
		off++
	}

	if control&bitSourcePresent != 0 {
		src, next, err := parseAddress(data, off)
		if err != nil {
			return NPDU{}, err
		}
		n.Source = &src
		off = next
	}

	n.Rest = data[off:]
	return n, nil
}

func parseAddress(data []byte, off int) (Address, int, error) {
	if off+3 > len(data) {
		return Address{}, 0, bacerr.New(bacerr.KindNpduParseError, "truncated address specifier")
	}
	network := uint16(data[off])<<8 | uint16(data[off+1])
	length := int(data[off+2])
	off += 3
	if off+length > len(data) {
		return Address{}, 0, bacerr.New(bacerr.KindNpduParseError, "address length overruns NPDU")
	}
	addr := Address{Network: network}
	if length > 0 {
		addr.Addr = append([]byte(nil), data[off:off+length]...)
	}
	return addr, off + length, nil
}

// Build serializes an NPDU header followed by rest.
func Build(n NPDU, rest []byte) []byte {
	control := byte(0)
	if n.NetworkMessage {
		control |= bitNetworkMessage
	}
	if n.Destination != nil {
		control |= bitDestPresent
	}
	if n.Source != nil {
		control |= bitSourcePresent
	}
	if n.ExpectingReply {
		control |= bitExpectingReply
	}
	control |= byte(n.Priority) & maskPriority

	out := []byte{ProtocolVersion, control}
	if n.Destination != nil {
		out = appendAddress(out, *n.Destination)
		out = append(out, n.HopCount)
	}
	if n.Source != nil {
		out = appendAddress(out, *n.Source)
	}
	return append(out, rest...)
}

func appendAddress(out []byte, a Address) []byte {
	out = append(out, byte(a.Network>>8), byte(a.Network))
	out = append(out, byte(len(a.Addr)))
	return append(out, a.Addr...)
}

// DecrementHopCount applies the saturating decrement: it never wraps
// below zero.
func DecrementHopCount(hop uint8) uint8 {
	if hop == 0 {
		return 0
	}
	return hop - 1
}
