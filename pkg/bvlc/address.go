package bvlc

import (
	"fmt"
	"net"
)

// Address is the 6-byte BACnet/IP MAC address: a 4-octet IPv4 address
// followed by a 2-octet big-endian UDP port.
type Address [6]byte

// NewAddress builds an Address from an IPv4 address and port.
func NewAddress(ip net.IP, port uint16) (Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("bvlc: %s is not an IPv4 address", ip)
	}
	var a Address
	copy(a[:4], v4)
	a[4] = byte(port >> 8)
	a[5] = byte(port)
	return a, nil
}

// FromUDPAddr converts a *net.UDPAddr into an Address.
func FromUDPAddr(u *net.UDPAddr) (Address, error) {
	return NewAddress(u.IP, uint16(u.Port))
}

// IP returns the address's IPv4 component.
func (a Address) IP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3])
}

// Port returns the address's UDP port.
func (a Address) Port() uint16 {
	return uint16(a[4])<<8 | uint16(a[5])
}

// UDPAddr converts back to a *net.UDPAddr for socket I/O.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP(), Port: int(a.Port())}
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a[0], a[1], a[2], a[3], a.Port())
}

// DirectedBroadcast computes local_ip | ^subnet_mask at the BACnet port,
// per §4.2's send_broadcast step 2.
func DirectedBroadcast(localIP net.IP, mask net.IPMask, port uint16) (Address, error) {
	v4 := localIP.To4()
	if v4 == nil || len(mask) < 4 {
		return Address{}, fmt.Errorf("bvlc: invalid local IP/mask for directed broadcast")
	}
	m := mask
	if len(m) == 16 {
		m = m[12:]
	}
	bcast := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		bcast[i] = v4[i] | ^m[i]
	}
	return NewAddress(bcast, port)
}
