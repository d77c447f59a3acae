// Package iplink provides the router's concrete BACnet/IP and MS/TP
// peripheral bindings: a UDP socket satisfying bvlc.Sender, a serial
// UART satisfying mstp.UART/mstp.DirectionController, and an optional
// pcap-backed playback/record mode for offline testing.
package iplink

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/logging"
)

// UDPSocket is the real-world bvlc.Sender: a bound UDP socket used both
// to send outbound BVLC datagrams and, via Serve, to receive them.
type UDPSocket struct {
	conn       *net.UDPConn
	debugLevel int
}

// ListenUDP opens a UDP socket bound to the given port on every local
// address, the BACnet/IP Annex J convention of one well-known port per
// host rather than per connection.
func ListenUDP(port uint16, debugLevel int) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	return &UDPSocket{conn: conn, debugLevel: debugLevel}, nil
}

// Close closes the underlying socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the socket's bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo implements bvlc.Sender.
func (s *UDPSocket) SendTo(payload []byte, to bvlc.Address) error {
	_, err := s.conn.WriteToUDP(payload, to.UDPAddr())
	if err != nil {
		logging.SubsystemDebug(logging.SubsystemBVLC, s.debugLevel, 2, "send to %s failed: %v", to, err)
	}
	return err
}

// InboundHandler processes one received BVLC datagram, the shape
// *bvlc.Datalink.HandleInbound already has.
type InboundHandler func(datagram []byte, from bvlc.Address) error

// Serve reads datagrams until the socket is closed or stop is closed,
// dispatching each to handler. It never returns a non-nil error on a
// clean shutdown (stop closed or the socket closed from another
// goroutine), matching the engine's "no error on intentional stop"
// convention elsewhere in this repo.
func (s *UDPSocket) Serve(stop <-chan struct{}, handler InboundHandler) error {
	buf := make([]byte, 1600)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		// A short read deadline lets the loop notice stop being closed.
		_ = s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		from, aerr := bvlc.FromUDPAddr(addr)
		if aerr != nil {
			logging.SubsystemDebug(logging.SubsystemBVLC, s.debugLevel, 2, "bad peer address %s: %v", addr, aerr)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if err := handler(datagram, from); err != nil {
			logging.SubsystemDebug(logging.SubsystemBVLC, s.debugLevel, 1, "inbound datagram from %s: %v", from, err)
		}
	}
}
