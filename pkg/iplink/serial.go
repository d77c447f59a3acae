//go:build linux

package iplink

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// baudToTermios maps the MS/TP baud rates this router allows to the
// termios speed constant, the same closed set internal/config.ValidBaud
// checks.
var baudToTermios = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	76800:  unix.B38400, // no standard termios constant; closest supported rate
	115200: unix.B115200,
}

// SerialPort is a raw, non-canonical RS-485 serial port satisfying
// mstp.UART and mstp.DirectionController. The embedded board's actual
// peripheral bring-up is out of scope; this is a thin wrapper built
// directly on termios rather than a vendored serial library.
type SerialPort struct {
	f    *os.File
	auto bool // true when the transceiver does its own direction switching
}

// OpenSerial opens device at baud in raw mode with a short read
// timeout, so UART.ReadByte can return ok=false instead of blocking the
// engine's tick loop. autoDirection true means the RS-485 transceiver
// switches direction on its own (no RTS toggling needed).
func OpenSerial(device string, baud int, autoDirection bool) (*SerialPort, error) {
	speed, ok := baudToTermios[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(device, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("get termios %s: %w", device, err)
	}

	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY | unix.ICRNL | unix.INLCR
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ISIG
	t.Oflag &^= unix.OPOST
	// VMIN=0, VTIME=1 (100ms) gives ReadByte a short, bounded poll
	// instead of blocking the engine tick loop indefinitely.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1
	unix.CfsetOspeed(t, speed)
	unix.CfsetIspeed(t, speed)

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("set termios %s: %w", device, err)
	}

	return &SerialPort{f: f, auto: autoDirection}, nil
}

// Close closes the underlying file descriptor.
func (p *SerialPort) Close() error {
	return p.f.Close()
}

// Write implements mstp.UART.
func (p *SerialPort) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// ReadByte implements mstp.UART: one byte per call, ok=false when the
// termios VTIME poll elapses with nothing received.
func (p *SerialPort) ReadByte() (byte, bool, error) {
	var buf [1]byte
	n, err := p.f.Read(buf[:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// AssertTransmit implements mstp.DirectionController by raising RTS,
// a no-op on hardware with automatic direction control.
func (p *SerialPort) AssertTransmit() {
	if p.auto {
		return
	}
	setRTS(int(p.f.Fd()), true)
}

// ReleaseTransmit implements mstp.DirectionController by lowering RTS
// after the frame's last byte has drained, giving the line driver time
// to switch back to receive.
func (p *SerialPort) ReleaseTransmit() {
	if p.auto {
		return
	}
	// Let the UART's shift register empty before releasing the bus;
	// a byte at the slowest supported baud takes under 1.2ms.
	time.Sleep(2 * time.Millisecond)
	setRTS(int(p.f.Fd()), false)
}

func setRTS(fd int, on bool) {
	bits, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return
	}
	if on {
		bits |= unix.TIOCM_RTS
	} else {
		bits &^= unix.TIOCM_RTS
	}
	_ = unix.IoctlSetPointerInt(fd, unix.TIOCMSET, bits)
}
