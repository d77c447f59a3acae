package mstp

// UART is the external serial-port collaborator contract: a
// byte-at-a-time reader with a short timeout and a bulk, unframed
// writer. Implementations talk to a real RS-485 transceiver; tests use
// an in-memory fake.
type UART interface {
	// Write sends p as a single bulk transfer with no framing of its
	// own; the caller (the engine) has already produced a complete
	// wire-format frame.
	Write(p []byte) (int, error)

	// ReadByte returns the next received byte. ok is false when the
	// short read timeout elapsed with nothing received; err is non-nil
	// only on a genuine I/O failure.
	ReadByte() (b byte, ok bool, err error)
}

// DirectionController asserts and releases a manual line-driver enable
// around a transmit, for hardware without automatic direction control.
// Engines built over automatic-direction hardware pass a nil
// DirectionController and rely on the UART's own transmit delay.
type DirectionController interface {
	AssertTransmit()
	ReleaseTransmit()
}
