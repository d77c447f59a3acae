package mstp

import "testing"

// FuzzDecoderFeed exercises the preamble-hunting frame decoder with
// arbitrary byte streams, fed one byte at a time the way OnByte does.
// Malformed input must resync, never panic.
func FuzzDecoderFeed(f *testing.F) {
	f.Add([]byte{0x55, 0xFF, 0x00, 0x10, 0x05, 0x00, 0x00, 0x8C})
	f.Add([]byte{0x55, 0xFF, 0x06, 0x10, 0x05, 0x00, 0x03})
	f.Add([]byte{0x55, 0x55, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{})
	f.Add([]byte{0x55, 0xFF, 0x06, 0x10, 0x05, 0xFF, 0xFF, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Decoder.Feed panicked on %v: %v", data, r)
			}
		}()

		d := NewDecoder()
		for _, b := range data {
			if frame := d.Feed(b); frame != nil {
				if len(frame.Data) > MaxDataLength {
					t.Errorf("decoded frame payload %d exceeds %d", len(frame.Data), MaxDataLength)
				}
			}
		}
	})
}

// FuzzFrameEncodeDecode checks that encoding a well-formed frame and
// feeding the wire bytes back through the decoder reproduces the same
// frame, across arbitrary frame fields.
func FuzzFrameEncodeDecode(f *testing.F) {
	f.Add(uint8(0), byte(0x10), byte(0x05), []byte{})
	f.Add(uint8(5), byte(0xFF), byte(0x00), []byte{0x01, 0x02, 0x03})
	f.Add(uint8(6), byte(128), byte(254), []byte{0xAA})

	f.Fuzz(func(t *testing.T, ft uint8, dst, src byte, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("frame round-trip panicked: %v", r)
			}
		}()
		if len(data) > MaxDataLength {
			data = data[:MaxDataLength]
		}
		frame := Frame{Type: FrameType(ft % 8), Dst: dst, Src: src, Data: data}
		wire, err := frame.Encode()
		if err != nil {
			return
		}

		d := NewDecoder()
		var got *Frame
		for _, b := range wire {
			if f := d.Feed(b); f != nil {
				got = f
			}
		}
		if got == nil {
			t.Fatalf("decoder did not reproduce frame from %v", wire)
		}
		if got.Type != frame.Type || got.Dst != frame.Dst || got.Src != frame.Src {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, frame)
		}
	})
}
