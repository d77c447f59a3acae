package bvlc

import "testing"

// FuzzDecode exercises BVLC message decoding with arbitrary datagrams.
// Malformed input must return an error, never panic.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x81, 0x0A, 0x00, 0x07, 0x01, 0x02, 0x03})
	f.Add([]byte{0x81, 0x04, 0x00, 0x0A, 10, 0, 0, 1, 0xBA, 0xC0})
	f.Add([]byte{0x81, 0x05, 0x00, 0x06, 0x00, 0x1E})
	f.Add([]byte{})
	f.Add([]byte{0x80, 0x0A, 0x00, 0x04})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Decode panicked on %v: %v", data, r)
			}
		}()

		msg, err := Decode(data)
		if err != nil {
			return
		}
		if msg.Encode() == nil {
			t.Errorf("Encode of a decoded message returned nil for %v", data)
		}
	})
}

// FuzzDecodeForwardedNPDU exercises the Forwarded-NPDU body decoder,
// which must reject anything shorter than the 6-byte origin address
// without panicking.
func FuzzDecodeForwardedNPDU(f *testing.F) {
	f.Add([]byte{10, 0, 0, 5, 0xBA, 0xC0, 0x01, 0x00})
	f.Add([]byte{})
	f.Add([]byte{1, 2, 3})

	f.Fuzz(func(t *testing.T, body []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("DecodeForwardedNPDU panicked on %v: %v", body, r)
			}
		}()
		_, _, _ = DecodeForwardedNPDU(body)
	})
}
