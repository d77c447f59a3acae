package npdu

import "testing"

// FuzzParse exercises NPDU header parsing with arbitrary input. Malformed
// headers must return an error, never panic.
func FuzzParse(f *testing.F) {
	f.Add([]byte{0x01, 0x00})
	f.Add([]byte{0x01, 0x20, 0x00, 0x01, 0x01, 0x05, 0xFF})
	f.Add([]byte{0x01, 0x08, 0x00, 0x02, 0x01, 0x10})
	f.Add([]byte{})
	f.Add([]byte{0x02, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Parse panicked on %v: %v", data, r)
			}
		}()

		n, err := Parse(data)
		if err != nil {
			return
		}
		if n.Destination != nil && len(n.Rest) > len(data) {
			t.Errorf("Rest longer than input for %v", data)
		}

		// Build(Parse(x)) must re-encode the same header fields.
		rebuilt := Build(n, n.Rest)
		n2, err2 := Parse(rebuilt)
		if err2 != nil {
			t.Fatalf("re-parse of rebuilt NPDU failed: %v", err2)
		}
		if n2.NetworkMessage != n.NetworkMessage || n2.ExpectingReply != n.ExpectingReply || n2.Priority != n.Priority {
			t.Errorf("round-trip control byte mismatch: got %+v, want %+v", n2, n)
		}
	})
}
