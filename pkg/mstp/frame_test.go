package mstp

import (
	"bytes"
	"testing"
)

func feedAll(d *Decoder, wire []byte) *Frame {
	var got *Frame
	for _, b := range wire {
		if f := d.Feed(b); f != nil {
			got = f
		}
	}
	return got
}

// TestEncodeDecodeRoundTrip checks the encode/decode round trip across
// frame types, lengths, and addressing combinations.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: FrameToken, Dst: 5, Src: 2},
		{Type: FramePollForMaster, Dst: 127, Src: 0},
		{Type: FrameReplyToPollForMaster, Dst: 0, Src: 127},
		{Type: FrameTestRequest, Dst: 255, Src: 10, Data: []byte{1, 2, 3}},
		{Type: FrameDataExpectingReply, Dst: 3, Src: 9, Data: []byte("hello")},
		{Type: FrameDataNotExpectingReply, Dst: 255, Src: 1, Data: []byte{}},
		{Type: FrameReplyPostponed, Dst: 4, Src: 4, Data: bytes.Repeat([]byte{0xAB}, MaxDataLength)},
	}

	for _, want := range cases {
		wire, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode(%v): %v", want, err)
		}

		d := NewDecoder()
		got := feedAll(d, wire)
		if got == nil {
			t.Fatalf("decode produced no frame for %v", want)
		}
		if got.Type != want.Type || got.Dst != want.Dst || got.Src != want.Src {
			t.Fatalf("decoded %+v, want %+v", got, want)
		}
		if len(want.Data) == 0 {
			if len(got.Data) != 0 {
				t.Fatalf("decoded Data = %v, want empty", got.Data)
			}
		} else if !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("decoded Data = %v, want %v", got.Data, want.Data)
		}
	}
}

// TestDecoderSkipsJunkPrefix exercises the preamble hunt: bytes before a
// valid 0x55 0xFF preamble are discarded without producing a frame.
func TestDecoderSkipsJunkPrefix(t *testing.T) {
	want := Frame{Type: FrameToken, Dst: 1, Src: 2}
	wire, _ := want.Encode()

	junk := append([]byte{0x00, 0x55, 0x12, 0xAA}, wire...)
	d := NewDecoder()
	got := feedAll(d, junk)
	if got == nil || got.Type != FrameToken || got.Dst != 1 || got.Src != 2 {
		t.Fatalf("decode with junk prefix failed: %+v", got)
	}
}

// TestBoundaryDataLengths is boundary behavior 12: length 0 produces no
// data CRC, 501 is accepted, 502 is rejected.
func TestBoundaryDataLengths(t *testing.T) {
	zero := Frame{Type: FrameDataNotExpectingReply, Dst: 1, Src: 2, Data: []byte{}}
	wire, err := zero.Encode()
	if err != nil {
		t.Fatal(err)
	}
	// preamble(2) + header(5) + headerCRC(1) == 8 bytes total, no data CRC.
	if len(wire) != 8 {
		t.Fatalf("zero-length frame wire size = %d, want 8", len(wire))
	}

	max := Frame{Type: FrameDataNotExpectingReply, Dst: 1, Src: 2, Data: make([]byte, MaxDataLength)}
	if _, err := max.Encode(); err != nil {
		t.Fatalf("501-byte payload rejected: %v", err)
	}

	over := Frame{Type: FrameDataNotExpectingReply, Dst: 1, Src: 2, Data: make([]byte, MaxDataLength+1)}
	if _, err := over.Encode(); err == nil {
		t.Fatal("502-byte payload accepted, want error")
	}
}

// TestDecoderRejectsOverlongLength synthesizes a header claiming a
// length beyond MaxDataLength and checks the decoder discards and
// resyncs rather than attempting to buffer it.
func TestDecoderRejectsOverlongLength(t *testing.T) {
	header := [5]byte{byte(FrameDataNotExpectingReply), 1, 2, 0x01, 0xF6} // 502
	crc := HeaderCRCTransmit(header[:])
	wire := append([]byte{preamble0, preamble1}, header[:]...)
	wire = append(wire, crc)

	d := NewDecoder()
	if got := feedAll(d, wire); got != nil {
		t.Fatalf("expected nil frame for overlong length, got %+v", got)
	}
	if d.LengthErrs != 1 {
		t.Fatalf("LengthErrs = %d, want 1", d.LengthErrs)
	}
}

// TestDecoderResyncsOnHeaderCRCError checks that a corrupted header CRC
// is counted and discarded without panicking, and that the decoder
// recovers to decode the next valid frame.
func TestDecoderResyncsOnHeaderCRCError(t *testing.T) {
	bad := append([]byte{preamble0, preamble1, 0, 1, 2, 0, 0}, 0x00) // wrong CRC
	good := Frame{Type: FrameToken, Dst: 9, Src: 8}
	goodWire, _ := good.Encode()

	d := NewDecoder()
	feedAll(d, bad)
	if d.HeaderCRCErrs != 1 {
		t.Fatalf("HeaderCRCErrs = %d, want 1", d.HeaderCRCErrs)
	}

	got := feedAll(d, goodWire)
	if got == nil || got.Dst != 9 {
		t.Fatalf("decoder did not recover after CRC error: %+v", got)
	}
}
