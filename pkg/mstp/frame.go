package mstp

import (
	"fmt"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// FrameType is the MS/TP frame-type byte. Numeric codes are fixed by
// ASHRAE 135 clause 9 and must not be renumbered.
type FrameType uint8

const (
	FrameToken                   FrameType = 0
	FramePollForMaster           FrameType = 1
	FrameReplyToPollForMaster    FrameType = 2
	FrameTestRequest             FrameType = 3
	FrameTestResponse            FrameType = 4
	FrameDataExpectingReply      FrameType = 5
	FrameDataNotExpectingReply   FrameType = 6
	FrameReplyPostponed          FrameType = 7
)

func (t FrameType) String() string {
	switch t {
	case FrameToken:
		return "Token"
	case FramePollForMaster:
		return "PollForMaster"
	case FrameReplyToPollForMaster:
		return "ReplyToPollForMaster"
	case FrameTestRequest:
		return "TestRequest"
	case FrameTestResponse:
		return "TestResponse"
	case FrameDataExpectingReply:
		return "DataExpectingReply"
	case FrameDataNotExpectingReply:
		return "DataNotExpectingReply"
	case FrameReplyPostponed:
		return "ReplyPostponed"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

const (
	// MaxDataLength is the largest payload an MS/TP frame may carry.
	MaxDataLength = 501

	// BroadcastMAC is the reserved destination/source MAC meaning "all
	// stations".
	BroadcastMAC = 255
	// MaxMasterMAC is the highest MAC a master node may claim.
	MaxMasterMAC = 127

	preamble0 = 0x55
	preamble1 = 0xFF

	// rxBufferSize is the worst-case buffer a receiver needs to hold a
	// single frame: 8 header bytes + 501 data bytes + 2 CRC bytes.
	rxBufferSize = 8 + MaxDataLength + 2
)

// Frame is a decoded MS/TP frame. Preamble and CRC bytes are not
// represented; Encode regenerates them.
type Frame struct {
	Type FrameType
	Dst  byte
	Src  byte
	Data []byte
}

// header returns the 5 header bytes (type, dst, src, lenHi, lenLo) that
// both CRCs are computed over.
func (f Frame) header() [5]byte {
	n := len(f.Data)
	return [5]byte{byte(f.Type), f.Dst, f.Src, byte(n >> 8), byte(n)}
}

// Encode serializes a frame to its wire representation, including
// preamble and both CRCs.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Data) > MaxDataLength {
		return nil, bacerr.Newf(bacerr.KindFrameInvalid, "data length %d exceeds %d", len(f.Data), MaxDataLength)
	}

	hdr := f.header()
	out := make([]byte, 0, 8+len(f.Data)+2)
	out = append(out, preamble0, preamble1)
	out = append(out, hdr[:]...)
	out = append(out, HeaderCRCTransmit(hdr[:]))

	if len(f.Data) > 0 {
		out = append(out, f.Data...)
		lo, hi := DataCRCTransmit(f.Data)
		out = append(out, lo, hi)
	}
	return out, nil
}

// decodeState tracks where a Decoder is within one frame attempt.
type decodeState int

const (
	stateSeekPreamble0 decodeState = iota
	stateSeekPreamble1
	stateHeader
	stateHeaderCRC
	stateData
	stateDataCRC
)

// Decoder incrementally reassembles frames from a byte stream, handling
// preamble hunting, CRC validation, and resync on any anomaly. It never
// blocks: Feed is called once per received byte.
type Decoder struct {
	state   decodeState
	header  [5]byte
	headerN int
	dataLen int
	data    []byte
	crcBuf  [2]byte
	crcN    int

	FramesOK      uint64
	HeaderCRCErrs uint64
	DataCRCErrs   uint64
	LengthErrs    uint64
	UnknownType   uint64
}

// NewDecoder returns a Decoder positioned to hunt for the next preamble.
func NewDecoder() *Decoder {
	return &Decoder{state: stateSeekPreamble0}
}

func (d *Decoder) resync() {
	d.state = stateSeekPreamble0
	d.headerN = 0
	d.dataLen = 0
	d.data = nil
	d.crcN = 0
}

// Feed processes one received byte. It returns a completed, CRC-valid
// frame when one finishes on this byte, or nil otherwise. Invalid
// frames never panic or block; they bump a counter and resync.
func (d *Decoder) Feed(b byte) *Frame {
	switch d.state {
	case stateSeekPreamble0:
		if b == preamble0 {
			d.state = stateSeekPreamble1
		}
		return nil

	case stateSeekPreamble1:
		if b == preamble1 {
			d.state = stateHeader
			d.headerN = 0
		} else if b != preamble0 {
			d.state = stateSeekPreamble0
		}
		return nil

	case stateHeader:
		d.header[d.headerN] = b
		d.headerN++
		if d.headerN < 5 {
			return nil
		}
		d.state = stateHeaderCRC
		return nil

	case stateHeaderCRC:
		want := HeaderCRCTransmit(d.header[:])
		if b != want {
			d.HeaderCRCErrs++
			d.resync()
			return nil
		}
		d.dataLen = int(d.header[3])<<8 | int(d.header[4])
		if d.dataLen > MaxDataLength {
			d.LengthErrs++
			d.resync()
			return nil
		}
		if d.dataLen == 0 {
			return d.finish()
		}
		d.data = make([]byte, 0, d.dataLen)
		d.state = stateData
		return nil

	case stateData:
		d.data = append(d.data, b)
		if len(d.data) < d.dataLen {
			return nil
		}
		d.state = stateDataCRC
		d.crcN = 0
		return nil

	case stateDataCRC:
		d.crcBuf[d.crcN] = b
		d.crcN++
		if d.crcN < 2 {
			return nil
		}
		lo, hi := DataCRCTransmit(d.data)
		if d.crcBuf[0] != lo || d.crcBuf[1] != hi {
			d.DataCRCErrs++
			d.resync()
			return nil
		}
		return d.finish()
	}

	d.resync()
	return nil
}

func (d *Decoder) finish() *Frame {
	ft := FrameType(d.header[0])
	if ft > FrameReplyPostponed {
		// Reserved and proprietary frame types are counted but still
		// delivered, so WaitForReply can accept them as a reply.
		d.UnknownType++
	}
	f := &Frame{Type: ft, Dst: d.header[1], Src: d.header[2], Data: d.data}
	d.FramesOK++
	d.resync()
	return f
}
