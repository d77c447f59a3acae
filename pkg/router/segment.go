package router

import (
	"sync"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/apdu"
	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
)

// SegmentBufferStaleAge is the staleness bound after which an
// incomplete reassembly buffer is discarded.
const SegmentBufferStaleAge = 60 * time.Second

// SegmentBuffer accumulates the segments of one segmented
// ConfirmedRequest arriving from an IP client.
type SegmentBuffer struct {
	InvokeID            byte
	ServiceChoice       byte
	MaxAPDUAccepted     byte
	SegmentedResponseOK bool
	Requester           bvlc.Address
	CreatedAt           time.Time

	nextSeq byte
	payload []byte
}

// SegmentTable holds in-progress segment reassembly buffers keyed by
// invoke_id.
type SegmentTable struct {
	mu      sync.Mutex
	entries map[byte]*SegmentBuffer
}

// NewSegmentTable returns an empty table.
func NewSegmentTable() *SegmentTable {
	return &SegmentTable{entries: make(map[byte]*SegmentBuffer)}
}

// AckDecision tells the caller what SegmentAck to send, if any, and
// whether the segment completed reassembly.
type AckDecision struct {
	// Send is true whenever a SegmentAck (affirmative or negative)
	// must be sent back to the requester.
	Send           bool
	Negative       bool
	AckedSeq       byte
	WindowSize     byte
	Complete       bool
	ReassembledAPDU []byte
	Requester       bvlc.Address
}

// Accept drives the reassembly algorithm for one incoming segment,
// from a requester not yet necessarily known to the buffer (segment 0
// establishes it).
func (t *SegmentTable) Accept(seg apdu.SegmentHeader, requester bvlc.Address, now time.Time) AckDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, exists := t.entries[seg.InvokeID]
	if seg.SequenceNumber == 0 {
		buf = &SegmentBuffer{
			InvokeID:            seg.InvokeID,
			ServiceChoice:       seg.ServiceChoice,
			MaxAPDUAccepted:     seg.MaxAPDUAccepted,
			SegmentedResponseOK: seg.SegmentedResponseOK,
			Requester:           requester,
			CreatedAt:           now,
		}
		t.entries[seg.InvokeID] = buf
		exists = true
	}
	if !exists {
		return AckDecision{Send: true, Negative: true, AckedSeq: 0, WindowSize: seg.ProposedWindowSize, Requester: requester}
	}

	if seg.SequenceNumber != buf.nextSeq {
		delete(t.entries, seg.InvokeID)
		lastAcked := byte(0)
		if buf.nextSeq > 0 {
			lastAcked = buf.nextSeq - 1
		}
		return AckDecision{Send: true, Negative: true, AckedSeq: lastAcked, WindowSize: seg.ProposedWindowSize, Requester: buf.Requester}
	}

	buf.payload = append(buf.payload, seg.Payload...)
	buf.nextSeq++

	if !seg.MoreFollows {
		delete(t.entries, seg.InvokeID)
		reassembled := apdu.BuildConfirmedRequest(apdu.ConfirmedRequestHeader{
			SegmentedResponseOK: buf.SegmentedResponseOK,
			MaxSegsAndAPDU:      buf.MaxAPDUAccepted,
			InvokeID:            buf.InvokeID,
			ServiceChoice:       buf.ServiceChoice,
			Payload:             buf.payload,
		})
		return AckDecision{
			Send:            true,
			Negative:        false,
			AckedSeq:        seg.SequenceNumber,
			WindowSize:      seg.ProposedWindowSize,
			Complete:        true,
			ReassembledAPDU: reassembled,
			Requester:       buf.Requester,
		}
	}

	return AckDecision{Send: true, Negative: false, AckedSeq: seg.SequenceNumber, WindowSize: seg.ProposedWindowSize, Requester: buf.Requester}
}

// Sweep discards buffers older than SegmentBufferStaleAge.
func (t *SegmentTable) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, buf := range t.entries {
		if now.Sub(buf.CreatedAt) > SegmentBufferStaleAge {
			delete(t.entries, id)
		}
	}
}

// Len reports the number of in-progress buffers.
func (t *SegmentTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
