package bvlc

import (
	"sync"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// BDTEntry is one Broadcast Distribution Table peer: a BBMD address and
// the broadcast mask to apply when forwarding to it.
type BDTEntry struct {
	Peer          Address
	BroadcastMask [4]byte
}

// BDT is the operator-populated, externally-persisted Broadcast
// Distribution Table. Addresses are unique; owned by one task (the
// Datalink), like every other peer table in this router.
type BDT struct {
	mu      sync.RWMutex
	entries map[Address]BDTEntry
	order   []Address
}

// NewBDT returns an empty BDT.
func NewBDT() *BDT {
	return &BDT{entries: make(map[Address]BDTEntry)}
}

// Add inserts or replaces a BDT entry.
func (b *BDT) Add(e BDTEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[e.Peer]; !exists {
		b.order = append(b.order, e.Peer)
	}
	b.entries[e.Peer] = e
}

// Remove deletes a BDT entry by peer address.
func (b *BDT) Remove(peer Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[peer]; !exists {
		return
	}
	delete(b.entries, peer)
	for i, a := range b.order {
		if a == peer {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Clear removes every BDT entry.
func (b *BDT) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[Address]BDTEntry)
	b.order = nil
}

// Entries returns a snapshot of the BDT in insertion order.
func (b *BDT) Entries() []BDTEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BDTEntry, 0, len(b.order))
	for _, a := range b.order {
		out = append(out, b.entries[a])
	}
	return out
}

// EncodeReadBDTAck serializes the BDT as a Read-BDT-Ack (0x03) body:
// each entry as peer address (6) + broadcast mask (4).
func (b *BDT) EncodeReadBDTAck() Message {
	entries := b.Entries()
	body := make([]byte, 0, len(entries)*10)
	for _, e := range entries {
		body = append(body, e.Peer[:]...)
		body = append(body, e.BroadcastMask[:]...)
	}
	return Message{Function: FuncReadBDTAck, Body: body}
}

// DecodeWriteBDT parses a Write-BDT (0x01) body into a slice of entries.
func DecodeWriteBDT(body []byte) ([]BDTEntry, error) {
	if len(body)%10 != 0 {
		return nil, bacerr.New(bacerr.KindBvlcError, "write-BDT body not a multiple of 10 bytes")
	}
	out := make([]BDTEntry, 0, len(body)/10)
	for i := 0; i < len(body); i += 10 {
		var e BDTEntry
		copy(e.Peer[:], body[i:i+6])
		copy(e.BroadcastMask[:], body[i+6:i+10])
		out = append(out, e)
	}
	return out, nil
}
