package router

import (
	"sync"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
)

// AddressEntry pairs one side of the mstp_mac <-> ip_endpoint mapping
// with the time it was last observed.
type AddressEntry struct {
	MSTPMac  byte
	IP       bvlc.Address
	LastSeen time.Time
}

func (e AddressEntry) expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.LastSeen) > maxAge
}

// AddressTable is the two-way, aging address-learning table:
// mstp_mac -> ip_endpoint and its mirror, each keyed uniquely.
type AddressTable struct {
	mu      sync.RWMutex
	byMac   map[byte]AddressEntry
	byIP    map[bvlc.Address]AddressEntry
	maxAge  time.Duration
}

// DefaultAddressMaxAge is the default address-table staleness bound.
const DefaultAddressMaxAge = time.Hour

// NewAddressTable returns an empty table that purges entries older
// than maxAge on Sweep.
func NewAddressTable(maxAge time.Duration) *AddressTable {
	return &AddressTable{
		byMac:  make(map[byte]AddressEntry),
		byIP:   make(map[bvlc.Address]AddressEntry),
		maxAge: maxAge,
	}
}

// Learn inserts or refreshes the pairing between mac and ip.
func (t *AddressTable) Learn(mac byte, ip bvlc.Address, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := AddressEntry{MSTPMac: mac, IP: ip, LastSeen: now}
	t.byMac[mac] = e
	t.byIP[ip] = e
}

// LookupByMac resolves the IP endpoint last seen for an MS/TP MAC.
func (t *AddressTable) LookupByMac(mac byte) (bvlc.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byMac[mac]
	return e.IP, ok
}

// LookupByIP resolves the MS/TP MAC last seen for an IP endpoint.
func (t *AddressTable) LookupByIP(ip bvlc.Address) (byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byIP[ip]
	return e.MSTPMac, ok
}

// Sweep purges entries from both mappings whose age exceeds maxAge.
func (t *AddressTable) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mac, e := range t.byMac {
		if e.expired(now, t.maxAge) {
			delete(t.byMac, mac)
		}
	}
	for ip, e := range t.byIP {
		if e.expired(now, t.maxAge) {
			delete(t.byIP, ip)
		}
	}
}

// Snapshot returns every live mac->ip pairing, for persistence
// (pkg/storage) across restarts.
func (t *AddressTable) Snapshot() []AddressEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]AddressEntry, 0, len(t.byMac))
	for _, e := range t.byMac {
		out = append(out, e)
	}
	return out
}

// Restore re-learns a previously persisted snapshot, e.g. on gateway
// startup before the first frame has arrived on either side.
func (t *AddressTable) Restore(entries []AddressEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.byMac[e.MSTPMac] = e
		t.byIP[e.IP] = e
	}
}
