// Package diag exposes the router's counters and table occupancy over
// a read-only, walkable SNMP OID subtree, the operator-facing
// diagnostics surface of the running router.
package diag

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"
)

// OIDValue is one MIB entry: either a fixed value or one computed
// fresh on every Get/GetNext (used for sysUpTime and other
// live-valued OIDs).
type OIDValue struct {
	Type    gosnmp.Asn1BER
	Value   interface{}
	Dynamic func() *OIDValue
}

// MIB is a sorted, lock-guarded OID -> value map supporting GET and
// GET-NEXT walks.
type MIB struct {
	mu      sync.RWMutex
	entries map[string]*OIDValue
	sorted  []string
	dirty   bool
}

// NewMIB returns an empty MIB.
func NewMIB() *MIB {
	return &MIB{entries: make(map[string]*OIDValue)}
}

// Set installs a fixed OID value.
func (m *MIB) Set(oid string, value *OIDValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid = strings.TrimPrefix(oid, ".")
	m.entries[oid] = value
	m.dirty = true
}

// SetDynamic installs an OID whose value is recomputed on every access,
// used for every live counter this package exposes.
func (m *MIB) SetDynamic(oid string, fn func() *OIDValue) {
	m.Set(oid, &OIDValue{Dynamic: fn})
}

// Get returns the current value for oid, or nil if absent.
func (m *MIB) Get(oid string) *OIDValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	oid = strings.TrimPrefix(oid, ".")
	v, ok := m.entries[oid]
	if !ok {
		return nil
	}
	if v.Dynamic != nil {
		return v.Dynamic()
	}
	return v
}

// GetNext returns the lexicographically next OID after oid, or ("", nil)
// at the end of the MIB.
func (m *MIB) GetNext(oid string) (string, *OIDValue) {
	oid = strings.TrimPrefix(oid, ".")

	m.mu.RLock()
	if m.dirty {
		m.mu.RUnlock()
		m.mu.Lock()
		m.resort()
		m.mu.Unlock()
		m.mu.RLock()
	}
	defer m.mu.RUnlock()

	for _, next := range m.sorted {
		if compareOIDs(next, oid) > 0 {
			v := m.entries[next]
			if v.Dynamic != nil {
				return next, v.Dynamic()
			}
			return next, v
		}
	}
	return "", nil
}

func (m *MIB) resort() {
	m.sorted = make([]string, 0, len(m.entries))
	for oid := range m.entries {
		m.sorted = append(m.sorted, oid)
	}
	sort.Slice(m.sorted, func(i, j int) bool { return compareOIDs(m.sorted[i], m.sorted[j]) < 0 })
	m.dirty = false
}

func compareOIDs(a, b string) int {
	pa, pb := oidParts(a), oidParts(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	default:
		return 0
	}
}

func oidParts(oid string) []int {
	fields := strings.Split(oid, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(f, "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out
}
