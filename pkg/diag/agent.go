package diag

import (
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/mstp"
	"github.com/krisarmstrong/bacrouter/pkg/router"
)

// baseOID is this router's private-enterprise counters subtree. It
// carries no registered enterprise number; it exists only to give the
// operator's SNMP walk a stable, private tree to read.
const baseOID = "1.3.6.1.4.1.55555.1"

// Agent exposes a running router's counters and table occupancy as a
// read-only SNMP MIB (community string, ProcessPDU dispatch), built
// from the live *mstp.Engine.Stats, *bvlc.Datalink, and *router.Router.
type Agent struct {
	mib       *MIB
	community string
	startTime time.Time
}

// NewAgent builds an Agent wired to the router's live collaborators.
// Counters are all dynamic: every Get/GetNext reads the current state,
// there is no periodic poll to fall out of sync.
func NewAgent(community string, stats *mstp.Stats, link *bvlc.Datalink, r *router.Router) *Agent {
	if community == "" {
		community = "public"
	}
	a := &Agent{mib: NewMIB(), community: community, startTime: time.Now()}
	a.wireSystemGroup()
	a.wireMSTPGroup(stats)
	a.wireBVLCGroup(link)
	a.wireRouterGroup(r)
	return a
}

func (a *Agent) wireSystemGroup() {
	a.mib.Set("1.3.6.1.2.1.1.1.0", &OIDValue{Type: gosnmp.OctetString, Value: "BACnet MS/TP<->IP router"})
	a.mib.SetDynamic("1.3.6.1.2.1.1.3.0", func() *OIDValue {
		return &OIDValue{Type: gosnmp.TimeTicks, Value: uint32(time.Since(a.startTime).Milliseconds() / 10)}
	})
}

func (a *Agent) wireMSTPGroup(stats *mstp.Stats) {
	counter := func(oid string, f func(mstp.Snapshot) uint64) {
		a.mib.SetDynamic(oid, func() *OIDValue {
			return &OIDValue{Type: gosnmp.Counter64, Value: f(stats.Snapshot())}
		})
	}
	counter(baseOID+".1.1", func(s mstp.Snapshot) uint64 { return s.FramesSent })
	counter(baseOID+".1.2", func(s mstp.Snapshot) uint64 { return s.FramesReceived })
	counter(baseOID+".1.3", func(s mstp.Snapshot) uint64 { return s.HeaderCRCErrors })
	counter(baseOID+".1.4", func(s mstp.Snapshot) uint64 { return s.DataCRCErrors })
	counter(baseOID+".1.5", func(s mstp.Snapshot) uint64 { return s.LengthErrors })
	counter(baseOID+".1.6", func(s mstp.Snapshot) uint64 { return s.UnknownFrames })
	counter(baseOID+".1.7", func(s mstp.Snapshot) uint64 { return s.ReplyTimeouts })
	counter(baseOID+".1.8", func(s mstp.Snapshot) uint64 { return s.TokenPassFailures })

	a.mib.SetDynamic(baseOID+".1.9", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(stats.Snapshot().TokenLoopMin.Milliseconds())}
	})
	a.mib.SetDynamic(baseOID+".1.10", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(stats.Snapshot().TokenLoopMax.Milliseconds())}
	})
	a.mib.SetDynamic(baseOID+".1.11", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(stats.Snapshot().TokenLoopAvg.Milliseconds())}
	})
	a.mib.SetDynamic(baseOID+".1.12", func() *OIDValue {
		n := 0
		for _, found := range stats.DiscoveredMasters() {
			if found {
				n++
			}
		}
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(n)}
	})
}

func (a *Agent) wireBVLCGroup(link *bvlc.Datalink) {
	a.mib.SetDynamic(baseOID+".2.1", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(len(link.BDT.Entries()))}
	})
	a.mib.SetDynamic(baseOID+".2.2", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(len(link.FDT.Entries(time.Now())))}
	})
}

func (a *Agent) wireRouterGroup(r *router.Router) {
	a.mib.SetDynamic(baseOID+".3.1", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(r.Transactions.Len())}
	})
	a.mib.SetDynamic(baseOID+".3.2", func() *OIDValue {
		return &OIDValue{Type: gosnmp.Gauge32, Value: uint32(len(r.Addresses.Snapshot()))}
	})
}

// Community returns the configured read community string.
func (a *Agent) Community() string { return a.community }

// ProcessPDU dispatches a decoded SNMP request to the matching MIB
// operation. This tree is read-only: any PDU type other than
// GET/GET-NEXT/GET-BULK gets NoSuchObject on every variable.
func (a *Agent) ProcessPDU(pduType gosnmp.PDUType, vars []gosnmp.SnmpPDU) []gosnmp.SnmpPDU {
	switch pduType {
	case gosnmp.GetRequest:
		return a.get(vars)
	case gosnmp.GetNextRequest:
		return a.getNext(vars)
	case gosnmp.GetBulkRequest:
		return a.getBulk(vars, 10)
	default:
		out := make([]gosnmp.SnmpPDU, len(vars))
		for i, v := range vars {
			out[i] = gosnmp.SnmpPDU{Name: v.Name, Type: gosnmp.NoSuchObject}
		}
		return out
	}
}

func (a *Agent) get(vars []gosnmp.SnmpPDU) []gosnmp.SnmpPDU {
	out := make([]gosnmp.SnmpPDU, len(vars))
	for i, v := range vars {
		if val := a.mib.Get(v.Name); val != nil {
			out[i] = gosnmp.SnmpPDU{Name: v.Name, Type: val.Type, Value: val.Value}
		} else {
			out[i] = gosnmp.SnmpPDU{Name: v.Name, Type: gosnmp.NoSuchObject}
		}
	}
	return out
}

func (a *Agent) getNext(vars []gosnmp.SnmpPDU) []gosnmp.SnmpPDU {
	out := make([]gosnmp.SnmpPDU, len(vars))
	for i, v := range vars {
		nextOID, val := a.mib.GetNext(v.Name)
		if val == nil {
			out[i] = gosnmp.SnmpPDU{Name: v.Name, Type: gosnmp.EndOfMibView}
			continue
		}
		out[i] = gosnmp.SnmpPDU{Name: nextOID, Type: val.Type, Value: val.Value}
	}
	return out
}

func (a *Agent) getBulk(vars []gosnmp.SnmpPDU, maxRepetitions int) []gosnmp.SnmpPDU {
	var out []gosnmp.SnmpPDU
	for _, v := range vars {
		current := v.Name
		for i := 0; i < maxRepetitions; i++ {
			nextOID, val := a.mib.GetNext(current)
			if val == nil {
				out = append(out, gosnmp.SnmpPDU{Name: current, Type: gosnmp.EndOfMibView})
				break
			}
			out = append(out, gosnmp.SnmpPDU{Name: nextOID, Type: val.Type, Value: val.Value})
			current = nextOID
		}
	}
	return out
}
