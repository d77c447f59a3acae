package bvlc

import (
	"net"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// Sender is the minimal outbound contract the Datalink needs from the
// UDP socket collaborator: send_to(bytes, endpoint).
type Sender interface {
	SendTo(payload []byte, to Address) error
}

// Config carries the broadcast-distribution configuration: the local
// endpoint, whether global/directed broadcast are enabled, and any
// extra configured broadcast destinations.
type Config struct {
	LocalIP             net.IP
	SubnetMask          net.IPMask
	Port                uint16
	GlobalBroadcast     bool
	DirectedBroadcast   bool
	AdditionalBroadcast []Address
}

// Datalink implements the BVLC framing, broadcast fan-out, and
// foreign-device lifecycle over a Sender.
type Datalink struct {
	cfg    Config
	sender Sender
	BDT    *BDT
	FDT    *FDT
}

// NewDatalink builds a Datalink bound to the given Sender and config.
func NewDatalink(cfg Config, sender Sender) *Datalink {
	return &Datalink{cfg: cfg, sender: sender, BDT: NewBDT(), FDT: NewFDT()}
}

// SendUnicast wraps npdu as Original-Unicast-NPDU (0x0A) and sends it.
func (d *Datalink) SendUnicast(npdu []byte, dest Address) error {
	return d.sender.SendTo(EncodeUnicastNPDU(npdu).Encode(), dest)
}

// Destination categorizes one fan-out target for BroadcastResult.
type Destination struct {
	Address  Address
	Category string
	Err      error
}

// BroadcastResult is the structured fan-out outcome: every enabled
// destination is attempted and recorded, success is never inferred
// from just the first destination.
type BroadcastResult struct {
	Attempted []Destination
}

// Successes returns the destinations that were sent to without error.
func (r BroadcastResult) Successes() []Destination {
	var out []Destination
	for _, d := range r.Attempted {
		if d.Err == nil {
			out = append(out, d)
		}
	}
	return out
}

// OK reports whether at least one destination succeeded, the
// aggregate-success predicate send_broadcast uses.
func (r BroadcastResult) OK() bool {
	return len(r.Successes()) > 0
}

// SendBroadcast wraps npdu as Original-Broadcast-NPDU (0x0B) and fans it
// out per §4.2's ordered, deduplicated destination list: global, then
// directed subnet broadcast, then additional-broadcast addresses, then
// BDT peers, then live FDT entries.
func (d *Datalink) SendBroadcast(npdu []byte) (BroadcastResult, error) {
	msg := EncodeBroadcastNPDU(npdu).Encode()
	return d.fanOut(msg, time.Now())
}

func (d *Datalink) fanOut(msg []byte, now time.Time) (BroadcastResult, error) {
	var result BroadcastResult
	seen := make(map[Address]bool)

	send := func(addr Address, category string) {
		if seen[addr] {
			return
		}
		seen[addr] = true
		err := d.sender.SendTo(msg, addr)
		result.Attempted = append(result.Attempted, Destination{Address: addr, Category: category, Err: err})
	}

	if d.cfg.GlobalBroadcast {
		if g, err := NewAddress(net.IPv4bcast, d.cfg.Port); err == nil {
			send(g, "global")
		}
	}
	if d.cfg.DirectedBroadcast && d.cfg.LocalIP != nil && d.cfg.SubnetMask != nil {
		if dir, err := DirectedBroadcast(d.cfg.LocalIP, d.cfg.SubnetMask, d.cfg.Port); err == nil {
			send(dir, "directed")
		}
	}
	for _, a := range d.cfg.AdditionalBroadcast {
		send(a, "additional")
	}
	for _, e := range d.BDT.Entries() {
		send(e.Peer, "bdt")
	}

	d.FDT.Sweep(now)
	for _, e := range d.FDT.Entries(now) {
		send(e.Registrant, "fdt")
	}

	if !result.OK() {
		return result, bacerr.New(bacerr.KindIoError, "broadcast fan-out reached no destination")
	}
	return result, nil
}

// RegisterForeignDevice sends a Register-Foreign-Device (0x05) request
// to bbmd with the given TTL.
func (d *Datalink) RegisterForeignDevice(bbmd Address, ttl time.Duration) error {
	return d.sender.SendTo(EncodeRegisterForeignDevice(uint16(ttl/time.Second)).Encode(), bbmd)
}

// InboundKind classifies what HandleInbound produced.
type InboundKind int

const (
	// InboundNone means the datagram was a control message handled
	// entirely inside the datalink (no NPDU for the router).
	InboundNone InboundKind = iota
	// InboundNPDU carries an NPDU for the router, originated by Origin.
	InboundNPDU
)

// Inbound is the result of dispatching one received datagram.
type Inbound struct {
	Kind   InboundKind
	NPDU   []byte
	Origin Address
}

// HandleInbound validates and dispatches one received UDP datagram.
// Control functions (FDT/BDT maintenance, Distribute-Broadcast-To-Network)
// are handled here,
// including sending any reply; data functions are returned to the
// caller as an Inbound for the router to route.
func (d *Datalink) HandleInbound(datagram []byte, from Address, now time.Time) (Inbound, error) {
	msg, err := Decode(datagram)
	if err != nil {
		return Inbound{}, err
	}

	switch msg.Function {
	case FuncOriginalUnicastNPDU, FuncOriginalBroadcastNPDU:
		return Inbound{Kind: InboundNPDU, NPDU: msg.Body, Origin: from}, nil

	case FuncForwardedNPDU:
		origin, npdu, err := DecodeForwardedNPDU(msg.Body)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InboundNPDU, NPDU: npdu, Origin: origin}, nil

	case FuncRegisterForeignDevice:
		return Inbound{}, d.handleRegisterForeignDevice(msg.Body, from, now)

	case FuncReadFDT:
		return Inbound{}, d.sender.SendTo(d.FDT.EncodeReadFDTAck(now).Encode(), from)

	case FuncDeleteFDTEntry:
		var target Address
		if len(msg.Body) >= 6 {
			copy(target[:], msg.Body[:6])
		}
		code := ResultSuccess
		if !d.FDT.Delete(target) {
			code = ResultDeleteFDTNAK
		}
		return Inbound{}, d.sender.SendTo(EncodeResult(code).Encode(), from)

	case FuncWriteBDT:
		entries, err := DecodeWriteBDT(msg.Body)
		if err != nil {
			return Inbound{}, d.sender.SendTo(EncodeResult(ResultWriteBDTNAK).Encode(), from)
		}
		d.BDT.Clear()
		for _, e := range entries {
			d.BDT.Add(e)
		}
		return Inbound{}, d.sender.SendTo(EncodeResult(ResultSuccess).Encode(), from)

	case FuncReadBDT:
		return Inbound{}, d.sender.SendTo(d.BDT.EncodeReadBDTAck().Encode(), from)

	case FuncDistributeBroadcastToNet:
		forwarded, err := d.handleDistributeBroadcast(msg.Body, from, now)
		if err != nil || !forwarded {
			return Inbound{}, err
		}
		// Besides BBMD-to-BBMD fan-out, the encapsulated NPDU is also
		// routed onto MS/TP as a broadcast; returning it here as an
		// ordinary Inbound lets the caller's normal IP routing path
		// (which sends DNET-less NPDUs as a local MS/TP broadcast) do it.
		return Inbound{Kind: InboundNPDU, NPDU: msg.Body, Origin: from}, nil

	default:
		return Inbound{}, bacerr.Newf(bacerr.KindBvlcError, "unsupported BVLC function %#x", msg.Function)
	}
}

func (d *Datalink) handleRegisterForeignDevice(body []byte, from Address, now time.Time) error {
	if len(body) < 2 {
		return bacerr.New(bacerr.KindBvlcError, "register-FD body shorter than 2 bytes")
	}
	ttl := time.Duration(uint16(body[0])<<8|uint16(body[1])) * time.Second
	code := ResultSuccess
	if !d.FDT.Register(from, ttl, now) {
		code = ResultRegisterFDNAK
	}
	return d.sender.SendTo(EncodeResult(code).Encode(), from)
}

// handleDistributeBroadcast implements §4.5: a registered FD's
// Distribute-Broadcast-To-Network is rewrapped as Forwarded-NPDU with
// the FD's own endpoint as origin and sent to the directed broadcast
// and every other FDT entry. Unregistered senders are NAKed and nothing
// is forwarded. forwarded reports whether the sender was registered (and
// so the caller should also route the encapsulated NPDU onto MS/TP as a
// broadcast, which the datalink cannot do itself).
func (d *Datalink) handleDistributeBroadcast(npdu []byte, from Address, now time.Time) (forwarded bool, err error) {
	if !d.FDT.IsRegistered(from, now) {
		return false, d.sender.SendTo(EncodeResult(ResultDistributeNAK).Encode(), from)
	}

	msg := EncodeForwardedNPDU(from, npdu).Encode()
	if d.cfg.DirectedBroadcast && d.cfg.LocalIP != nil && d.cfg.SubnetMask != nil {
		if dir, dirErr := DirectedBroadcast(d.cfg.LocalIP, d.cfg.SubnetMask, d.cfg.Port); dirErr == nil {
			_ = d.sender.SendTo(msg, dir)
		}
	}
	d.FDT.Sweep(now)
	for _, e := range d.FDT.Entries(now) {
		if e.Registrant == from {
			continue
		}
		_ = d.sender.SendTo(msg, e.Registrant)
	}
	return true, nil
}
