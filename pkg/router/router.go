// Package router implements the BACnet router/gateway core: NPDU
// parse/rewrite between the MS/TP and BACnet/IP datalinks, address
// learning, confirmed-service transaction tracking, segmented-request
// reassembly, and the network-layer control messages the router
// originates or answers.
package router

import (
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/apdu"
	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/npdu"
)

// MSTPSender is the subset of the MS/TP engine the router needs to
// hand off outbound frames; satisfied by *mstp.Engine.
type MSTPSender interface {
	Enqueue(payload []byte, dst byte, expectsReply bool) error
}

// IPSender is the subset of the BVLC datalink the router needs to send
// NPDUs; satisfied by *bvlc.Datalink.
type IPSender interface {
	SendUnicast(wire []byte, dest bvlc.Address) error
	SendBroadcast(wire []byte) (bvlc.BroadcastResult, error)
}

// Config carries the two network numbers this router serves.
type Config struct {
	MSTPNetwork uint16
	IPNetwork   uint16
}

// Router ties the two datalinks together and owns every table the
// router/gateway core maintains.
type Router struct {
	cfg  Config
	mstp MSTPSender
	ip   IPSender

	Addresses    *AddressTable
	Transactions *TransactionTable
	Segments     *SegmentTable
}

// New builds a Router over the given datalink collaborators.
func New(cfg Config, mstpSender MSTPSender, ipSender IPSender) *Router {
	return &Router{
		cfg:          cfg,
		mstp:         mstpSender,
		ip:           ipSender,
		Addresses:    NewAddressTable(DefaultAddressMaxAge),
		Transactions: NewTransactionTable(),
		Segments:     NewSegmentTable(),
	}
}

// mstpSourceAddress builds the NPDU source address this router inserts
// when forwarding an MS/TP-originated NPDU onto the IP side.
func (r *Router) mstpSourceAddress(mac byte) npdu.Address {
	return npdu.Address{Network: r.cfg.MSTPNetwork, Addr: []byte{mac}}
}

func (r *Router) ipSourceAddress(addr bvlc.Address) npdu.Address {
	return npdu.Address{Network: r.cfg.IPNetwork, Addr: append([]byte(nil), addr[:]...)}
}

// RouteFromMSTP takes an NPDU received from MS/TP source srcMac,
// rewrites it, and delivers it onto the IP side.
func (r *Router) RouteFromMSTP(payload []byte, srcMac byte, now time.Time) error {
	n, err := npdu.Parse(payload)
	if err != nil {
		return err
	}
	if n.Destination != nil && n.HopCount < 1 {
		return bacerr.New(bacerr.KindHopCountExhausted, "MS/TP NPDU arrived with hop count below minimum")
	}

	if n.NetworkMessage {
		return r.handleNetworkMessageFromMSTP(n, srcMac, now)
	}

	source := r.mstpSourceAddress(srcMac)

	// Confirmed-service response matching a pending transaction takes
	// priority over DNET-based routing.
	if dest, final, ok, err := r.matchResponseTransaction(n, srcMac); err != nil {
		return err
	} else if ok {
		r.Addresses.Learn(srcMac, dest, now)
		out := rebuildNPDU(n, source, final)
		return r.deliverToIP(out, n.Rest, dest, false)
	}

	if n.Destination != nil {
		switch {
		case n.Destination.Network == r.cfg.IPNetwork && n.Destination.Broadcast():
			out := rebuildNPDU(n, source, true)
			return r.deliverToIP(out, n.Rest, bvlc.Address{}, true)
		case n.Destination.Network == r.cfg.IPNetwork:
			dest, resolveErr := r.resolveIPDestination(srcMac, *n.Destination)
			if resolveErr != nil {
				return r.rejectTowardMSTP(npdu.ReasonNotRouterToDnet, n.Destination.Network, srcMac)
			}
			r.Addresses.Learn(srcMac, dest, now)
			out := rebuildNPDU(n, source, true)
			return r.deliverToIP(out, n.Rest, dest, false)
		case n.Destination.Network == 0xFFFF:
			out := rebuildNPDU(n, source, true)
			return r.deliverToIP(out, n.Rest, bvlc.Address{}, true)
		default:
			return r.rejectTowardMSTP(npdu.ReasonNotRouterToDnet, n.Destination.Network, srcMac)
		}
	}

	out := rebuildNPDU(n, source, true)
	return r.deliverToIP(out, n.Rest, bvlc.Address{}, true)
}

// matchResponseTransaction reports whether n's APDU is a confirmed
// service response matching a live transaction, returning the original
// requester endpoint, whether it is delivered as final delivery (always
// true for a match), and whether a match was found. The matched
// transaction is removed unless a ComplexAck has more segments to follow.
func (r *Router) matchResponseTransaction(n npdu.NPDU, srcMac byte) (bvlc.Address, bool, bool, error) {
	if len(n.Rest) == 0 {
		return bvlc.Address{}, false, false, nil
	}
	ty, err := apdu.TypeOf(n.Rest)
	if err != nil {
		return bvlc.Address{}, false, false, nil
	}

	switch ty {
	case apdu.TypeSimpleAck, apdu.TypeError, apdu.TypeReject, apdu.TypeAbort:
		invokeID, err := apdu.ResponseInvokeID(n.Rest)
		if err != nil {
			return bvlc.Address{}, false, false, nil
		}
		tx, ok := r.Transactions.Match(invokeID, srcMac, false)
		if !ok {
			return bvlc.Address{}, false, false, nil
		}
		return tx.IPSource, true, true, nil

	case apdu.TypeComplexAck:
		invokeID, err := apdu.ResponseInvokeID(n.Rest)
		if err != nil {
			return bvlc.Address{}, false, false, nil
		}
		moreFollows := apdu.ComplexAckMoreFollows(n.Rest)
		tx, ok := r.Transactions.Match(invokeID, srcMac, moreFollows)
		if !ok {
			return bvlc.Address{}, false, false, nil
		}
		return tx.IPSource, true, true, nil

	default:
		return bvlc.Address{}, false, false, nil
	}
}

// resolveIPDestination turns a DADR naming the IP network (the literal
// 6-byte BACnet/IP MAC) into a UDP endpoint. A well-formed DADR is
// authoritative for the destination it names; the address table is
// consulted only when the DADR itself can't be decoded, as a
// best-effort fallback to srcMac's last learned IP peer.
func (r *Router) resolveIPDestination(srcMac byte, dest npdu.Address) (bvlc.Address, error) {
	if len(dest.Addr) == 6 {
		var a bvlc.Address
		copy(a[:], dest.Addr)
		return a, nil
	}
	if learned, ok := r.Addresses.LookupByMac(srcMac); ok {
		return learned, nil
	}
	return bvlc.Address{}, bacerr.New(bacerr.KindAddressInvalid, "IP destination address is not 6 bytes and no learned mapping exists")
}

// deliverToIP wraps an outgoing NPDU as a BVLC message and sends it;
// broadcast additionally fans out to FDT entries via the datalink's own
// SendBroadcast.
func (r *Router) deliverToIP(out npdu.NPDU, rest []byte, dest bvlc.Address, broadcast bool) error {
	wire := npdu.Build(out, rest)
	if broadcast {
		_, err := r.ip.SendBroadcast(wire)
		return err
	}
	return r.ip.SendUnicast(wire, dest)
}

// rebuildNPDU keeps priority/network-message/expecting-reply, always
// inserts source, and either strips destination+hop-count (final
// delivery) or keeps them with
// hop count decremented.
func rebuildNPDU(n npdu.NPDU, source npdu.Address, finalDelivery bool) npdu.NPDU {
	out := npdu.NPDU{
		Version:        npdu.ProtocolVersion,
		NetworkMessage: n.NetworkMessage,
		ExpectingReply: n.ExpectingReply,
		Priority:       n.Priority,
		Source:         &source,
	}
	if !finalDelivery && n.Destination != nil {
		dest := *n.Destination
		out.Destination = &dest
		out.HopCount = npdu.DecrementHopCount(n.HopCount)
	}
	return out
}

// rejectTowardMSTP originates a Reject-Message-To-Network back onto the
// MS/TP side, unicast to the offending source MAC.
func (r *Router) rejectTowardMSTP(reason npdu.RejectReason, dnet uint16, dstMac byte) error {
	n := npdu.NPDU{Version: npdu.ProtocolVersion, NetworkMessage: true}
	wire := npdu.Build(n, npdu.EncodeRejectMessageToNetwork(reason, dnet))
	return r.mstp.Enqueue(wire, dstMac, false)
}

// rejectTowardIP originates a Reject-Message-To-Network back onto the
// IP side, unicast to the offending requester.
func (r *Router) rejectTowardIP(reason npdu.RejectReason, dnet uint16, requester bvlc.Address) error {
	n := npdu.NPDU{Version: npdu.ProtocolVersion, NetworkMessage: true}
	wire := npdu.Build(n, npdu.EncodeRejectMessageToNetwork(reason, dnet))
	return r.ip.SendUnicast(wire, requester)
}

// RouteFromIP takes an NPDU received over BVLC from requester, parses
// it, optionally reassembles it, and delivers it onto MS/TP.
func (r *Router) RouteFromIP(npduBytes []byte, requester bvlc.Address, now time.Time) error {
	n, err := npdu.Parse(npduBytes)
	if err != nil {
		return err
	}
	if n.Destination != nil && n.HopCount < 1 {
		return bacerr.New(bacerr.KindHopCountExhausted, "IP NPDU arrived with hop count below minimum")
	}

	if n.NetworkMessage {
		return r.handleNetworkMessageFromIP(n, requester, now)
	}

	apduBytes := n.Rest
	if len(apduBytes) > 0 {
		if ty, tyErr := apdu.TypeOf(apduBytes); tyErr == nil && ty == apdu.TypeConfirmedRequest && apduBytes[0]&0x08 != 0 {
			return r.handleSegment(n, apduBytes, requester, now)
		}
	}

	return r.routeConfirmedOrOther(n, apduBytes, requester, now)
}

// handleSegment drives one incoming segment through the reassembly
// table and, on completion, continues routing with the reassembled APDU.
func (r *Router) handleSegment(n npdu.NPDU, apduBytes []byte, requester bvlc.Address, now time.Time) error {
	seg, err := apdu.ParseSegment(apduBytes)
	if err != nil {
		return err
	}
	decision := r.Segments.Accept(seg, requester, now)
	if decision.Send {
		ack := apdu.BuildSegmentAck(decision.Negative, true, seg.InvokeID, decision.AckedSeq, decision.WindowSize)
		ackNPDU := npdu.NPDU{Version: npdu.ProtocolVersion}
		if sendErr := r.ip.SendUnicast(npdu.Build(ackNPDU, ack), decision.Requester); sendErr != nil {
			return sendErr
		}
	}
	if !decision.Complete {
		return nil
	}
	return r.routeConfirmedOrOther(n, decision.ReassembledAPDU, requester, now)
}

// routeConfirmedOrOther handles an APDU that is either a non-segmented
// ConfirmedRequest or any other payload
// (unconfirmed request, or a reassembled confirmed request).
func (r *Router) routeConfirmedOrOther(n npdu.NPDU, apduBytes []byte, requester bvlc.Address, now time.Time) error {
	dstMac, final, dropForOtherSide, err := r.resolveMSTPDestination(n, requester)
	if bacerr.Is(err, bacerr.KindNetworkUnreachable) {
		return r.rejectTowardIP(npdu.ReasonNotRouterToDnet, n.Destination.Network, requester)
	}
	if err != nil {
		return err
	}
	if dropForOtherSide {
		return nil
	}
	if dstMac != 255 {
		r.Addresses.Learn(dstMac, requester, now)
	}

	expectsReply := false
	if len(apduBytes) > 0 {
		if ty, tyErr := apdu.TypeOf(apduBytes); tyErr == nil && ty == apdu.TypeConfirmedRequest {
			expectsReply = true
			if hdr, hdrErr := apdu.ParseConfirmedRequest(apduBytes); hdrErr == nil {
				tx := &Transaction{
					InvokeID:     hdr.InvokeID,
					IPSource:     requester,
					DstNetwork:   r.cfg.MSTPNetwork,
					DstMac:       dstMac,
					Service:      hdr.ServiceChoice,
					CreatedAt:    now,
					Timeout:      ServiceTimeout(hdr.ServiceChoice),
					MaxRetries:   DefaultMaxRetries,
					OriginalNPDU: npdu.Build(n, apduBytes),
				}
				if createErr := r.Transactions.Create(tx, now); createErr != nil {
					abort := apdu.BuildAbort(hdr.InvokeID, apdu.ReasonOther, true)
					abortNPDU := npdu.NPDU{Version: npdu.ProtocolVersion}
					_ = r.ip.SendUnicast(npdu.Build(abortNPDU, abort), requester)
					return createErr
				}
			}
		}
	}

	source := r.ipSourceAddress(requester)
	out := rebuildNPDU(n, source, final)
	out.ExpectingReply = expectsReply
	wire := npdu.Build(out, apduBytes)
	return r.mstp.Enqueue(wire, dstMac, expectsReply)
}

// resolveMSTPDestination resolves the MS/TP MAC an NPDU's DNET/DADR
// should reach. dropForOtherSide is true when DNET names the IP
// network itself (nothing to forward). A zero-length DADR is a
// broadcast on the MS/TP network (MAC 255). A well-formed 1-byte DADR is
// authoritative; any other length falls back to whatever MAC the
// address table last learned for requester.
func (r *Router) resolveMSTPDestination(n npdu.NPDU, requester bvlc.Address) (dstMac byte, final bool, dropForOtherSide bool, err error) {
	if n.Destination == nil {
		return 255, true, false, nil
	}
	switch {
	case n.Destination.Network == r.cfg.MSTPNetwork:
		if n.Destination.Broadcast() {
			return 255, true, false, nil
		}
		if len(n.Destination.Addr) != 1 {
			if learned, ok := r.Addresses.LookupByIP(requester); ok {
				return learned, true, false, nil
			}
			return 0, false, false, bacerr.New(bacerr.KindAddressInvalid, "MS/TP destination address is not 1 byte and no learned mapping exists")
		}
		return n.Destination.Addr[0], true, false, nil
	case n.Destination.Network == 0xFFFF:
		return 255, true, false, nil
	case n.Destination.Network == r.cfg.IPNetwork:
		return 0, false, true, nil
	default:
		return 0, false, false, bacerr.NetworkUnreachable(n.Destination.Network)
	}
}

// handleNetworkMessageFromIP answers or forwards a network-layer
// message that arrived over BVLC.
func (r *Router) handleNetworkMessageFromIP(n npdu.NPDU, requester bvlc.Address, now time.Time) error {
	if len(n.Rest) == 0 {
		return bacerr.New(bacerr.KindNpduParseError, "empty network-layer message")
	}
	switch npdu.MessageType(n.Rest[0]) {
	case npdu.MsgWhoIsRouterToNetwork:
		queried, err := npdu.ParseWhoIsRouterToNetwork(n.Rest[1:])
		if err != nil {
			return err
		}
		if !r.servesNetwork(queried) {
			return nil
		}
		return r.announceIAmRouter(sideIP, requester, 0)
	case npdu.MsgIAmRouterToNetwork:
		return nil
	case npdu.MsgRejectMessageToNetwork:
		return nil
	default:
		return nil
	}
}

// handleNetworkMessageFromMSTP is the MS/TP-side mirror of
// handleNetworkMessageFromIP.
func (r *Router) handleNetworkMessageFromMSTP(n npdu.NPDU, srcMac byte, now time.Time) error {
	if len(n.Rest) == 0 {
		return bacerr.New(bacerr.KindNpduParseError, "empty network-layer message")
	}
	switch npdu.MessageType(n.Rest[0]) {
	case npdu.MsgWhoIsRouterToNetwork:
		queried, err := npdu.ParseWhoIsRouterToNetwork(n.Rest[1:])
		if err != nil {
			return err
		}
		if !r.servesNetwork(queried) {
			return nil
		}
		return r.announceIAmRouter(sideMSTP, bvlc.Address{}, srcMac)
	case npdu.MsgIAmRouterToNetwork:
		return nil
	case npdu.MsgRejectMessageToNetwork:
		return nil
	default:
		return nil
	}
}

// servesNetwork implements the Who-Is-Router-To-Network match rule: an
// empty query, this router's own networks, or 0xFFFF all match.
func (r *Router) servesNetwork(queried *uint16) bool {
	if queried == nil || *queried == 0xFFFF {
		return true
	}
	return *queried == r.cfg.MSTPNetwork || *queried == r.cfg.IPNetwork
}

type linkSide int

const (
	sideIP linkSide = iota
	sideMSTP
)

// announceIAmRouter sends I-Am-Router-To-Network both unicast to the
// requester and as a broadcast on the link the query arrived on.
func (r *Router) announceIAmRouter(side linkSide, ipRequester bvlc.Address, mstpRequester byte) error {
	body := npdu.EncodeIAmRouterToNetwork([]uint16{r.cfg.MSTPNetwork, r.cfg.IPNetwork})
	n := npdu.NPDU{Version: npdu.ProtocolVersion, NetworkMessage: true}
	wire := npdu.Build(n, body)

	switch side {
	case sideIP:
		if err := r.ip.SendUnicast(wire, ipRequester); err != nil {
			return err
		}
		_, err := r.ip.SendBroadcast(wire)
		return err
	default:
		if err := r.mstp.Enqueue(wire, mstpRequester, false); err != nil {
			return err
		}
		return r.mstp.Enqueue(wire, 255, false)
	}
}

// AnnounceStartup sends the startup I-Am-Router-To-Network broadcast
// onto both links.
func (r *Router) AnnounceStartup() error {
	body := npdu.EncodeIAmRouterToNetwork([]uint16{r.cfg.MSTPNetwork, r.cfg.IPNetwork})
	n := npdu.NPDU{Version: npdu.ProtocolVersion, NetworkMessage: true}
	wire := npdu.Build(n, body)

	if err := r.mstp.Enqueue(wire, 255, false); err != nil {
		return err
	}
	_, err := r.ip.SendBroadcast(wire)
	return err
}

// Housekeeping runs the periodic maintenance pass: address-table
// aging, transaction timeout/retry/Abort, and segment-buffer
// staleness cleanup. FDT expiry lives on the BVLC datalink and is swept
// there.
func (r *Router) Housekeeping(now time.Time) {
	r.Addresses.Sweep(now)
	r.Segments.Sweep(now)

	for _, result := range r.Transactions.Sweep(now) {
		if result.Retried {
			_ = r.mstp.Enqueue(result.Transaction.OriginalNPDU, result.Transaction.DstMac, true)
			continue
		}
		abort := apdu.BuildAbort(result.Transaction.InvokeID, apdu.ReasonOther, true)
		abortNPDU := npdu.NPDU{Version: npdu.ProtocolVersion}
		_ = r.ip.SendUnicast(npdu.Build(abortNPDU, abort), result.Transaction.IPSource)
	}
}
