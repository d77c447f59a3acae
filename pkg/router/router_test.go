package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/bacrouter/pkg/apdu"
	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/npdu"
)

type fakeMSTP struct {
	sent []mstpSend
}

type mstpSend struct {
	payload      []byte
	dst          byte
	expectsReply bool
}

func (f *fakeMSTP) Enqueue(payload []byte, dst byte, expectsReply bool) error {
	f.sent = append(f.sent, mstpSend{payload: payload, dst: dst, expectsReply: expectsReply})
	return nil
}

type fakeIP struct {
	unicast   []ipSend
	broadcast [][]byte
}

type ipSend struct {
	payload []byte
	dest    bvlc.Address
}

func (f *fakeIP) SendUnicast(npduBytes []byte, dest bvlc.Address) error {
	f.unicast = append(f.unicast, ipSend{payload: npduBytes, dest: dest})
	return nil
}

func (f *fakeIP) SendBroadcast(npduBytes []byte) (bvlc.BroadcastResult, error) {
	f.broadcast = append(f.broadcast, npduBytes)
	return bvlc.BroadcastResult{Attempted: []bvlc.Destination{{Category: "global"}}}, nil
}

func testAddr(t *testing.T, bytes [6]byte) bvlc.Address {
	t.Helper()
	return bvlc.Address(bytes)
}

func newTestRouter() (*Router, *fakeMSTP, *fakeIP) {
	mstpSender := &fakeMSTP{}
	ipSender := &fakeIP{}
	r := New(Config{MSTPNetwork: 100, IPNetwork: 200}, mstpSender, ipSender)
	return r, mstpSender, ipSender
}

func TestS3WhoIsRouterToNetworkReplied(t *testing.T) {
	r, _, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 5, 0xBA, 0xC0})

	wire := npdu.Build(npdu.NPDU{Version: npdu.ProtocolVersion, NetworkMessage: true}, npdu.EncodeWhoIsRouterToNetwork(nil))
	err := r.RouteFromIP(wire, requester, time.Now())
	require.NoError(t, err)

	require.Len(t, ip.unicast, 1)
	assert.Equal(t, requester, ip.unicast[0].dest)
	require.Len(t, ip.broadcast, 1)

	parsed, err := npdu.Parse(ip.unicast[0].payload)
	require.NoError(t, err)
	nets, err := npdu.ParseIAmRouterToNetwork(parsed.Rest[1:])
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint16{100, 200}, nets)
}

func TestS4ConfirmedRequestRoundTrip(t *testing.T) {
	r, mstpSender, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 9, 0xBA, 0xC0})

	reqAPDU := apdu.BuildConfirmedRequest(apdu.ConfirmedRequestHeader{
		InvokeID:      42,
		ServiceChoice: ServiceReadProperty,
		Payload:       []byte{0x0C, 0x00, 0x00, 0x00, 0x01},
	})
	reqNPDU := npdu.NPDU{
		Version:        npdu.ProtocolVersion,
		ExpectingReply: true,
		Destination:    &npdu.Address{Network: 100, Addr: []byte{5}},
		HopCount:       255,
	}
	wire := npdu.Build(reqNPDU, reqAPDU)

	now := time.Now()
	require.NoError(t, r.RouteFromIP(wire, requester, now))

	require.Len(t, mstpSender.sent, 1)
	assert.Equal(t, byte(5), mstpSender.sent[0].dst)
	assert.True(t, mstpSender.sent[0].expectsReply)

	forwarded, err := npdu.Parse(mstpSender.sent[0].payload)
	require.NoError(t, err)
	assert.Nil(t, forwarded.Destination, "final delivery strips DNET/DADR")
	require.NotNil(t, forwarded.Source)
	assert.Equal(t, uint16(200), forwarded.Source.Network)

	assert.Equal(t, 1, r.Transactions.Len())

	complexAck := []byte{byte(apdu.TypeComplexAck) << 4, 42, ServiceReadProperty, 0x01, 0x02, 0x03}
	respNPDU := npdu.NPDU{Version: npdu.ProtocolVersion}
	respWire := npdu.Build(respNPDU, complexAck)

	require.NoError(t, r.RouteFromMSTP(respWire, 5, now))
	require.Len(t, ip.unicast, 1)
	assert.Equal(t, requester, ip.unicast[0].dest)
	assert.Equal(t, 0, r.Transactions.Len())
}

func TestS5UnknownNetworkRejected(t *testing.T) {
	r, mstpSender, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 9, 0xBA, 0xC0})

	n := npdu.NPDU{
		Version:     npdu.ProtocolVersion,
		Destination: &npdu.Address{Network: 9999, Addr: []byte{5}},
		HopCount:    255,
	}
	wire := npdu.Build(n, []byte{0x01})

	require.NoError(t, r.RouteFromIP(wire, requester, time.Now()))
	assert.Empty(t, mstpSender.sent)
	require.Len(t, ip.unicast, 1)

	parsed, err := npdu.Parse(ip.unicast[0].payload)
	require.NoError(t, err)
	assert.True(t, parsed.NetworkMessage)
	assert.Equal(t, []byte{0x03, 0x01, 0x27, 0x0F}, parsed.Rest)
}

func TestS7SegmentedReassembly(t *testing.T) {
	r, mstpSender, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 11, 0xBA, 0xC0})
	dest := &npdu.Address{Network: 100, Addr: []byte{9}}
	now := time.Now()

	sendSegment := func(seq byte, more bool, payload []byte) {
		t.Helper()
		seg := apdu.SegmentHeader{
			MoreFollows:        more,
			MaxAPDUAccepted:    0x05,
			InvokeID:           7,
			SequenceNumber:     seq,
			ProposedWindowSize: 1,
			ServiceChoice:      ServiceReadPropertyMultiple,
			Payload:            payload,
		}
		flags := byte(apdu.TypeConfirmedRequest)<<4 | 0x08
		if more {
			flags |= 0x04
		}
		body := []byte{flags, seg.MaxAPDUAccepted, seg.InvokeID, seg.SequenceNumber, seg.ProposedWindowSize, seg.ServiceChoice}
		body = append(body, payload...)
		n := npdu.NPDU{Version: npdu.ProtocolVersion, ExpectingReply: true, Destination: dest, HopCount: 255}
		wire := npdu.Build(n, body)
		require.NoError(t, r.RouteFromIP(wire, requester, now))
	}

	sendSegment(0, true, []byte{0xAA})
	sendSegment(1, true, []byte{0xBB})
	require.Len(t, ip.unicast, 2)
	assert.Equal(t, 0, r.Transactions.Len())

	sendSegment(2, false, []byte{0xCC})
	require.Len(t, ip.unicast, 3)
	require.Len(t, mstpSender.sent, 1)
	assert.Equal(t, 1, r.Transactions.Len())

	forwarded, err := npdu.Parse(mstpSender.sent[0].payload)
	require.NoError(t, err)
	hdr, err := apdu.ParseConfirmedRequest(forwarded.Rest)
	require.NoError(t, err)
	assert.Equal(t, byte(7), hdr.InvokeID)
	assert.Equal(t, ServiceReadPropertyMultiple, hdr.ServiceChoice)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, hdr.Payload)
}

func TestSegmentOutOfOrderDiscardsBuffer(t *testing.T) {
	r, mstpSender, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 12, 0xBA, 0xC0})
	dest := &npdu.Address{Network: 100, Addr: []byte{9}}
	now := time.Now()

	seg0 := []byte{byte(apdu.TypeConfirmedRequest)<<4 | 0x08 | 0x04, 0x05, 9, 0, 1, ServiceReadPropertyMultiple, 0xAA}
	n0 := npdu.NPDU{Version: npdu.ProtocolVersion, ExpectingReply: true, Destination: dest, HopCount: 255}
	require.NoError(t, r.RouteFromIP(npdu.Build(n0, seg0), requester, now))

	seg2 := []byte{byte(apdu.TypeConfirmedRequest)<<4 | 0x08, 0x05, 9, 2, 1, ServiceReadPropertyMultiple, 0xCC}
	require.NoError(t, r.RouteFromIP(npdu.Build(n0, seg2), requester, now))

	require.Len(t, ip.unicast, 2)
	negAck, err := npdu.Parse(ip.unicast[1].payload)
	require.NoError(t, err)
	assert.Equal(t, byte(apdu.TypeSegmentAck)<<4|0x08|0x04, negAck.Rest[0])
	assert.Empty(t, mstpSender.sent)
	assert.Equal(t, 0, r.Transactions.Len())
}

func TestHousekeepingRetriesThenAborts(t *testing.T) {
	r, mstpSender, ip := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 13, 0xBA, 0xC0})
	now := time.Now()

	tx := &Transaction{
		InvokeID:     1,
		IPSource:     requester,
		DstMac:       9,
		Service:      ServiceReadProperty,
		CreatedAt:    now,
		Timeout:      time.Second,
		MaxRetries:   1,
		OriginalNPDU: []byte{0x01, 0x00},
	}
	require.NoError(t, r.Transactions.Create(tx, now))

	r.Housekeeping(now.Add(2 * time.Second))
	require.Len(t, mstpSender.sent, 1, "first timeout retries the original request")
	assert.Equal(t, 1, r.Transactions.Len())

	r.Housekeeping(now.Add(10 * time.Second))
	require.Len(t, ip.unicast, 1, "second timeout aborts to the IP client")
	assert.Equal(t, 0, r.Transactions.Len())

	abortNPDU, err := npdu.Parse(ip.unicast[0].payload)
	require.NoError(t, err)
	assert.Equal(t, byte(apdu.TypeAbort)<<4|1, abortNPDU.Rest[0])
}

func TestAddressTableLearnAndSweep(t *testing.T) {
	table := NewAddressTable(time.Minute)
	ip := testAddr(t, [6]byte{1, 2, 3, 4, 5, 6})
	now := time.Now()
	table.Learn(9, ip, now)

	mac, ok := table.LookupByIP(ip)
	require.True(t, ok)
	assert.Equal(t, byte(9), mac)

	table.Sweep(now.Add(2 * time.Minute))
	_, ok = table.LookupByIP(ip)
	assert.False(t, ok)
}

func TestRouteFromMSTPLearnsIPPeer(t *testing.T) {
	r, _, ip := newTestRouter()
	dest := testAddr(t, [6]byte{10, 0, 0, 20, 0xBA, 0xC0})
	now := time.Now()

	n := npdu.NPDU{
		Version:     npdu.ProtocolVersion,
		Destination: &npdu.Address{Network: 200, Addr: dest[:]},
		HopCount:    255,
	}
	wire := npdu.Build(n, []byte{byte(apdu.TypeUnconfirmedRequest) << 4, 0x08})

	require.NoError(t, r.RouteFromMSTP(wire, 5, now))
	require.Len(t, ip.unicast, 1)

	learned, ok := r.Addresses.LookupByMac(5)
	require.True(t, ok, "RouteFromMSTP should learn the MS/TP source's IP peer")
	assert.Equal(t, dest, learned)
}

func TestRouteFromMSTPFallsBackToLearnedPeerOnMalformedDADR(t *testing.T) {
	r, _, ip := newTestRouter()
	dest := testAddr(t, [6]byte{10, 0, 0, 21, 0xBA, 0xC0})
	now := time.Now()
	r.Addresses.Learn(6, dest, now)

	n := npdu.NPDU{
		Version:     npdu.ProtocolVersion,
		Destination: &npdu.Address{Network: 200, Addr: []byte{1, 2, 3}},
		HopCount:    255,
	}
	wire := npdu.Build(n, []byte{byte(apdu.TypeUnconfirmedRequest) << 4, 0x08})

	require.NoError(t, r.RouteFromMSTP(wire, 6, now))
	require.Len(t, ip.unicast, 1)
	assert.Equal(t, dest, ip.unicast[0].dest)
}

func TestRouteFromIPFallsBackToLearnedMACOnMalformedDADR(t *testing.T) {
	r, mstpSender, _ := newTestRouter()
	requester := testAddr(t, [6]byte{10, 0, 0, 22, 0xBA, 0xC0})
	now := time.Now()
	r.Addresses.Learn(7, requester, now)

	n := npdu.NPDU{
		Version:     npdu.ProtocolVersion,
		Destination: &npdu.Address{Network: 100, Addr: []byte{1, 2}},
		HopCount:    255,
	}
	wire := npdu.Build(n, []byte{byte(apdu.TypeUnconfirmedRequest) << 4, 0x08})

	require.NoError(t, r.RouteFromIP(wire, requester, now))
	require.Len(t, mstpSender.sent, 1)
	assert.Equal(t, byte(7), mstpSender.sent[0].dst)
}

func TestTransactionTableRejectsDuplicateKey(t *testing.T) {
	table := NewTransactionTable()
	now := time.Now()
	require.NoError(t, table.Create(&Transaction{InvokeID: 1, DstMac: 5, Timeout: time.Second}, now))
	err := table.Create(&Transaction{InvokeID: 1, DstMac: 5, Timeout: time.Second}, now)
	assert.Error(t, err)
}
