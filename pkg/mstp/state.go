package mstp

import (
	"fmt"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
)

// State is one of the nine states of the MS/TP master-node machine
// (ASHRAE 135 clause 9.5).
type State int

const (
	StateInitialize State = iota
	StateIdle
	StateUseToken
	StateWaitForReply
	StateAnswerDataRequest
	StateDoneWithToken
	StatePassToken
	StatePollForMaster
)

func (s State) String() string {
	switch s {
	case StateInitialize:
		return "Initialize"
	case StateIdle:
		return "Idle"
	case StateUseToken:
		return "UseToken"
	case StateWaitForReply:
		return "WaitForReply"
	case StateAnswerDataRequest:
		return "AnswerDataRequest"
	case StateDoneWithToken:
		return "DoneWithToken"
	case StatePassToken:
		return "PassToken"
	case StatePollForMaster:
		return "PollForMaster"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// waitForReplyRejectSet is the negative list of §4.1: frame types that,
// arriving addressed to TS while WaitForReply, signal an ambiguous bus
// state and send the engine back to Idle rather than accepting them as
// the awaited reply. Everything else — including unknown, proprietary,
// and segmented ComplexAck frames — is accepted as a reply.
func inWaitForReplyRejectSet(t FrameType) bool {
	switch t {
	case FrameToken, FramePollForMaster, FrameReplyToPollForMaster, FrameTestRequest:
		return true
	default:
		return false
	}
}

// Engine is the MS/TP master-node state machine plus its framing layer.
// It is the sole writer of its own state; the router hands it outbound
// payloads through Enqueue and drains inbound ones through Recv.
type Engine struct {
	TS          byte
	MaxMaster   byte
	MaxInfoFrames int

	NextStation byte
	PollStation byte
	TokenCount  int
	FrameCount  int
	SoleMaster  bool
	Retries     int

	state State

	pendingRequest *InFrame

	timing Timing

	silenceMark    time.Time
	noTokenMark    time.Time
	replyMark      time.Time
	usageMark      time.Time
	replyDelayMark time.Time
	slotMark       time.Time
	lastTokenMark  time.Time

	decoder *Decoder
	sendQ   *boundedOutQueue
	recvQ   *boundedInQueue

	Port      UART
	Direction DirectionController

	Stats *Stats

	Now func() time.Time
}

// NewEngine constructs an Engine for station TS. maxMaster and
// maxInfoFrames are validated against the node's configured bounds.
func NewEngine(ts, maxMaster byte, maxInfoFrames int, timing Timing, port UART) (*Engine, error) {
	if maxMaster > MaxMasterMAC {
		return nil, bacerr.Newf(bacerr.KindAddressInvalid, "max_master %d exceeds %d", maxMaster, MaxMasterMAC)
	}
	if ts > maxMaster {
		return nil, bacerr.Newf(bacerr.KindAddressInvalid, "station MAC %d exceeds max_master %d", ts, maxMaster)
	}
	if maxInfoFrames < 1 {
		return nil, bacerr.New(bacerr.KindAddressInvalid, "max_info_frames must be >= 1")
	}

	now := time.Now()
	e := &Engine{
		TS:            ts,
		MaxMaster:     maxMaster,
		MaxInfoFrames: maxInfoFrames,
		NextStation:   ts,
		PollStation:   ts,
		state:         StateInitialize,
		timing:        timing,
		decoder:       NewDecoder(),
		sendQ:         newBoundedOutQueue(sendQueueCap),
		recvQ:         newBoundedInQueue(recvQueueCap),
		Port:          port,
		Stats:         newStats(),
		Now:           time.Now,
		silenceMark:   now,
		noTokenMark:   now,
	}
	return e, nil
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// Enqueue submits a payload for transmission the next time the engine
// holds the token. If the send queue (capacity 16) is already full the
// payload is not queued and a KindIoError error ("mstp send queue full")
// is returned; there is no dedicated buffer-full error kind.
func (e *Engine) Enqueue(payload []byte, dst byte, expectsReply bool) error {
	return e.sendQ.Enqueue(OutFrame{Payload: payload, Dst: dst, ExpectsReply: expectsReply})
}

// Recv pops the oldest received payload, if any.
func (e *Engine) Recv() (InFrame, bool) {
	return e.recvQ.Dequeue()
}

func (e *Engine) successor() byte {
	return byte((int(e.NextStation) + 1) % (int(e.MaxMaster) + 1))
}

func (e *Engine) nextPoll() byte {
	return byte((int(e.PollStation) + 1) % (int(e.MaxMaster) + 1))
}

// OnByte feeds one received byte from the UART into the framing layer
// and, once a full frame is assembled, dispatches it against the
// current state. now is the monotonic instant the byte arrived.
func (e *Engine) OnByte(b byte, now time.Time) {
	e.silenceMark = now
	f := e.decoder.Feed(b)
	e.Stats.recordDecoderErrors(e.decoder)
	if f == nil {
		return
	}
	e.Stats.recordFrameReceived()
	e.handleFrame(f, now)
}

// Tick evaluates every timer- and queue-driven transition that does not
// depend on an incoming frame. It must be called frequently (at least
// once per Slot/UsageTimeout interval) for token-ring timing to hold.
func (e *Engine) Tick(now time.Time) {
	switch e.state {
	case StateInitialize:
		if now.Sub(e.silenceMark) >= e.timing.NoToken {
			e.state = StateIdle
			e.noTokenMark = now
		}

	case StateIdle:
		if now.Sub(e.noTokenMark) >= e.timing.NoToken {
			e.PollStation = byte((int(e.TS) + 1) % (int(e.MaxMaster) + 1))
			e.transmit(Frame{Type: FramePollForMaster, Dst: e.PollStation, Src: e.TS})
			e.slotMark = now
			e.state = StatePollForMaster
		}

	case StateUseToken:
		e.advanceUseToken(now)

	case StateWaitForReply:
		if now.Sub(e.replyMark) >= e.timing.ReplyTimeout {
			if e.Retries < e.timing.MaxRetry {
				e.Retries++
				e.Stats.recordReplyTimeout()
			} else {
				e.Retries = 0
				e.Stats.recordTokenPassFailure()
			}
			e.state = StateDoneWithToken
			e.enterDoneWithToken(now)
		}

	case StateAnswerDataRequest:
		if now.Sub(e.replyDelayMark) >= e.timing.ReplyDelay {
			if e.pendingRequest != nil {
				e.recvQ.Enqueue(*e.pendingRequest)
				e.pendingRequest = nil
			}
			e.state = StateIdle
			e.noTokenMark = now
		}

	case StateDoneWithToken:
		e.enterDoneWithToken(now)

	case StatePassToken:
		e.transmit(Frame{Type: FrameToken, Dst: e.NextStation, Src: e.TS})
		e.state = StateIdle
		e.noTokenMark = now

	case StatePollForMaster:
		if now.Sub(e.slotMark) >= e.timing.Slot {
			if e.nextPoll() != e.TS {
				e.PollStation = e.nextPoll()
				e.transmit(Frame{Type: FramePollForMaster, Dst: e.PollStation, Src: e.TS})
				e.slotMark = now
			} else {
				e.SoleMaster = true
				e.NextStation = e.TS
				e.enterUseToken(now, false)
			}
		}
	}
}

// enterDoneWithToken implements the DoneWithToken exit rule: poll for
// new masters every N_POLL token holds unless doing so would target the
// station's own successor (itself).
func (e *Engine) enterDoneWithToken(now time.Time) {
	if e.TokenCount >= e.timing.NPoll && e.successor() != e.TS {
		e.TokenCount = 0
		e.PollStation = e.successor()
		e.transmit(Frame{Type: FramePollForMaster, Dst: e.PollStation, Src: e.TS})
		e.slotMark = now
		e.state = StatePollForMaster
		return
	}
	e.state = StatePassToken
}

// advanceUseToken drains the send queue while the token is held,
// stepping into WaitForReply for a frame that expects a reply and into
// DoneWithToken once the queue empties, max_info_frames is hit, or the
// usage timer expires.
func (e *Engine) advanceUseToken(now time.Time) {
	if now.Sub(e.usageMark) >= e.timing.UsageTimeout {
		e.state = StateDoneWithToken
		e.enterDoneWithToken(now)
		return
	}

	out, ok := e.sendQ.Peek()
	if !ok || e.FrameCount >= e.MaxInfoFrames {
		e.state = StateDoneWithToken
		e.enterDoneWithToken(now)
		return
	}

	ft := FrameDataNotExpectingReply
	if out.ExpectsReply {
		ft = FrameDataExpectingReply
	}
	e.transmit(Frame{Type: ft, Dst: out.Dst, Src: e.TS, Data: out.Payload})
	e.sendQ.Pop()
	e.FrameCount++

	if out.ExpectsReply {
		e.replyMark = now
		e.state = StateWaitForReply
	}
}

func (e *Engine) enterUseToken(now time.Time, gotToken bool) {
	if gotToken {
		e.TokenCount++
	}
	e.FrameCount = 0
	e.usageMark = now
	e.state = StateUseToken
}

func (e *Engine) handleFrame(f *Frame, now time.Time) {
	// Any valid frame observed while Initialize joins the bus immediately;
	// the same frame is then evaluated as an Idle-state event below.
	if e.state == StateInitialize {
		e.state = StateIdle
		e.noTokenMark = now
	}

	switch e.state {
	case StateIdle:
		e.handleIdleFrame(f, now)

	case StateWaitForReply:
		e.handleWaitForReplyFrame(f, now)

	case StatePollForMaster:
		if f.Type == FrameReplyToPollForMaster && f.Dst == e.TS {
			e.NextStation = f.Src
			e.SoleMaster = false
			e.enterUseToken(now, false)
		}

	default:
		// Frames arriving in UseToken/AnswerDataRequest/DoneWithToken/
		// PassToken are not part of the transition table; they are
		// simply not expected on a half-duplex bus while this station
		// is mid-cycle, and are ignored.
	}
}

func (e *Engine) handleIdleFrame(f *Frame, now time.Time) {
	switch {
	case f.Type == FrameToken && f.Dst == e.TS:
		e.noTokenMark = now
		e.Stats.markDiscovered(f.Src)
		if !e.lastTokenMark.IsZero() {
			e.Stats.recordTokenLoop(now.Sub(e.lastTokenMark))
		}
		e.lastTokenMark = now
		e.enterUseToken(now, true)

	case f.Type == FramePollForMaster && f.Dst == e.TS:
		e.transmit(Frame{Type: FrameReplyToPollForMaster, Dst: f.Src, Src: e.TS})

	case f.Type == FrameDataExpectingReply && f.Dst == e.TS:
		req := InFrame{Payload: f.Data, Src: f.Src}
		e.pendingRequest = &req
		e.replyDelayMark = now
		e.state = StateAnswerDataRequest

	case f.Type == FrameDataNotExpectingReply && (f.Dst == e.TS || f.Dst == BroadcastMAC):
		e.recvQ.Enqueue(InFrame{Payload: f.Data, Src: f.Src})
	}
}

func (e *Engine) handleWaitForReplyFrame(f *Frame, now time.Time) {
	if f.Dst != e.TS && f.Dst != BroadcastMAC {
		return
	}
	if f.Dst == e.TS && inWaitForReplyRejectSet(f.Type) {
		e.state = StateIdle
		e.noTokenMark = now
		return
	}
	e.recvQ.Enqueue(InFrame{Payload: f.Data, Src: f.Src})
	e.Retries = 0
	e.state = StateDoneWithToken
}

func (e *Engine) transmit(f Frame) {
	wire, err := f.Encode()
	if err != nil {
		return
	}
	if e.Direction != nil {
		e.Direction.AssertTransmit()
		defer e.Direction.ReleaseTransmit()
	}
	if e.Port == nil {
		return
	}
	if _, err := e.Port.Write(wire); err == nil {
		e.Stats.recordFrameSent()
	}
}
