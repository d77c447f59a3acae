package mstp

import (
	"testing"
	"time"
)

// fakeUART records every frame written and never yields received bytes
// on its own; tests drive reception through Engine.OnByte directly.
type fakeUART struct {
	written [][]byte
}

func (u *fakeUART) Write(p []byte) (int, error) {
	cp := append([]byte{}, p...)
	u.written = append(u.written, cp)
	return len(p), nil
}

func (u *fakeUART) ReadByte() (byte, bool, error) { return 0, false, nil }

func (u *fakeUART) lastFrame(t *testing.T) *Frame {
	t.Helper()
	if len(u.written) == 0 {
		t.Fatal("no frame written")
	}
	d := NewDecoder()
	var f *Frame
	for _, wire := range u.written[len(u.written)-1:] {
		for _, b := range wire {
			if got := d.Feed(b); got != nil {
				f = got
			}
		}
	}
	if f == nil {
		t.Fatal("last write did not decode to a frame")
	}
	return f
}

func newTestEngine(t *testing.T, ts, maxMaster byte) (*Engine, *fakeUART, *time.Time) {
	t.Helper()
	port := &fakeUART{}
	e, err := NewEngine(ts, maxMaster, 1, DefaultTiming(), port)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.silenceMark = now
	e.noTokenMark = now
	return e, port, &now
}

func feedFrame(e *Engine, f Frame, now time.Time) {
	wire, _ := f.Encode()
	for _, b := range wire {
		e.OnByte(b, now)
	}
}

func TestInitializeToIdleOnSilence(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	if e.State() != StateInitialize {
		t.Fatalf("initial state = %v, want Initialize", e.State())
	}
	*now = now.Add(DefaultTiming().NoToken)
	e.Tick(*now)
	if e.State() != StateIdle {
		t.Fatalf("state after silence = %v, want Idle", e.State())
	}
}

func TestInitializeToIdleOnValidFrame(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	feedFrame(e, Frame{Type: FrameDataNotExpectingReply, Dst: BroadcastMAC, Src: 1, Data: []byte{1}}, *now)
	if e.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", e.State())
	}
	if f, ok := e.Recv(); !ok || f.Src != 1 {
		t.Fatalf("expected the causing frame to be delivered as an Idle event, got %v ok=%v", f, ok)
	}
}

// TestIdleTokenToUseToken checks that a Token addressed to TS enters
// UseToken with a fresh frame_count.
func TestIdleTokenToUseToken(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	e.state = StateIdle

	feedFrame(e, Frame{Type: FrameToken, Dst: 5, Src: 2}, *now)

	if e.State() != StateUseToken {
		t.Fatalf("state = %v, want UseToken", e.State())
	}
	if e.TokenCount != 1 {
		t.Fatalf("TokenCount = %d, want 1", e.TokenCount)
	}
	if e.FrameCount != 0 {
		t.Fatalf("FrameCount = %d, want 0", e.FrameCount)
	}
	masters := e.Stats.DiscoveredMasters()
	if !masters[2] {
		t.Fatal("station 2 not marked as discovered master")
	}
}

func TestIdlePollForMasterRepliesAndStaysIdle(t *testing.T) {
	e, port, now := newTestEngine(t, 5, 10)
	e.state = StateIdle

	feedFrame(e, Frame{Type: FramePollForMaster, Dst: 5, Src: 3}, *now)

	if e.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", e.State())
	}
	reply := port.lastFrame(t)
	if reply.Type != FrameReplyToPollForMaster || reply.Dst != 3 {
		t.Fatalf("reply = %+v, want ReplyToPollForMaster to 3", reply)
	}
}

func TestIdleDataExpectingReplyThenReplyDelay(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	e.state = StateIdle

	feedFrame(e, Frame{Type: FrameDataExpectingReply, Dst: 5, Src: 7, Data: []byte("req")}, *now)
	if e.State() != StateAnswerDataRequest {
		t.Fatalf("state = %v, want AnswerDataRequest", e.State())
	}

	*now = now.Add(DefaultTiming().ReplyDelay)
	e.Tick(*now)
	if e.State() != StateIdle {
		t.Fatalf("state after reply_delay = %v, want Idle", e.State())
	}
	f, ok := e.Recv()
	if !ok || string(f.Payload) != "req" || f.Src != 7 {
		t.Fatalf("delivered request = %+v ok=%v, want {req 7}", f, ok)
	}
}

func TestIdleNoTokenTimeoutEntersPollForMaster(t *testing.T) {
	e, port, now := newTestEngine(t, 5, 10)
	e.state = StateIdle

	*now = now.Add(DefaultTiming().NoToken)
	e.Tick(*now)

	if e.State() != StatePollForMaster {
		t.Fatalf("state = %v, want PollForMaster", e.State())
	}
	if e.PollStation != 6 {
		t.Fatalf("PollStation = %d, want 6", e.PollStation)
	}
	f := port.lastFrame(t)
	if f.Type != FramePollForMaster || f.Dst != 6 {
		t.Fatalf("sent %+v, want PollForMaster to 6", f)
	}
}

// TestIdleNoTokenTimeoutPollsTSSuccessorNotNextStation checks that the
// restart poll targets (TS+1) mod (max_master+1), not NextStation's
// successor: the two differ whenever NextStation was left pointing at
// some other station from a prior token pass.
func TestIdleNoTokenTimeoutPollsTSSuccessorNotNextStation(t *testing.T) {
	e, port, now := newTestEngine(t, 5, 10)
	e.state = StateIdle
	e.NextStation = 9

	*now = now.Add(DefaultTiming().NoToken)
	e.Tick(*now)

	if e.State() != StatePollForMaster {
		t.Fatalf("state = %v, want PollForMaster", e.State())
	}
	if e.PollStation != 6 {
		t.Fatalf("PollStation = %d, want 6 (TS+1), got successor-of-NextStation-shaped value", e.PollStation)
	}
	f := port.lastFrame(t)
	if f.Type != FramePollForMaster || f.Dst != 6 {
		t.Fatalf("sent %+v, want PollForMaster to 6", f)
	}
}

// TestUseTokenDrainsQueueThenDoneWithToken checks that frames are sent
// up to max_info_frames, then the token is released.
func TestUseTokenDrainsQueueThenDoneWithToken(t *testing.T) {
	port := &fakeUART{}
	e, err := NewEngine(5, 10, 2, DefaultTiming(), port)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.state = StateUseToken
	e.usageMark = now
	e.NextStation = 6

	if err := e.Enqueue([]byte("a"), 6, false); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue([]byte("b"), 6, false); err != nil {
		t.Fatal(err)
	}

	e.Tick(now)
	if e.State() != StateUseToken || e.FrameCount != 1 {
		t.Fatalf("after 1st drain: state=%v frameCount=%d", e.State(), e.FrameCount)
	}
	e.Tick(now)
	if e.FrameCount != 2 {
		t.Fatalf("FrameCount = %d, want 2", e.FrameCount)
	}
	// max_info_frames reached -> DoneWithToken -> (token_count below NPoll) -> PassToken
	e.Tick(now)
	if e.State() != StatePassToken {
		t.Fatalf("state = %v, want PassToken", e.State())
	}
	e.Tick(now)
	if e.State() != StateIdle {
		t.Fatalf("state after PassToken = %v, want Idle", e.State())
	}
	sent := port.lastFrame(t)
	if sent.Type != FrameToken || sent.Dst != 6 {
		t.Fatalf("token pass = %+v, want Token to 6", sent)
	}
}

// TestUseTokenExpectsReplyEntersWaitForReply exercises the
// expects_reply=true transition of UseToken.
func TestUseTokenExpectsReplyEntersWaitForReply(t *testing.T) {
	port := &fakeUART{}
	e, _ := NewEngine(5, 10, 1, DefaultTiming(), port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.state = StateUseToken
	e.usageMark = now
	e.Enqueue([]byte("req"), 6, true)

	e.Tick(now)
	if e.State() != StateWaitForReply {
		t.Fatalf("state = %v, want WaitForReply", e.State())
	}
}

// TestWaitForReplyAcceptsNonRejectFrame checks that any valid frame in
// WaitForReply that is not in the reject set is accepted, the state
// becomes DoneWithToken, and the payload is queued for the router.
func TestWaitForReplyAcceptsNonRejectFrame(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	e.state = StateWaitForReply
	e.replyMark = *now

	feedFrame(e, Frame{Type: FrameDataExpectingReply, Dst: 5, Src: 9, Data: []byte("resp")}, *now)

	if e.State() != StateDoneWithToken {
		t.Fatalf("state = %v, want DoneWithToken", e.State())
	}
	f, ok := e.Recv()
	if !ok || string(f.Payload) != "resp" {
		t.Fatalf("recv queue = %+v ok=%v", f, ok)
	}
}

// TestWaitForReplyRejectSetReturnsToIdle covers the negative list: a
// Token/PFM/ReplyToPFM/TestRequest addressed to TS while WaitForReply
// sends the engine back to Idle instead of accepting it as a reply.
func TestWaitForReplyRejectSetReturnsToIdle(t *testing.T) {
	for _, ft := range []FrameType{FrameToken, FramePollForMaster, FrameReplyToPollForMaster, FrameTestRequest} {
		e, _, now := newTestEngine(t, 5, 10)
		e.state = StateWaitForReply
		e.replyMark = *now

		feedFrame(e, Frame{Type: ft, Dst: 5, Src: 9}, *now)

		if e.State() != StateIdle {
			t.Fatalf("frame type %v: state = %v, want Idle", ft, e.State())
		}
	}
}

// TestWaitForReplyAcceptsUnknownLookingFrame verifies that a frame type
// outside the reject set (ReplyPostponed here) is still accepted as a
// reply per the negative-list rule.
func TestWaitForReplyAcceptsUnknownLookingFrame(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	e.state = StateWaitForReply
	e.replyMark = *now

	feedFrame(e, Frame{Type: FrameReplyPostponed, Dst: 5, Src: 9, Data: []byte{0x01}}, *now)

	if e.State() != StateDoneWithToken {
		t.Fatalf("state = %v, want DoneWithToken", e.State())
	}
}

func TestWaitForReplyTimeoutRetriesThenFails(t *testing.T) {
	port := &fakeUART{}
	timing := DefaultTiming()
	e, _ := NewEngine(5, 10, 1, timing, port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.state = StateWaitForReply
	e.replyMark = now

	// The first MaxRetry timeouts each increment Retries and pass the
	// token normally; only the (MaxRetry+1)th observes retries>=MAX_RETRY
	// and counts a token-pass failure.
	for i := 0; i <= timing.MaxRetry; i++ {
		now = now.Add(timing.ReplyTimeout)
		e.Tick(now)
		if e.State() != StatePassToken {
			t.Fatalf("retry %d: state = %v, want PassToken", i, e.State())
		}
		e.state = StateWaitForReply
		e.replyMark = now
	}

	if e.Stats.Snapshot().TokenPassFailures != 1 {
		t.Fatalf("TokenPassFailures = %d, want 1", e.Stats.Snapshot().TokenPassFailures)
	}
	if e.Retries != 0 {
		t.Fatalf("Retries = %d, want reset to 0", e.Retries)
	}
}

func TestPollForMasterReplyEntersUseToken(t *testing.T) {
	e, _, now := newTestEngine(t, 5, 10)
	e.state = StatePollForMaster
	e.PollStation = 6

	feedFrame(e, Frame{Type: FrameReplyToPollForMaster, Dst: 5, Src: 6}, *now)

	if e.State() != StateUseToken {
		t.Fatalf("state = %v, want UseToken", e.State())
	}
	if e.NextStation != 6 {
		t.Fatalf("NextStation = %d, want 6", e.NextStation)
	}
	if e.SoleMaster {
		t.Fatal("SoleMaster should be cleared")
	}
}

// TestPollForMasterSlotTimeoutAdvancesThenSoleMaster is invariant-adjacent:
// polling the whole ring with no replies ends in sole-mastership.
func TestPollForMasterSlotTimeoutAdvancesThenSoleMaster(t *testing.T) {
	port := &fakeUART{}
	timing := DefaultTiming()
	e, _ := NewEngine(5, 5, 1, timing, port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.state = StatePollForMaster
	e.PollStation = 5
	e.slotMark = now

	// max_master=5 means stations 0..5; polling from 5 advances through
	// 0,1,2,3,4 before wrapping to 5 (itself) and declaring sole master.
	for i := 0; i < 5; i++ {
		now = now.Add(timing.Slot)
		e.Tick(now)
		if e.State() != StatePollForMaster {
			t.Fatalf("iteration %d: state = %v, want PollForMaster", i, e.State())
		}
	}
	now = now.Add(timing.Slot)
	e.Tick(now)
	if e.State() != StateUseToken {
		t.Fatalf("final state = %v, want UseToken", e.State())
	}
	if !e.SoleMaster {
		t.Fatal("SoleMaster should be set")
	}
	if e.NextStation != e.TS {
		t.Fatalf("NextStation = %d, want %d (self)", e.NextStation, e.TS)
	}
}

// TestDoneWithTokenPollsAtNPoll checks that once token_count reaches
// N_POLL, the next DoneWithToken exit polls for new masters instead of
// immediately passing the token, unless that would target TS itself.
func TestDoneWithTokenPollsAtNPoll(t *testing.T) {
	port := &fakeUART{}
	timing := DefaultTiming()
	e, _ := NewEngine(5, 10, 1, timing, port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.NextStation = 6
	e.TokenCount = timing.NPoll
	e.state = StateDoneWithToken

	e.Tick(now)

	if e.State() != StatePollForMaster {
		t.Fatalf("state = %v, want PollForMaster", e.State())
	}
	if e.TokenCount != 0 {
		t.Fatalf("TokenCount = %d, want reset to 0", e.TokenCount)
	}
	if e.PollStation != 7 {
		t.Fatalf("PollStation = %d, want 7", e.PollStation)
	}
}

func TestDoneWithTokenSkipsPollWhenTargetIsSelf(t *testing.T) {
	port := &fakeUART{}
	timing := DefaultTiming()
	e, _ := NewEngine(5, 10, 1, timing, port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.NextStation = 4 // successor = 5 = TS
	e.TokenCount = timing.NPoll
	e.state = StateDoneWithToken

	e.Tick(now)

	if e.State() != StatePassToken {
		t.Fatalf("state = %v, want PassToken", e.State())
	}
}

// TestTokenNeverTargetsSlaveOrBroadcastRange documents boundary behavior 13
// at the frame layer: MAC 255 is broadcast and is never a legal Token
// frame destination produced by this engine (tokens only ever target
// NextStation, a master in 0..=max_master).
func TestTokenNeverTargetsSlaveOrBroadcastRange(t *testing.T) {
	port := &fakeUART{}
	e, _ := NewEngine(5, 10, 1, DefaultTiming(), port)
	now := time.Now()
	e.Now = func() time.Time { return now }
	e.state = StatePassToken
	e.NextStation = 9

	e.Tick(now)
	sent := port.lastFrame(t)
	if sent.Dst > MaxMasterMAC {
		t.Fatalf("token destination %d exceeds max master MAC", sent.Dst)
	}
}
