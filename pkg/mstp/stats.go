package mstp

import (
	"sync"
	"time"
)

// Stats holds the MS/TP engine's counters: header/data CRC errors are
// tracked separately, alongside token-loop timing and the usual
// frame/retry/token-pass counts. Read under its own lock, never via a
// process-wide singleton.
type Stats struct {
	mu sync.RWMutex

	FramesSent     uint64
	FramesReceived uint64

	HeaderCRCErrors uint64
	DataCRCErrors   uint64
	LengthErrors    uint64
	UnknownFrames   uint64

	ReplyTimeouts      uint64
	TokenPassFailures  uint64

	TokenLoopMin time.Duration
	TokenLoopMax time.Duration
	tokenLoopSum time.Duration
	tokenLoopN   uint64

	discoveredMasters [128]bool
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) recordFrameSent() {
	s.mu.Lock()
	s.FramesSent++
	s.mu.Unlock()
}

func (s *Stats) recordFrameReceived() {
	s.mu.Lock()
	s.FramesReceived++
	s.mu.Unlock()
}

func (s *Stats) recordDecoderErrors(d *Decoder) {
	s.mu.Lock()
	s.HeaderCRCErrors = d.HeaderCRCErrs
	s.DataCRCErrors = d.DataCRCErrs
	s.LengthErrors = d.LengthErrs
	s.UnknownFrames = d.UnknownType
	s.mu.Unlock()
}

func (s *Stats) recordReplyTimeout() {
	s.mu.Lock()
	s.ReplyTimeouts++
	s.mu.Unlock()
}

func (s *Stats) recordTokenPassFailure() {
	s.mu.Lock()
	s.TokenPassFailures++
	s.mu.Unlock()
}

func (s *Stats) recordTokenLoop(d time.Duration) {
	s.mu.Lock()
	if s.tokenLoopN == 0 || d < s.TokenLoopMin {
		s.TokenLoopMin = d
	}
	if d > s.TokenLoopMax {
		s.TokenLoopMax = d
	}
	s.tokenLoopSum += d
	s.tokenLoopN++
	s.mu.Unlock()
}

func (s *Stats) markDiscovered(mac byte) {
	if mac > MaxMasterMAC {
		return
	}
	s.mu.Lock()
	s.discoveredMasters[mac] = true
	s.mu.Unlock()
}

// DiscoveredMasters returns a copy of the 128-bit discovered-masters
// bitmap, exposed to operators and never consulted by the state machine.
func (s *Stats) DiscoveredMasters() [128]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discoveredMasters
}

// Snapshot is a lock-free copy of Stats suitable for export or display.
type Snapshot struct {
	FramesSent, FramesReceived                          uint64
	HeaderCRCErrors, DataCRCErrors, LengthErrors         uint64
	UnknownFrames                                        uint64
	ReplyTimeouts, TokenPassFailures                     uint64
	TokenLoopMin, TokenLoopMax, TokenLoopAvg             time.Duration
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avg := time.Duration(0)
	if s.tokenLoopN > 0 {
		avg = s.tokenLoopSum / time.Duration(s.tokenLoopN)
	}
	return Snapshot{
		FramesSent:        s.FramesSent,
		FramesReceived:    s.FramesReceived,
		HeaderCRCErrors:   s.HeaderCRCErrors,
		DataCRCErrors:     s.DataCRCErrors,
		LengthErrors:      s.LengthErrors,
		UnknownFrames:     s.UnknownFrames,
		ReplyTimeouts:     s.ReplyTimeouts,
		TokenPassFailures: s.TokenPassFailures,
		TokenLoopMin:      s.TokenLoopMin,
		TokenLoopMax:      s.TokenLoopMax,
		TokenLoopAvg:      avg,
	}
}
