package mstp

import "time"

// Timing holds the MS/TP master-node timing contract. The values are
// the ASHRAE 135 defaults; callers may tune them per segment.
type Timing struct {
	NoToken     time.Duration
	ReplyTimeout time.Duration
	ReplyDelay   time.Duration
	Slot         time.Duration
	UsageTimeout time.Duration
	NPoll        int
	MaxRetry     int
}

// DefaultTiming returns the default timing contract: T_no_token=500ms,
// T_reply_timeout=255ms, T_reply_delay=250ms, T_slot=10ms,
// T_usage_timeout=50ms, N_POLL=50, MAX_RETRY=3.
func DefaultTiming() Timing {
	return Timing{
		NoToken:      500 * time.Millisecond,
		ReplyTimeout: 255 * time.Millisecond,
		ReplyDelay:   250 * time.Millisecond,
		Slot:         10 * time.Millisecond,
		UsageTimeout: 50 * time.Millisecond,
		NPoll:        50,
		MaxRetry:     3,
	}
}
