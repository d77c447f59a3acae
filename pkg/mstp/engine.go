package mstp

import (
	"context"
	"time"
)

// TickInterval is the cadence at which Run evaluates timer-driven
// transitions between UART reads. It must be well under the shortest
// configured timer (T_slot, 10ms by default) to keep ring timing tight.
const TickInterval = 2 * time.Millisecond

// Run owns the UART and drives the engine until ctx is cancelled. It is
// the only writer of the engine's state: OnByte and Tick are only ever
// called from here.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b, ok, err := e.Port.ReadByte()
		now := e.now()
		if err != nil {
			// A UART I/O failure is fatal only to the current frame
			// attempt; resync and keep running.
			e.decoder.resync()
			continue
		}
		if ok {
			e.OnByte(b, now)
		}

		select {
		case <-ticker.C:
			e.Tick(e.now())
		default:
		}
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
