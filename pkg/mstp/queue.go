package mstp

import "github.com/krisarmstrong/bacrouter/pkg/bacerr"

// OutFrame is one entry in the engine's transmit queue: a payload bound
// for dst_mac, flagged whether the sender expects a reply (determines
// whether the engine enters WaitForReply after sending it).
type OutFrame struct {
	Payload       []byte
	Dst           byte
	ExpectsReply  bool
}

// InFrame is one entry in the engine's receive queue: a payload that
// arrived from src_mac and is ready for the router to consume.
type InFrame struct {
	Payload []byte
	Src     byte
}

// sendQueueCap and recvQueueCap are the bounded-FIFO sizes of §5's
// resource table (16 entries each).
const (
	sendQueueCap = 16
	recvQueueCap = 16
)

// boundedOutQueue is a fixed-capacity FIFO of OutFrame. Enqueue on a full
// queue is rejected rather than blocking: the MS/TP engine never
// blocks on the router.
type boundedOutQueue struct {
	items []OutFrame
	cap   int
}

func newBoundedOutQueue(capacity int) *boundedOutQueue {
	return &boundedOutQueue{cap: capacity}
}

func (q *boundedOutQueue) Enqueue(f OutFrame) error {
	if len(q.items) >= q.cap {
		return bacerr.New(bacerr.KindIoError, "mstp send queue full")
	}
	q.items = append(q.items, f)
	return nil
}

func (q *boundedOutQueue) Peek() (OutFrame, bool) {
	if len(q.items) == 0 {
		return OutFrame{}, false
	}
	return q.items[0], true
}

func (q *boundedOutQueue) Pop() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

func (q *boundedOutQueue) Len() int { return len(q.items) }

// boundedInQueue is a fixed-capacity FIFO of InFrame. On overflow the
// oldest entry is dropped to make room for the newest, per §5's
// "drop oldest" option for the receive queue.
type boundedInQueue struct {
	items []InFrame
	cap   int
}

func newBoundedInQueue(capacity int) *boundedInQueue {
	return &boundedInQueue{cap: capacity}
}

func (q *boundedInQueue) Enqueue(f InFrame) {
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, f)
}

func (q *boundedInQueue) Dequeue() (InFrame, bool) {
	if len(q.items) == 0 {
		return InFrame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *boundedInQueue) Len() int { return len(q.items) }
