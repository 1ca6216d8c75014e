package transport

// DefaultQueueSize is the number of envelopes held while disconnected.
const DefaultQueueSize = 100

// queue is a bounded FIFO of envelopes. When full, the oldest entry is
// dropped to make room. It is not safe for concurrent use; the Transport
// guards it with its own mutex.
type queue struct {
	items    []Envelope
	capacity int
	dropped  uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &queue{capacity: capacity}
}

// push appends env, evicting the oldest entry if the queue is full. It
// reports whether an entry was evicted.
func (q *queue) push(env Envelope) bool {
	evicted := false
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, env)
	return evicted
}

// drain removes and returns all entries in FIFO order.
func (q *queue) drain() []Envelope {
	items := q.items
	q.items = nil
	return items
}

// snapshot returns a copy of the entries without removing them.
func (q *queue) snapshot() []Envelope {
	return append([]Envelope(nil), q.items...)
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) reset() { q.items = nil }
