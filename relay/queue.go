package relay

const DefaultQueueCapacity = 10

// Queue is fixed capacity FIFO between transport callback and Worker.
// Internally synchronized, no external locking required.
type Queue struct {
	ch chan RawMessage
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan RawMessage, capacity)}
}

// TryEnqueue never blocks. Returns false and leaves queue unchanged when full.
func (q *Queue) TryEnqueue(m RawMessage) bool {
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// Dequeue blocks until message is available or stop is closed.
// stop=nil waits forever.
func (q *Queue) Dequeue(stop <-chan struct{}) (RawMessage, bool) {
	select {
	case m := <-q.ch:
		return m, true
	case <-stop:
		return RawMessage{}, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }
