package events

// buffer is a FIFO queue bounded by capacity. When full, an incoming event
// replaces the oldest event of the lowest priority only if it ranks strictly
// higher. Not safe for concurrent use.
type buffer struct {
	capacity int
	items    []*ResilienceEvent
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity, items: make([]*ResilienceEvent, 0, capacity)}
}

// push enqueues e. It returns whether e was accepted and the event evicted to
// make room, if any.
func (b *buffer) push(e *ResilienceEvent) (accepted bool, evicted *ResilienceEvent) {
	if len(b.items) < b.capacity {
		b.items = append(b.items, e)
		return true, nil
	}

	victim := -1
	for i, item := range b.items {
		if victim < 0 || item.Priority < b.items[victim].Priority {
			victim = i
		}
	}
	if victim < 0 || e.Priority <= b.items[victim].Priority {
		return false, nil
	}

	evicted = b.items[victim]
	copy(b.items[victim:], b.items[victim+1:])
	b.items[len(b.items)-1] = e
	return true, evicted
}

// take removes and returns up to n events in FIFO order.
func (b *buffer) take(n int) []*ResilienceEvent {
	if n > len(b.items) {
		n = len(b.items)
	}
	batch := make([]*ResilienceEvent, n)
	copy(batch, b.items[:n])
	rest := copy(b.items, b.items[n:])
	clear(b.items[rest:])
	b.items = b.items[:rest]
	return batch
}

func (b *buffer) len() int { return len(b.items) }

// clearAll empties the buffer and returns how many events were discarded.
func (b *buffer) clearAll() int {
	n := len(b.items)
	clear(b.items)
	b.items = b.items[:0]
	return n
}
