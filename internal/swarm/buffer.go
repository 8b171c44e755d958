package swarm

// messageBuffer is a bounded FIFO of outbound envelopes. When full it
// evicts the oldest entry rather than blocking the producer; the eviction
// is the system's sole backpressure mechanism. Not safe for concurrent
// use; the hub serializes access under its lock.
type messageBuffer struct {
	entries  []*Envelope
	capacity int
}

func newMessageBuffer(capacity int) *messageBuffer {
	return &messageBuffer{capacity: capacity}
}

// push appends an envelope. If the buffer is at capacity the oldest entry
// is evicted and returned so the caller can raise a drop notification.
func (b *messageBuffer) push(env *Envelope) (dropped *Envelope) {
	if len(b.entries) >= b.capacity {
		dropped = b.entries[0]
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, env)
	return dropped
}

// pop removes and returns up to n envelopes from the front.
func (b *messageBuffer) pop(n int) []*Envelope {
	if n > len(b.entries) {
		n = len(b.entries)
	}
	if n == 0 {
		return nil
	}
	out := make([]*Envelope, n)
	copy(out, b.entries[:n])
	remaining := copy(b.entries, b.entries[n:])
	for i := remaining; i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = b.entries[:remaining]
	return out
}

func (b *messageBuffer) len() int { return len(b.entries) }
