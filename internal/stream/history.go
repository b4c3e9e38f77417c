package stream

// History keeps the most recent packets in arrival order. A History with
// capacity zero records nothing.
type History struct {
	ring  []Packet
	start int
	size  int
}

// NewHistory returns a History holding at most capacity packets. Negative
// capacities are treated as zero.
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{ring: make([]Packet, capacity)}
}

// Record appends p, evicting the oldest packet when full.
func (h *History) Record(p Packet) {
	n := len(h.ring)
	if n == 0 {
		return
	}
	if h.size < n {
		h.ring[(h.start+h.size)%n] = p
		h.size++
		return
	}
	h.ring[h.start] = p
	h.start = (h.start + 1) % n
}

// Snapshot returns a copy of the stored packets, oldest first. Later calls to
// Record do not affect a snapshot already taken.
func (h *History) Snapshot() []Packet {
	out := make([]Packet, h.size)
	for i := range out {
		out[i] = h.ring[(h.start+i)%len(h.ring)].Clone()
	}
	return out
}

// Len returns the number of stored packets.
func (h *History) Len() int { return h.size }

// Cap returns the configured capacity.
func (h *History) Cap() int { return len(h.ring) }

// Reset empties the history.
func (h *History) Reset() {
	clear(h.ring)
	h.start, h.size = 0, 0
}
