package stream

// RollingCounter extracts the 16-bit sequence counter that senders place in
// the first two parameter slots: Params[1] supplies the high byte and
// Params[0] the low byte. The boolean is false when the packet has fewer than
// two parameters.
func RollingCounter(p Packet) (int, bool) {
	if len(p.Params) < 2 {
		return 0, false
	}
	return (p.Params[1]&0xFFFF)*256 | p.Params[0], true
}

// LossDetector counts gaps in the rolling counter. Every packet whose counter
// is not the successor of the previous one (65535 wraps to 0) adds one to the
// lost count, whatever the size of the gap.
type LossDetector struct {
	enabled bool
	seeded  bool
	last    int
	lost    uint64
}

// NewLossDetector returns a detector, enabled or not.
func NewLossDetector(enabled bool) *LossDetector {
	return &LossDetector{enabled: enabled}
}

// Enabled reports whether Observe counts anything.
func (d *LossDetector) Enabled() bool { return d.enabled }

// SetEnabled switches detection on or off. Turning it on again forgets the
// last counter so the next packet only seeds the comparison.
func (d *LossDetector) SetEnabled(enabled bool) {
	if enabled && !d.enabled {
		d.seeded = false
	}
	d.enabled = enabled
}

// Observe checks packets in order and returns how many were anomalous.
// Packets without a counter are skipped. The very first counter seen only
// seeds the detector.
func (d *LossDetector) Observe(packets []Packet) int {
	if !d.enabled {
		return 0
	}
	n := 0
	for _, p := range packets {
		c, ok := RollingCounter(p)
		if !ok {
			continue
		}
		if !d.seeded {
			d.seeded = true
			d.last = c
			continue
		}
		diff := c - d.last
		d.last = c
		if diff != 1 && diff != -65535 {
			n++
		}
	}
	d.lost += uint64(n)
	return n
}

// Lost returns the cumulative number of anomalous packets.
func (d *LossDetector) Lost() uint64 { return d.lost }

// Last returns the most recently observed counter and whether one was seen.
func (d *LossDetector) Last() (int, bool) { return d.last, d.seeded }
