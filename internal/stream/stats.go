package stream

import (
	"time"

	"github.com/banshee-data/kserial/internal/timeutil"
)

// RecomputeWindow is how much wall-clock time must pass before the
// system-time frequency is recomputed. Between recomputations the previous
// value is held.
const RecomputeWindow = 1200 * time.Millisecond

// Stats derives elapsed time and packet frequency from the packet stream.
//
// With a positive time unit Stats runs in packet-time mode: both values come
// from the sender timestamp carried in each packet (see Packet.Timestamp),
// scaled by the unit into seconds. Otherwise it runs in system-time mode and
// uses the host clock sampled on each Update.
type Stats struct {
	clock      timeutil.Clock
	packetTime bool
	timeUnit   float64

	initialized bool

	// wall clock, milliseconds
	firstWall int64
	lastWall  int64

	// sender clock, raw timestamp units
	packetSeeded bool
	firstPacket  int64
	lastPacket   int64

	// system-time mode accumulation since the last recomputation
	pending       int
	lastRecompute int64

	frequency float64
	filtered  float64

	anomalies uint64
}

// NewStats returns a Stats for the given time unit. A nil clock selects the
// real wall clock.
func NewStats(timeUnit float64, clock timeutil.Clock) *Stats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Stats{clock: clock}
	if timeUnit > 0 {
		s.packetTime = true
		s.timeUnit = timeUnit
	}
	return s
}

// PacketTime reports whether the sender clock drives the statistics.
func (s *Stats) PacketTime() bool { return s.packetTime }

// TimeUnit returns the packet-time scale factor, or zero in system-time mode.
func (s *Stats) TimeUnit() float64 { return s.timeUnit }

// Initialized reports whether Update has been called since construction.
func (s *Stats) Initialized() bool { return s.initialized }

// Update folds in one processed chunk: last is the final packet decoded from
// the chunk and count the number of packets it produced. The first call only
// records the starting timestamps and leaves the frequency at zero.
func (s *Stats) Update(last Packet, count int) {
	now := timeutil.UnixMilli(s.clock)

	if !s.initialized {
		s.initialized = true
		s.firstWall, s.lastWall = now, now
		s.lastRecompute = now
		if s.packetTime {
			s.seedPacketClock(last)
		}
		s.frequency = 0
		return
	}

	if s.packetTime {
		s.updatePacketTime(last, count)
	} else {
		s.updateSystemTime(now, count)
	}

	if now >= s.lastWall {
		s.lastWall = now
	} else {
		s.anomalies++
		logf("host clock stepped back %dms; holding elapsed time", s.lastWall-now)
	}
}

func (s *Stats) seedPacketClock(p Packet) {
	if ts, ok := p.Timestamp(); ok {
		s.firstPacket, s.lastPacket = ts, ts
		s.packetSeeded = true
	}
}

func (s *Stats) updatePacketTime(last Packet, count int) {
	ts, ok := last.Timestamp()
	if !ok {
		s.anomalies++
		return
	}
	if !s.packetSeeded {
		s.seedPacketClock(last)
		return
	}
	dt := float64(ts-s.lastPacket) * s.timeUnit
	s.lastPacket = ts
	if dt <= 0 {
		// clock did not advance or went backwards; keep the last rate
		s.anomalies++
		return
	}
	s.frequency = float64(count) / dt
}

func (s *Stats) updateSystemTime(now int64, count int) {
	s.pending += count
	elapsed := now - s.lastRecompute
	if elapsed > RecomputeWindow.Milliseconds() {
		s.frequency = float64(s.pending) / (float64(elapsed) / 1000)
		s.pending = 0
		s.lastRecompute = now
	}
}

// Frequency returns the packet rate in packets per second. A positive
// weighting applies one step of exponential smoothing,
// filtered = (1-w)*filtered + w*raw, and returns the smoothed value. A
// non-positive weighting returns the raw rate and leaves the smoothing state
// untouched.
func (s *Stats) Frequency(weighting float64) float64 {
	if weighting <= 0 {
		return s.frequency
	}
	s.filtered = (1-weighting)*s.filtered + weighting*s.frequency
	return s.filtered
}

// Filtered returns the current smoothed frequency without advancing it.
func (s *Stats) Filtered() float64 { return s.filtered }

// Elapsed returns the seconds between the first and the latest observed
// timestamp on the active clock. It never reports a negative duration.
func (s *Stats) Elapsed() float64 {
	var d float64
	if s.packetTime {
		d = float64(s.lastPacket-s.firstPacket) * s.timeUnit
	} else {
		d = float64(s.lastWall-s.firstWall) * 0.001
	}
	if d < 0 {
		return 0
	}
	return d
}

// Anomalies counts timing samples that were ignored: missing or
// non-advancing packet timestamps and host clock steps backwards.
func (s *Stats) Anomalies() uint64 { return s.anomalies }
