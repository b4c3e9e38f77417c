package stream

import (
	"errors"
	"fmt"

	"github.com/banshee-data/kserial/internal/monitoring"
	"github.com/banshee-data/kserial/internal/timeutil"
)

var logf = monitoring.Tagged("stream")

// Config holds the construction parameters of a Session.
type Config struct {
	// BufferCapacity is the working buffer size in bytes. Zero selects
	// DefaultBufferCapacity.
	BufferCapacity int
	// HistoryCapacity is how many decoded packets to retain. Zero disables
	// the history.
	HistoryCapacity int
	// TimeUnit selects packet-time mode and its scale, in seconds per sender
	// timestamp unit, when positive. Zero or negative selects system time.
	TimeUnit float64
	// LossDetection enables rolling counter gap detection from the start.
	LossDetection bool
	// Clock supplies wall-clock time. Nil means the real clock.
	Clock timeutil.Clock
}

// Session runs the ingestion pipeline for one stream: buffer, decode, archive,
// update statistics.
type Session struct {
	decoder Decoder
	cfg     Config

	buf     *Buffer
	history *History
	stats   *Stats
	loss    *LossDetector

	total   uint64
	chunks  uint64
	bytesIn uint64

	closed bool
	failed error
}

// New returns a Session that frames bytes with dec.
func New(dec Decoder, cfg Config) (*Session, error) {
	if dec == nil {
		return nil, errors.New("stream: nil decoder")
	}
	if cfg.HistoryCapacity < 0 {
		return nil, fmt.Errorf("stream: negative history capacity %d", cfg.HistoryCapacity)
	}
	if cfg.BufferCapacity < 0 {
		return nil, fmt.Errorf("stream: negative buffer capacity %d", cfg.BufferCapacity)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &Session{decoder: dec, cfg: cfg}
	s.init(cfg.LossDetection)
	return s, nil
}

func (s *Session) init(lossDetection bool) {
	s.buf = NewBuffer(s.cfg.BufferCapacity)
	s.history = NewHistory(s.cfg.HistoryCapacity)
	s.stats = NewStats(s.cfg.TimeUnit, s.cfg.Clock)
	s.loss = NewLossDetector(lossDetection)
	s.total, s.chunks, s.bytesIn = 0, 0, 0
	s.closed = false
	s.failed = nil
}

// ProcessChunk appends chunk to the working buffer, decodes every complete
// frame and returns the resulting packets in stream order. The returned slice
// may be empty when no frame has completed yet.
//
// Errors wrap ErrCapacityExceeded, ErrDecodeFailure, ErrInvalidConsume or
// ErrSessionClosed. After ErrInvalidConsume the session keeps returning that
// error until Reset.
func (s *Session) ProcessChunk(chunk []byte) ([]Packet, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.failed != nil {
		return nil, s.failed
	}

	if err := s.buf.Append(chunk); err != nil {
		return nil, err
	}
	s.chunks++
	s.bytesIn += uint64(len(chunk))

	n := s.buf.Len()
	consumed, packets, err := s.decoder.Decode(s.buf.Bytes(), n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	if consumed < 0 || consumed > n {
		s.failed = fmt.Errorf("decoder consumed %d of %d buffered bytes: %w", consumed, n, ErrInvalidConsume)
		logf("%v", s.failed)
		return nil, s.failed
	}

	for _, p := range packets {
		s.history.Record(p.Clone())
	}

	if count := len(packets); count > 0 {
		s.total += uint64(count)
		s.stats.Update(packets[count-1], count)
		if lost := s.loss.Observe(packets); lost > 0 {
			last, _ := s.loss.Last()
			logf("rolling counter gap: %d anomalous packets in chunk, counter now %d, lost total %d", lost, last, s.loss.Lost())
		}
	}

	if err := s.buf.Consume(consumed); err != nil {
		s.failed = err
		return nil, err
	}
	return packets, nil
}

// Close marks the link as disconnected. Buffered bytes of an incomplete frame
// are discarded and further chunks are refused until Reset. Statistics and
// history stay readable.
func (s *Session) Close() {
	s.closed = true
	s.buf.Reset()
}

// Closed reports whether Close has been called since the last Reset.
func (s *Session) Closed() bool { return s.closed }

// Reset returns the session to its freshly constructed state, keeping the
// current loss detection setting.
func (s *Session) Reset() {
	s.init(s.loss.Enabled())
}

// EnableLossDetection switches rolling counter gap detection on or off.
func (s *Session) EnableLossDetection(enabled bool) { s.loss.SetEnabled(enabled) }

// LossDetectionEnabled reports whether loss detection is on.
func (s *Session) LossDetectionEnabled() bool { return s.loss.Enabled() }

// Frequency returns the packet rate; see Stats.Frequency for weighting.
func (s *Session) Frequency(weighting float64) float64 { return s.stats.Frequency(weighting) }

// Elapsed returns the seconds covered by the stream on the active clock.
func (s *Session) Elapsed() float64 { return s.stats.Elapsed() }

// LostCount returns the cumulative number of packets flagged by the loss
// detector.
func (s *Session) LostCount() uint64 { return s.loss.Lost() }

// PacketTotalCount returns the number of packets decoded since construction
// or the last Reset.
func (s *Session) PacketTotalCount() uint64 { return s.total }

// SavedPacketCount returns the number of packets held in the history.
func (s *Session) SavedPacketCount() int { return s.history.Len() }

// SavedPackets returns a copy of the history, oldest first.
func (s *Session) SavedPackets() []Packet { return s.history.Snapshot() }

// BufferedBytes returns the number of bytes waiting for a complete frame.
func (s *Session) BufferedBytes() int { return s.buf.Len() }

// Snapshot is a point-in-time copy of a session's statistics, safe to hand
// to other goroutines.
type Snapshot struct {
	Frequency         float64 `json:"frequency_hz"`
	FilteredFrequency float64 `json:"filtered_frequency_hz"`
	Elapsed           float64 `json:"elapsed_s"`
	PacketTotal       uint64  `json:"packet_total"`
	Lost              uint64  `json:"lost"`
	Saved             int     `json:"saved"`
	BufferedBytes     int     `json:"buffered_bytes"`
	BytesReceived     uint64  `json:"bytes_received"`
	Chunks            uint64  `json:"chunks"`
	TimingAnomalies   uint64  `json:"timing_anomalies"`
	PacketTime        bool    `json:"packet_time"`
	LossDetection     bool    `json:"loss_detection"`
	Closed            bool    `json:"closed"`
}

// Snapshot captures the current statistics without advancing the frequency
// smoothing.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Frequency:         s.stats.Frequency(0),
		FilteredFrequency: s.stats.Filtered(),
		Elapsed:           s.stats.Elapsed(),
		PacketTotal:       s.total,
		Lost:              s.loss.Lost(),
		Saved:             s.history.Len(),
		BufferedBytes:     s.buf.Len(),
		BytesReceived:     s.bytesIn,
		Chunks:            s.chunks,
		TimingAnomalies:   s.stats.Anomalies(),
		PacketTime:        s.stats.PacketTime(),
		LossDetection:     s.loss.Enabled(),
		Closed:            s.closed,
	}
}
