package main

import (
	"math"
	"time"

	"github.com/banshee-data/kserial/internal/kserial"
	"github.com/banshee-data/kserial/internal/serialmux"
)

const (
	// devInterval is the synthetic output period (100 Hz).
	devInterval = 10 * time.Millisecond
	// devTimeUnit matches the millisecond clock carried in dev frames.
	devTimeUnit = 0.001
	// devDropEvery skips a frame now and then so loss detection has
	// something to count.
	devDropEvery = 500
)

// devFrames returns a generator of F32 frames shaped like an IMU stream: the
// rolling counter in the params, the sender clock in data[0] (seconds) and
// data[1] (milliseconds), then three sine channels.
func devFrames() serialmux.FrameGenerator {
	return func(seq int) []byte {
		if seq > 0 && seq%devDropEvery == 0 {
			return nil
		}
		return devFrame(seq)
	}
}

func devFrame(seq int) []byte {
	ms := int64(seq) * devInterval.Milliseconds()
	counter := uint16(seq)
	phase := float64(seq) * 2 * math.Pi / 100
	values := []float64{
		float64(ms / 1000),
		float64(ms % 1000),
		math.Sin(phase),
		math.Sin(phase + 2*math.Pi/3),
		math.Sin(phase + 4*math.Pi/3),
	}
	b, err := kserial.PackValues([2]byte{byte(counter), byte(counter >> 8)}, kserial.F32, values)
	if err != nil {
		// F32 accepts any finite value
		panic(err)
	}
	return b
}
