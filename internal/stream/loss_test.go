package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func counted(counter int) Packet {
	return Packet{Params: []int{counter & 0xFF, counter >> 8}}
}

func TestRollingCounter(t *testing.T) {
	tests := []struct {
		name   string
		params []int
		want   int
		ok     bool
	}{
		{"zero", []int{0, 0}, 0, true},
		{"low byte only", []int{0x34, 0}, 0x34, true},
		{"high and low", []int{0x34, 0x12}, 0x1234, true},
		{"max", []int{0xFF, 0xFF}, 0xFFFF, true},
		{"extra params ignored", []int{1, 2, 3}, 0x0201, true},
		{"too few params", []int{7}, 0, false},
		{"no params", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RollingCounter(Packet{Params: tt.params})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLossDetector_DisabledByDefault(t *testing.T) {
	d := NewLossDetector(false)
	assert.Equal(t, 0, d.Observe([]Packet{counted(1), counted(10), counted(3)}))
	assert.Equal(t, uint64(0), d.Lost())
}

func TestLossDetector_SequentialWithWrap(t *testing.T) {
	d := NewLossDetector(true)

	var ps []Packet
	for c := 65530; c <= 65535; c++ {
		ps = append(ps, counted(c))
	}
	for c := 0; c < 10; c++ {
		ps = append(ps, counted(c))
	}

	// feed in uneven chunks
	d.Observe(ps[:3])
	d.Observe(ps[3:7])
	d.Observe(ps[7:])
	assert.Equal(t, uint64(0), d.Lost())

	// one jump by 5 counts once
	last, _ := d.Last()
	assert.Equal(t, 1, d.Observe([]Packet{counted(last + 5)}))
	assert.Equal(t, uint64(1), d.Lost())

	// and the sequence continues from the new value
	assert.Equal(t, 0, d.Observe([]Packet{counted(last + 6), counted(last + 7)}))
	assert.Equal(t, uint64(1), d.Lost())
}

func TestLossDetector_CountsPerAnomalousPacket(t *testing.T) {
	d := NewLossDetector(true)
	n := d.Observe([]Packet{counted(10), counted(11), counted(100), counted(99), counted(99), counted(100)})
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), d.Lost())
}

func TestLossDetector_SkipsPacketsWithoutCounter(t *testing.T) {
	d := NewLossDetector(true)
	n := d.Observe([]Packet{counted(1), {Params: []int{5}}, counted(2)})
	assert.Equal(t, 0, n)
}

func TestLossDetector_ReenableReseeds(t *testing.T) {
	d := NewLossDetector(true)
	d.Observe([]Packet{counted(1), counted(2)})

	d.SetEnabled(false)
	d.Observe([]Packet{counted(3), counted(4)})

	d.SetEnabled(true)
	assert.Equal(t, 0, d.Observe([]Packet{counted(500), counted(501)}))
	assert.Equal(t, uint64(0), d.Lost())
}
