// Package export renders packet history as CSV and per-slot summaries.
package export

import (
	"encoding/csv"
	"io"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/kserial/internal/stream"
)

// WriteCSV writes one row per packet. Params and data slots are spread over
// numbered columns wide enough for the longest packet.
func WriteCSV(w io.Writer, packets []stream.Packet) error {
	nParams, nData := 0, 0
	for _, p := range packets {
		nParams = max(nParams, len(p.Params))
		nData = max(nData, len(p.Data))
	}

	header := []string{"index", "type", "byte_length"}
	for i := 0; i < nParams; i++ {
		header = append(header, "param"+strconv.Itoa(i))
	}
	for i := 0; i < nData; i++ {
		header = append(header, "data"+strconv.Itoa(i))
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for i, p := range packets {
		row = row[:0]
		row = append(row, strconv.Itoa(i), strconv.Itoa(p.Type), strconv.Itoa(p.ByteLength))
		for j := 0; j < nParams; j++ {
			if j < len(p.Params) {
				row = append(row, strconv.Itoa(p.Params[j]))
			} else {
				row = append(row, "")
			}
		}
		for j := 0; j < nData; j++ {
			if j < len(p.Data) {
				row = append(row, strconv.FormatFloat(p.Data[j], 'g', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FieldSummary describes one data slot of one packet type.
type FieldSummary struct {
	Type   int     `json:"type"`
	Slot   int     `json:"slot"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize groups data slots by packet type and reports basic statistics for
// each. Results are ordered by type, then slot. NaN values are ignored.
func Summarize(packets []stream.Packet) []FieldSummary {
	type key struct{ typ, slot int }
	cols := make(map[key][]float64)
	var keys []key
	for _, p := range packets {
		for slot, v := range p.Data {
			if math.IsNaN(v) {
				continue
			}
			k := key{p.Type, slot}
			if _, ok := cols[k]; !ok {
				keys = append(keys, k)
			}
			cols[k] = append(cols[k], v)
		}
	}

	out := make([]FieldSummary, 0, len(keys))
	for _, k := range keys {
		xs := cols[k]
		s := FieldSummary{
			Type:  k.typ,
			Slot:  k.slot,
			Count: len(xs),
			Mean:  stat.Mean(xs, nil),
			Min:   floats.Min(xs),
			Max:   floats.Max(xs),
		}
		if len(xs) > 1 {
			s.StdDev = stat.StdDev(xs, nil)
		}
		out = append(out, s)
	}
	sortSummaries(out)
	return out
}

func sortSummaries(s []FieldSummary) {
	slices.SortFunc(s, func(a, b FieldSummary) int {
		if a.Type != b.Type {
			return a.Type - b.Type
		}
		return a.Slot - b.Slot
	})
}
