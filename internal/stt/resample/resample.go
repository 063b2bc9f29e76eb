// Package resample converts a mono sample stream between sample rates while
// keeping filter state across calls.
package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Stream resamples normalised mono samples. When both rates are equal it is a
// pass-through. A Stream is not safe for concurrent use.
type Stream struct {
	in, out   float64
	resampler resampling.Resampler
	scratch   []float64
}

func New(inRate, outRate float64) (*Stream, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample: rates must be positive (in=%v out=%v)", inRate, outRate)
	}
	s := &Stream{in: inRate, out: outRate}
	if inRate == outRate {
		return s, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  inRate,
		OutputRate: outRate,
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resample: create %v->%v: %w", inRate, outRate, err)
	}
	s.resampler = r
	return s, nil
}

// Passthrough reports whether no conversion takes place.
func (s *Stream) Passthrough() bool { return s.resampler == nil }

// Process converts samples. The result may be shorter or longer than the
// rate ratio suggests while the filter fills; totals converge over a stream.
func (s *Stream) Process(samples []float32) ([]float32, error) {
	if s.resampler == nil {
		return samples, nil
	}
	if cap(s.scratch) < len(samples) {
		s.scratch = make([]float64, len(samples))
	}
	in := s.scratch[:len(samples)]
	for i, v := range samples {
		in[i] = float64(v)
	}
	res, err := s.resampler.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	out := make([]float32, len(res))
	for i, v := range res {
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = float32(v)
	}
	return out, nil
}
