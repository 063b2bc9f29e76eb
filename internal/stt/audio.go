package stt

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Samples are normalised to float32 in [-1, 1]. An int16 sample s maps to
// s/32768, so the three ingest encodings of the same audio are bit-identical
// once converted.

func pcmToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: 16-bit pcm has odd length %d", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

func int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

func checkFloat32(samples []float32) ([]float32, error) {
	out := make([]float32, len(samples))
	for i, v := range samples {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite sample at index %d", ErrMalformedAudio, i)
		}
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = v
	}
	return out, nil
}
