package features

import (
	"math"
	"testing"
)

type frameRecord struct {
	offset int64
	first  float32
}

func collect(t *testing.T, f *Framer, chunks [][]float32) []frameRecord {
	t.Helper()
	var out []frameRecord
	for _, c := range chunks {
		err := f.Push(c, func(offset int64, frame []float32) error {
			out = append(out, frameRecord{offset: offset, first: frame[0]})
			return nil
		})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	return out
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestFramerChunkingInvariance(t *testing.T) {
	samples := ramp(5000)

	whole := collect(t, NewFramer(400, 160), [][]float32{samples})

	var pieces [][]float32
	sizes := []int{1, 7, 160, 399, 1000, 3}
	for i, rest := 0, samples; len(rest) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(rest) {
			n = len(rest)
		}
		pieces = append(pieces, rest[:n])
		rest = rest[n:]
	}
	chunked := collect(t, NewFramer(400, 160), pieces)

	if len(whole) != len(chunked) {
		t.Fatalf("frame count differs: %d vs %d", len(whole), len(chunked))
	}
	for i := range whole {
		if whole[i] != chunked[i] {
			t.Fatalf("frame %d differs: %+v vs %+v", i, whole[i], chunked[i])
		}
		if whole[i].first != float32(whole[i].offset) {
			t.Fatalf("frame %d starts at sample %v, offset %d", i, whole[i].first, whole[i].offset)
		}
	}
	want := (5000-400)/160 + 1
	if len(whole) != want {
		t.Fatalf("expected %d frames, got %d", want, len(whole))
	}
}

func TestFramerSkip(t *testing.T) {
	f := NewFramer(400, 160)
	collect(t, f, [][]float32{ramp(500)})
	if f.Offset() != 160 || f.Pending() != 340 {
		t.Fatalf("unexpected state offset=%d pending=%d", f.Offset(), f.Pending())
	}
	f.Skip()
	if f.Offset() != 500 || f.Pending() != 0 {
		t.Fatalf("unexpected state after skip offset=%d pending=%d", f.Offset(), f.Pending())
	}
}

func TestFramerDrain(t *testing.T) {
	f := NewFramer(400, 160)
	collect(t, f, [][]float32{ramp(500)})

	var offsets []int64
	var last []float32
	err := f.Drain(func(offset int64, frame []float32) error {
		offsets = append(offsets, offset)
		last = append(last[:0], frame...)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(offsets) != 3 || offsets[0] != 160 || offsets[1] != 320 || offsets[2] != 480 {
		t.Fatalf("unexpected drain offsets %v", offsets)
	}
	if last[0] != 480 || last[19] != 499 || last[20] != 0 || last[399] != 0 {
		t.Fatalf("expected the last window zero padded after sample 499, got %v", last[:24])
	}
	if f.Offset() != 500 || f.Pending() != 0 {
		t.Fatalf("unexpected state after drain offset=%d pending=%d", f.Offset(), f.Pending())
	}
}

func sine(freq float64, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestPeakFrequency(t *testing.T) {
	a := NewAnalyzer(400)
	if a.Size() != 512 {
		t.Fatalf("expected fft size 512, got %d", a.Size())
	}
	for _, freq := range []float64{500, 1000, 1510, 2000} {
		power, db := a.Analyze(sine(freq, 400, 16000))
		if db < -20 {
			t.Fatalf("%v Hz: expected loud frame, got %.1f dB", freq, db)
		}
		got := PeakFrequency(power, a.Size(), 16000, 50)
		if math.Abs(got-freq) > 10 {
			t.Fatalf("expected peak near %v Hz, got %.2f", freq, got)
		}
	}
}

func TestSilenceEnergy(t *testing.T) {
	a := NewAnalyzer(400)
	_, db := a.Analyze(make([]float32, 400))
	if db != FloorDB {
		t.Fatalf("expected floor for silence, got %v", db)
	}
}

func TestMelBank(t *testing.T) {
	bank := NewMelBank(8, 512, 16000, 20, 0)
	if bank.Len() != 8 {
		t.Fatalf("expected 8 filters, got %d", bank.Len())
	}
	a := NewAnalyzer(400)
	power, _ := a.Analyze(sine(1000, 400, 16000))
	dst := make([]float64, bank.Len())
	bank.Apply(dst, power)
	for i, v := range dst {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("mel %d not finite: %v", i, v)
		}
	}
}
