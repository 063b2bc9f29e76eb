package speaker

import (
	"math"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/sttest"
)

func loadSpeaker(t *testing.T) *bundle.SpeakerBundle {
	t.Helper()
	b, err := bundle.LoadSpeaker(sttest.WriteSpeakerModel(t))
	if err != nil {
		t.Fatalf("load speaker model: %v", err)
	}
	return b
}

func TestVectorShapeAndNorm(t *testing.T) {
	e := NewExtractor(loadSpeaker(t), sttest.Rate)
	if e.Vector() != nil {
		t.Fatal("expected nil vector before any speech")
	}
	e.Accept(sttest.ToFloat32(sttest.Concat(
		sttest.Silence(0.5, sttest.Rate),
		sttest.Utterance(sttest.Rate, "one", "four"),
	)))
	vec := e.Vector()
	if len(vec) != sttest.SpeakerDim {
		t.Fatalf("expected %d dimensions, got %d", sttest.SpeakerDim, len(vec))
	}
	norm := 0.0
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite component in %v", vec)
		}
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-9 {
		t.Fatalf("expected unit vector, got norm %v", math.Sqrt(norm))
	}
	// Two words of 0.3s at a 10ms shift, edge frames included.
	if f := e.Frames(); f < 40 || f > 80 {
		t.Fatalf("unexpected speech frame count %d", f)
	}
}

func TestVectorDeterministicAndDistinct(t *testing.T) {
	b := loadSpeaker(t)
	vectorOf := func(freq float64) []float64 {
		e := NewExtractor(b, sttest.Rate)
		e.Accept(sttest.ToFloat32(sttest.Tone(freq, 1, sttest.Rate)))
		return e.Vector()
	}
	low1, low2, high := vectorOf(500), vectorOf(500), vectorOf(2000)
	if sim := Cosine(low1, low2); sim < 0.9999 {
		t.Fatalf("same audio gave different vectors (cosine %v)", sim)
	}
	if sim := Cosine(low1, high); sim > 0.9999 {
		t.Fatalf("different audio gave identical vectors (cosine %v)", sim)
	}
}

func TestReset(t *testing.T) {
	e := NewExtractor(loadSpeaker(t), sttest.Rate)
	e.Accept(sttest.ToFloat32(sttest.Tone(750, 0.5, sttest.Rate)))
	e.Reset()
	if e.Frames() != 0 || e.Vector() != nil {
		t.Fatal("reset kept frames")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b []float64
		want float64
	}{
		{a: []float64{1, 0}, b: []float64{1, 0}, want: 1},
		{a: []float64{1, 0}, b: []float64{0, 1}, want: 0},
		{a: []float64{1, 0}, b: []float64{-2, 0}, want: -1},
		{a: []float64{1, 0}, b: []float64{1}, want: 0},
		{a: nil, b: nil, want: 0},
	}
	for _, tc := range tests {
		if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
