// Package speaker computes fixed-length speaker vectors from audio.
//
// Speech frames are summarized as log mel energies, pooled by mean over an
// utterance, centred with the model mean and projected through the model
// transform. Vectors are L2-normalised so cosine similarity is a dot product.
package speaker

import (
	"math"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/features"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Extractor accumulates speech frames for one utterance. It is not safe for
// concurrent use.
type Extractor struct {
	cfg       bundle.SpeakerConfig
	mean      *mat.VecDense
	transform *mat.Dense
	framer    *features.Framer
	analyzer  *features.Analyzer
	mel       *features.MelBank

	logMel []float64
	sum    []float64
	frames int
}

// NewExtractor prepares an extractor for samples at sampleRate.
func NewExtractor(b *bundle.SpeakerBundle, sampleRate int) *Extractor {
	cfg := b.Config
	length := sampleRate * cfg.FrameLengthMS / 1000
	shift := sampleRate * cfg.FrameShiftMS / 1000
	if shift < 1 {
		shift = 1
	}
	if length < shift {
		length = shift
	}
	analyzer := features.NewAnalyzer(length)

	rows, cols := len(b.Transform), cfg.NumMels
	data := make([]float64, 0, rows*cols)
	for _, row := range b.Transform {
		data = append(data, row...)
	}
	return &Extractor{
		cfg:       cfg,
		mean:      mat.NewVecDense(cols, append([]float64(nil), b.Mean...)),
		transform: mat.NewDense(rows, cols, data),
		framer:    features.NewFramer(length, shift),
		analyzer:  analyzer,
		mel:       features.NewMelBank(cfg.NumMels, analyzer.Size(), sampleRate, cfg.LowFreq, cfg.HighFreq),
		logMel:    make([]float64, cfg.NumMels),
		sum:       make([]float64, cfg.NumMels),
	}
}

// Accept consumes normalised samples.
func (e *Extractor) Accept(samples []float32) {
	_ = e.framer.Push(samples, e.frame)
}

func (e *Extractor) frame(_ int64, frame []float32) error {
	power, db := e.analyzer.Analyze(frame)
	if db < e.cfg.SilenceThresholdDB {
		return nil
	}
	e.mel.Apply(e.logMel, power)
	floats.Add(e.sum, e.logMel)
	e.frames++
	return nil
}

// Flush analyses the buffered tail, zero padded to whole frames. Framing
// restarts at the end of the tail.
func (e *Extractor) Flush() {
	_ = e.framer.Drain(e.frame)
}

// Frames is the number of speech frames accumulated since the last Reset.
func (e *Extractor) Frames() int { return e.frames }

// Vector returns the speaker vector of the accumulated frames, or nil when no
// speech was seen.
func (e *Extractor) Vector() []float64 {
	if e.frames == 0 {
		return nil
	}
	pooled := mat.NewVecDense(len(e.sum), nil)
	pooled.ScaleVec(1/float64(e.frames), mat.NewVecDense(len(e.sum), append([]float64(nil), e.sum...)))
	pooled.SubVec(pooled, e.mean)

	rows, _ := e.transform.Dims()
	out := mat.NewVecDense(rows, nil)
	out.MulVec(e.transform, pooled)
	vec := out.RawVector().Data
	if n := floats.Norm(vec, 2); n > 0 && !math.IsInf(n, 0) {
		floats.Scale(1/n, vec)
	}
	return vec
}

// Reset drops accumulated frames. Framing continues across the reset.
func (e *Extractor) Reset() {
	for i := range e.sum {
		e.sum[i] = 0
	}
	e.frames = 0
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
