package decoder

import (
	"log/slog"
	"math"
	"sort"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/features"
)

// minPeakHz keeps DC and rumble out of the peak search.
const minPeakHz = 50

type toneUnit struct {
	word string
	freq float64
}

// toneBackend recognizes words from a lexicon of pitch templates: each
// vocabulary entry of am/final.mdl is a steady tone. It is deterministic and
// needs no numeric libraries beyond an FFT, which makes it the reference
// backend for tests and demos.
type toneBackend struct {
	cfg   bundle.Config
	units []toneUnit
	log   *slog.Logger
}

func newToneBackend(b *bundle.Bundle, logger *slog.Logger) *toneBackend {
	tones := b.Tones()
	units := make([]toneUnit, 0, len(tones))
	for w, f := range tones {
		units = append(units, toneUnit{word: w, freq: f})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].freq < units[j].freq })
	return &toneBackend{cfg: b.Config, units: units, log: logger.With(slog.String("backend", "tone"))}
}

func (b *toneBackend) SampleRate() int { return b.cfg.SampleRate }

func (b *toneBackend) Close() error {
	b.log.Debug("tone backend closed")
	return nil
}

func (b *toneBackend) NewDecoder(opts Options) (Decoder, error) {
	log := opts.Logger
	if log == nil {
		log = b.log
	}
	allowed := b.units
	if opts.Grammar != nil {
		allowed = nil
		for _, u := range b.units {
			if opts.Grammar.Allows(u.word) {
				allowed = append(allowed, u)
			}
		}
	}
	length := b.cfg.FrameLength()
	return &toneDecoder{
		cfg:       b.cfg,
		all:       b.units,
		allowed:   allowed,
		grammar:   opts.Grammar,
		framer:    features.NewFramer(length, b.cfg.FrameShift()),
		analyzer:  features.NewAnalyzer(length),
		rate:      float64(b.cfg.SampleRate),
		shift:     int64(b.cfg.FrameShift()),
		length:    int64(length),
		trailing:  int64(b.cfg.Endpoint.TrailingSilence * float64(b.cfg.SampleRate)),
		maxLength: int64(b.cfg.Endpoint.MaxUtterance * float64(b.cfg.SampleRate)),
		log:       log,
	}, nil
}

type segment struct {
	label  string
	start  int64
	end    int64
	frames int
	score  float64
}

type toneDecoder struct {
	cfg       bundle.Config
	all       []toneUnit
	allowed   []toneUnit
	grammar   *Grammar
	framer    *features.Framer
	analyzer  *features.Analyzer
	rate      float64
	shift     int64
	length    int64
	trailing  int64
	maxLength int64
	log       *slog.Logger

	words    []Word
	seg      segment
	speech   bool
	uttStart int64
	silence  int64
	done     []Utterance

	// limit caps word end times while the tail is drained.
	limit int64
}

func (d *toneDecoder) AcceptWaveform(samples []float32) ([]Utterance, error) {
	d.done = nil
	if err := d.framer.Push(samples, d.frame); err != nil {
		return nil, err
	}
	out := d.done
	d.done = nil
	return out, nil
}

func (d *toneDecoder) frame(offset int64, frame []float32) error {
	power, db := d.analyzer.Analyze(frame)
	if db < d.cfg.SilenceThresholdDB {
		d.closeSegment()
		if d.speech {
			d.silence += d.shift
		}
	} else {
		freq := features.PeakFrequency(power, d.analyzer.Size(), d.cfg.SampleRate, minPeakHz)
		label, score := d.match(freq)
		if !d.speech {
			d.speech = true
			d.uttStart = offset
		}
		d.silence = 0
		if d.seg.frames == 0 || label != d.seg.label {
			d.closeSegment()
			d.seg = segment{label: label, start: offset}
		}
		d.seg.frames++
		d.seg.score += score
		d.seg.end = offset + d.shift
		if d.limit > 0 && d.seg.end > d.limit {
			d.seg.end = d.limit
		}
	}

	if d.speech && (d.silence >= d.trailing || offset+d.shift-d.uttStart >= d.maxLength) {
		utt := d.finish()
		utt.EndSample = offset + d.length
		d.log.Debug("endpoint detected",
			slog.Float64("at", float64(offset+d.shift)/d.rate),
			slog.Int("words", len(utt.Words)))
		d.done = append(d.done, utt)
	}
	return nil
}

// match picks the closest allowed unit within tolerance. Out-of-grammar
// vocabulary maps to [unk] when the grammar permits it.
func (d *toneDecoder) match(freq float64) (string, float64) {
	tol := d.cfg.ToneToleranceHz
	if u, diff, ok := nearest(d.allowed, freq); ok && diff <= tol {
		return u.word, 1 - diff/tol
	}
	if d.grammar != nil && d.grammar.AllowsUnknown() {
		if _, diff, ok := nearest(d.all, freq); ok && diff <= tol {
			return bundle.UnknownWord, 1 - diff/tol
		}
	}
	return "", 0
}

func nearest(units []toneUnit, freq float64) (toneUnit, float64, bool) {
	if len(units) == 0 {
		return toneUnit{}, 0, false
	}
	i := sort.Search(len(units), func(i int) bool { return units[i].freq >= freq })
	best := -1
	bestDiff := math.Inf(1)
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(units) {
			continue
		}
		if diff := math.Abs(units[j].freq - freq); diff < bestDiff {
			best, bestDiff = j, diff
		}
	}
	return units[best], bestDiff, true
}

func (d *toneDecoder) closeSegment() {
	s := d.seg
	d.seg = segment{}
	if s.label == "" || s.frames < d.cfg.MinWordFrames {
		return
	}
	conf := s.score / float64(s.frames)
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	d.words = append(d.words, Word{
		Word:  s.label,
		Start: float64(s.start) / d.rate,
		End:   float64(s.end) / d.rate,
		Conf:  conf,
	})
}

func (d *toneDecoder) finish() Utterance {
	d.closeSegment()
	utt := Utterance{Words: d.words}
	d.words = nil
	d.speech = false
	d.silence = 0
	return utt
}

func (d *toneDecoder) PartialWords() []string {
	out := make([]string, 0, len(d.words)+1)
	for _, w := range d.words {
		out = append(out, w.Word)
	}
	if d.seg.label != "" && d.seg.frames >= d.cfg.MinWordFrames {
		out = append(out, d.seg.label)
	}
	return out
}

// Flush runs the buffered tail through the decoder, zero padded to whole
// frames, and ends the open utterance.
func (d *toneDecoder) Flush() (Utterance, error) {
	d.done = nil
	d.limit = d.framer.Offset() + int64(d.framer.Pending())
	err := d.framer.Drain(d.frame)
	d.limit = 0
	if err != nil {
		return Utterance{}, err
	}
	var utt Utterance
	for _, u := range d.done {
		utt.Words = append(utt.Words, u.Words...)
	}
	d.done = nil
	utt.Words = append(utt.Words, d.finish().Words...)
	return utt, nil
}

func (d *toneDecoder) Reset() error {
	d.framer.Skip()
	d.finish()
	return nil
}

func (d *toneDecoder) Close() error { return nil }
