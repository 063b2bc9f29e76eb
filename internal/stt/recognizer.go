package stt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/stt/decoder"
	"github.com/loqalabs/loqa-stt/internal/stt/resample"
	"github.com/loqalabs/loqa-stt/internal/stt/speaker"
)

// State is the position of a Recognizer in its utterance cycle.
type State int32

const (
	// Listening means an utterance may be in progress.
	Listening State = iota
	// UtteranceBoundary means the last Feed ended an utterance and Result
	// holds it.
	UtteranceBoundary
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case UtteranceBoundary:
		return "utterance-boundary"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Recognizer decodes one audio stream. It is not safe for concurrent use;
// overlapping calls fail with ErrConcurrentUse instead of corrupting state.
type Recognizer struct {
	model   *Model
	speaker *SpeakerModel
	rate    float64
	dec     decoder.Decoder
	stream  *resample.Stream
	spk     *speaker.Extractor
	log     *slog.Logger

	busy   atomic.Bool
	state  atomic.Int32
	closed bool
	err    error
	last   Result

	// position counts samples handed to the decoder.
	position int64
}

// NewRecognizer creates a recognizer for audio at sampleRate.
func NewRecognizer(model *Model, sampleRate float64) (*Recognizer, error) {
	return newRecognizer(model, nil, sampleRate, nil)
}

// NewSpeakerRecognizer creates a recognizer whose final results carry a
// speaker vector.
func NewSpeakerRecognizer(model *Model, spkModel *SpeakerModel, sampleRate float64) (*Recognizer, error) {
	if spkModel == nil {
		return nil, &SessionCreateError{Err: errors.New("speaker model is nil")}
	}
	return newRecognizer(model, spkModel, sampleRate, nil)
}

// NewGrammarRecognizer creates a recognizer restricted to grammar, given as
// a whitespace separated word list or a JSON array of phrases. The reserved
// word [unk] admits out-of-grammar speech. The model must have a lookahead
// graph.
func NewGrammarRecognizer(model *Model, sampleRate float64, grammar string) (*Recognizer, error) {
	return newRecognizer(model, nil, sampleRate, &grammar)
}

func newRecognizer(model *Model, spkModel *SpeakerModel, sampleRate float64, grammar *string) (*Recognizer, error) {
	if math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) || sampleRate <= 0 {
		return nil, &SessionCreateError{Err: fmt.Errorf("invalid sample rate %v", sampleRate)}
	}
	owned, err := model.Retain()
	if err != nil {
		return nil, &SessionCreateError{Err: err}
	}
	core, err := owned.core()
	if err != nil {
		_ = owned.Close()
		return nil, &SessionCreateError{Err: err}
	}
	r := &Recognizer{
		model: owned,
		rate:  sampleRate,
		log:   core.log.With(slog.String("component", "stt-recognizer"), slog.Float64("sample_rate", sampleRate)),
	}
	fail := func(err error) (*Recognizer, error) {
		r.release()
		return nil, &SessionCreateError{Err: err}
	}

	var opts decoder.Options
	opts.Logger = r.log
	if grammar != nil {
		if !core.bundle.SupportsGrammar() {
			return fail(ErrUnsupportedGrammar)
		}
		g, err := compileGrammar(*grammar, core.bundle, r.log)
		if err != nil {
			return fail(err)
		}
		opts.Grammar = g
	}

	modelRate := core.backend.SampleRate()
	r.stream, err = resample.New(sampleRate, float64(modelRate))
	if err != nil {
		return fail(err)
	}

	if spkModel != nil {
		r.speaker, err = spkModel.Retain()
		if err != nil {
			return fail(err)
		}
		spk, err := r.speaker.core()
		if err != nil {
			return fail(err)
		}
		r.spk = speaker.NewExtractor(spk.bundle, modelRate)
	}

	r.dec, err = core.backend.NewDecoder(opts)
	if err != nil {
		return fail(fmt.Errorf("create decoder: %w", err))
	}

	meters().sessionDelta(1)
	r.log.Debug("recognizer created",
		slog.Bool("resampling", !r.stream.Passthrough()),
		slog.Bool("grammar", opts.Grammar != nil),
		slog.Bool("speaker", r.spk != nil))
	return r, nil
}

// Feed accepts 16-bit little-endian PCM. It reports whether an utterance
// ended while decoding this chunk; the utterance is then available from
// Result.
func (r *Recognizer) Feed(pcm []byte) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()
	samples, err := pcmToFloat32(pcm)
	if err != nil {
		return false, err
	}
	return r.accept(samples)
}

// FeedInt16 accepts 16-bit samples.
func (r *Recognizer) FeedInt16(samples []int16) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()
	return r.accept(int16ToFloat32(samples))
}

// FeedFloat32 accepts samples normalised to [-1, 1]. Values outside that
// range are clamped; NaN and infinities are rejected.
func (r *Recognizer) FeedFloat32(samples []float32) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()
	normalised, err := checkFloat32(samples)
	if err != nil {
		return false, err
	}
	return r.accept(normalised)
}

func (r *Recognizer) accept(samples []float32) (bool, error) {
	start := time.Now()
	r.state.Store(int32(Listening))
	if len(samples) == 0 {
		return false, nil
	}
	converted, err := r.stream.Process(samples)
	if err != nil {
		return false, r.fail(err)
	}
	utts, err := r.dec.AcceptWaveform(converted)
	if err != nil {
		return false, r.fail(err)
	}
	chunkStart := r.position
	r.position += int64(len(converted))
	meters().fed(start, len(samples), r.rate)
	if len(utts) == 0 {
		if r.spk != nil {
			r.spk.Accept(converted)
		}
		return false, nil
	}

	var words []decoder.Word
	for _, u := range utts {
		words = append(words, u.Words...)
	}
	// Audio past the last endpoint belongs to the next utterance.
	cut := int(min(max(utts[len(utts)-1].EndSample-chunkStart, 0), int64(len(converted))))
	if r.spk != nil {
		r.spk.Accept(converted[:cut])
	}
	r.last = r.finalize(words)
	if r.spk != nil {
		r.spk.Accept(converted[cut:])
	}
	r.state.Store(int32(UtteranceBoundary))
	meters().utterance(len(utts))
	r.log.Debug("utterance finalized", slog.Int("boundaries", len(utts)), slog.Int("words", len(words)))
	return true, nil
}

// finalize builds the result for words and attaches the speaker vector of
// the audio accumulated since the previous result.
func (r *Recognizer) finalize(words []decoder.Word) Result {
	res := newResult(words)
	if r.spk != nil {
		if vec := r.spk.Vector(); vec != nil {
			res.Speaker = vec
			res.SpeakerFrames = r.spk.Frames()
		}
		r.spk.Reset()
	}
	return res
}

// Partial returns the current hypothesis. It does not change any state.
func (r *Recognizer) Partial() (Partial, error) {
	if err := r.enter(); err != nil {
		return Partial{}, err
	}
	defer r.leave()
	return Partial{Text: strings.Join(r.dec.PartialWords(), " ")}, nil
}

// Result returns the most recently finalized utterance, or an empty result
// before the first one.
func (r *Recognizer) Result() (Result, error) {
	if err := r.enter(); err != nil {
		return Result{}, err
	}
	defer r.leave()
	return r.last.clone(), nil
}

// FinalResult ends the current utterance as if the stream had ended and
// returns it. The recognizer is ready for more audio afterwards.
func (r *Recognizer) FinalResult() (Result, error) {
	if err := r.enter(); err != nil {
		return Result{}, err
	}
	defer r.leave()
	utt, err := r.dec.Flush()
	if err != nil {
		return Result{}, r.fail(err)
	}
	if r.spk != nil {
		r.spk.Flush()
	}
	r.last = r.finalize(utt.Words)
	r.state.Store(int32(Listening))
	if len(utt.Words) > 0 {
		meters().utterance(1)
	}
	return r.last.clone(), nil
}

// Reset drops the utterance in progress without producing a result.
func (r *Recognizer) Reset() error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	if err := r.dec.Reset(); err != nil {
		return r.fail(err)
	}
	if r.spk != nil {
		r.spk.Reset()
	}
	r.last = Result{}
	r.state.Store(int32(Listening))
	return nil
}

// State reports the position in the utterance cycle.
func (r *Recognizer) State() State {
	return State(r.state.Load())
}

// SampleRate is the rate audio is fed at.
func (r *Recognizer) SampleRate() float64 { return r.rate }

// Close releases the decoder and the model references. Closing twice is a
// no-op.
func (r *Recognizer) Close() error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	defer r.leave()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.dec != nil {
		err = r.dec.Close()
	}
	r.release()
	meters().sessionDelta(-1)
	r.log.Debug("recognizer closed")
	return err
}

func (r *Recognizer) release() {
	_ = r.speaker.Close()
	_ = r.model.Close()
}

func (r *Recognizer) enter() error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	switch {
	case r.closed:
		r.leave()
		return ErrRecognizerClosed
	case r.err != nil:
		err := r.err
		r.leave()
		return fmt.Errorf("%w: %v", ErrRecognizerFailed, err)
	}
	return nil
}

func (r *Recognizer) leave() { r.busy.Store(false) }

// fail moves the recognizer into the failed state.
func (r *Recognizer) fail(err error) error {
	r.err = err
	r.log.Error("recognizer failed", slogError(err))
	return fmt.Errorf("%w: %v", ErrRecognizerFailed, err)
}
