// Package decoder defines the contract between recognizers and the decoding
// backends that do frame-by-frame scoring and search.
//
// A Backend is created once per loaded model and shared; it must be safe for
// concurrent NewDecoder calls. A Decoder belongs to a single recognizer and is
// never used from two goroutines at once.
package decoder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
)

// Word is one recognized word. Times are seconds from the start of the stream.
type Word struct {
	Word  string
	Start float64
	End   float64
	Conf  float64
}

// Utterance is the word sequence of one finalized utterance.
type Utterance struct {
	Words []Word
	// EndSample is the stream position, in samples at the backend rate, up to
	// which audio belongs to this utterance. It is set for utterances returned
	// by AcceptWaveform and always falls inside the samples of that call.
	EndSample int64
}

// Text joins the words with single spaces.
func (u Utterance) Text() string {
	parts := make([]string, len(u.Words))
	for i, w := range u.Words {
		parts[i] = w.Word
	}
	return strings.Join(parts, " ")
}

// Options configures a single decoder.
type Options struct {
	// Grammar restricts the output vocabulary. Nil means unconstrained.
	Grammar *Grammar
	Logger  *slog.Logger
}

// Backend creates decoders for one model.
type Backend interface {
	NewDecoder(opts Options) (Decoder, error)
	// SampleRate is the rate AcceptWaveform expects.
	SampleRate() int
	Close() error
}

// Decoder consumes normalised samples in [-1, 1] at the backend rate.
type Decoder interface {
	// AcceptWaveform decodes samples and returns every utterance that reached
	// an endpoint while doing so.
	AcceptWaveform(samples []float32) ([]Utterance, error)
	// PartialWords is the current hypothesis of the open utterance. It has no
	// side effects.
	PartialWords() []string
	// Flush finalizes the open utterance as if an endpoint occurred.
	Flush() (Utterance, error)
	// Reset drops the open utterance.
	Reset() error
	Close() error
}

// Open creates the backend named by the bundle configuration.
func Open(b *bundle.Bundle, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch b.Config.Backend {
	case "tone":
		return newToneBackend(b, logger), nil
	case "exec":
		return newExecBackend(b, logger)
	default:
		return nil, fmt.Errorf("decoder: backend %q not supported", b.Config.Backend)
	}
}
