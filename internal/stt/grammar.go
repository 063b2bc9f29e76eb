package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/decoder"
)

// compileGrammar parses spec and keeps the words the model knows. Unknown
// words are logged and dropped.
func compileGrammar(spec string, b *bundle.Bundle, log *slog.Logger) (*decoder.Grammar, error) {
	words, err := decoder.ParseGrammar(spec)
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if w != bundle.UnknownWord && b.WordID(w) < 0 {
			log.Warn("ignoring grammar word missing from vocabulary", slog.String("word", w))
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return nil, errors.New("grammar has no words from the model vocabulary")
	}
	return decoder.NewGrammar(kept), nil
}
