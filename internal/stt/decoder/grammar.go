package decoder

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
)

// Grammar is a closed vocabulary. It is immutable once built.
type Grammar struct {
	words   map[string]struct{}
	unknown bool
}

// ParseGrammar accepts either a JSON array of phrases, e.g.
// ["turn on", "turn off", "[unk]"], or a whitespace separated word list such as
// "one two three [unk]". Phrases contribute each of their words.
func ParseGrammar(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("grammar is empty")
	}
	var phrases []string
	if strings.HasPrefix(spec, "[") && json.Unmarshal([]byte(spec), &phrases) == nil {
		spec = strings.Join(phrases, " ")
	}
	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(spec) {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	if len(words) == 0 {
		return nil, errors.New("grammar has no words")
	}
	return words, nil
}

// NewGrammar builds a grammar from words. The reserved token [unk] enables
// the out-of-vocabulary output.
func NewGrammar(words []string) *Grammar {
	g := &Grammar{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		if w == bundle.UnknownWord {
			g.unknown = true
			continue
		}
		g.words[w] = struct{}{}
	}
	return g
}

// Allows reports whether word may appear in the output.
func (g *Grammar) Allows(word string) bool {
	_, ok := g.words[word]
	return ok
}

// AllowsUnknown reports whether the grammar lists [unk].
func (g *Grammar) AllowsUnknown() bool { return g.unknown }

// Words returns the in-vocabulary words, sorted.
func (g *Grammar) Words() []string {
	out := make([]string, 0, len(g.words))
	for w := range g.words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
