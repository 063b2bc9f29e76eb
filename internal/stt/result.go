package stt

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/stt/decoder"
)

// WordResult is one word of a final result. Times are seconds from the start
// of the stream.
type WordResult struct {
	Conf  float64 `json:"conf"`
	End   float64 `json:"end"`
	Start float64 `json:"start"`
	Word  string  `json:"word"`
}

// Result is a finalized utterance.
type Result struct {
	Words         []WordResult `json:"result,omitempty"`
	Text          string       `json:"text"`
	Speaker       []float64    `json:"spk,omitempty"`
	SpeakerFrames int          `json:"spk_frames,omitempty"`
}

// Partial is the hypothesis of the utterance in progress.
type Partial struct {
	Text string `json:"text"`
}

func newResult(words []decoder.Word) Result {
	if len(words) == 0 {
		return Result{}
	}
	out := make([]WordResult, len(words))
	text := make([]string, len(words))
	for i, w := range words {
		out[i] = WordResult{
			Conf:  clamp01(w.Conf),
			End:   round6(w.End),
			Start: round6(w.Start),
			Word:  w.Word,
		}
		text[i] = w.Word
	}
	return Result{Words: out, Text: strings.Join(text, " ")}
}

// JSON renders the result document.
func (r Result) JSON() string {
	return mustJSON(r)
}

// JSON renders the partial document, {"text": "..."}.
func (p Partial) JSON() string {
	return mustJSON(p)
}

func (r Result) clone() Result {
	out := r
	out.Words = append([]WordResult(nil), r.Words...)
	out.Speaker = append([]float64(nil), r.Speaker...)
	if len(out.Words) == 0 {
		out.Words = nil
	}
	if len(out.Speaker) == 0 {
		out.Speaker = nil
	}
	return out
}

// mustJSON marshals values that cannot fail: every float is finite by
// construction.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stt: marshal result: " + err.Error())
	}
	return string(data)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
