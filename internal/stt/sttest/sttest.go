// Package sttest writes model fixtures and synthesizes audio for tests.
//
// Audio is produced as 16-bit PCM; ToFloat32 and ToBytes derive the other two
// ingest encodings from it so tests can compare them sample for sample.
package sttest

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Rate is the sample rate of the default fixture model.
const Rate = 16000

// DefaultTones maps the fixture vocabulary to tone frequencies. Every
// frequency sits on an FFT bin centre for a 512 point transform at 16 kHz.
var DefaultTones = map[string]float64{
	"one":   500,
	"two":   750,
	"three": 1000,
	"four":  1250,
	"five":  1500,
	"six":   1750,
	"seven": 2000,
}

const (
	WordSeconds = 0.3
	GapSeconds  = 0.15
	Amplitude   = 0.5
)

// ModelSpec controls the fixture written by WriteModel.
type ModelSpec struct {
	Backend         string
	Lookahead       bool
	Tones           map[string]float64
	DecoderCommand  string
	SampleRate      int
	TrailingSilence float64
	MaxUtterance    float64
	Version         int
}

// WriteModel writes a model directory under t.TempDir and returns its path.
func WriteModel(t testing.TB, spec ModelSpec) string {
	t.Helper()
	if spec.Backend == "" {
		spec.Backend = "tone"
	}
	if spec.Tones == nil {
		spec.Tones = DefaultTones
	}
	if spec.SampleRate == 0 {
		spec.SampleRate = Rate
	}
	if spec.TrailingSilence == 0 {
		spec.TrailingSilence = 0.5
	}
	if spec.MaxUtterance == 0 {
		spec.MaxUtterance = 20
	}
	if spec.Version == 0 {
		spec.Version = 1
	}

	dir := filepath.Join(t.TempDir(), "model")
	var conf strings.Builder
	fmt.Fprintf(&conf, "version: %d\n", spec.Version)
	fmt.Fprintf(&conf, "backend: %s\n", spec.Backend)
	fmt.Fprintf(&conf, "sample_rate: %d\n", spec.SampleRate)
	conf.WriteString("frame_length_ms: 25\nframe_shift_ms: 10\nsilence_threshold_db: -40\nmin_word_frames: 3\ntone_tolerance_hz: 40\n")
	fmt.Fprintf(&conf, "endpoint:\n  trailing_silence: %g\n  max_utterance: %g\n", spec.TrailingSilence, spec.MaxUtterance)
	if spec.DecoderCommand != "" {
		fmt.Fprintf(&conf, "decoder_command: %q\n", spec.DecoderCommand)
	}
	writeFile(t, filepath.Join(dir, "conf", "model.conf"), conf.String())

	words := sortedWords(spec.Tones)
	var symbols strings.Builder
	symbols.WriteString("<eps> 0\n")
	for i, w := range words {
		fmt.Fprintf(&symbols, "%s %d\n", w, i+1)
	}
	fmt.Fprintf(&symbols, "[unk] %d\n", len(words)+1)
	writeFile(t, filepath.Join(dir, "graph", "words.txt"), symbols.String())

	if spec.Lookahead {
		writeFile(t, filepath.Join(dir, "graph", "HCLr.fst"), "fst")
		writeFile(t, filepath.Join(dir, "graph", "Gr.fst"), "fst")
	} else {
		writeFile(t, filepath.Join(dir, "graph", "HCLG.fst"), "fst")
	}

	var mdl strings.Builder
	mdl.WriteString("# word frequency_hz\n")
	for _, w := range words {
		fmt.Fprintf(&mdl, "%s %g\n", w, spec.Tones[w])
	}
	writeFile(t, filepath.Join(dir, "am", "final.mdl"), mdl.String())
	return dir
}

// SpeakerDim is the vector length of the fixture speaker model.
const SpeakerDim = 4

// WriteSpeakerModel writes a speaker model directory under t.TempDir.
func WriteSpeakerModel(t testing.TB) string {
	t.Helper()
	const mels = 8
	dir := filepath.Join(t.TempDir(), "spk")
	writeFile(t, filepath.Join(dir, "spk.conf"),
		fmt.Sprintf("version: 1\nnum_mels: %d\nframe_length_ms: 25\nframe_shift_ms: 10\nsilence_threshold_db: -40\nlow_freq: 20\nhigh_freq: 7600\n", mels))

	mean := make([]string, mels)
	for i := range mean {
		mean[i] = "0"
	}
	writeFile(t, filepath.Join(dir, "mean.vec"), strings.Join(mean, " ")+"\n")

	var mat strings.Builder
	for r := 0; r < SpeakerDim; r++ {
		row := make([]string, mels)
		for c := range row {
			row[c] = fmt.Sprintf("%g", math.Sin(float64(r*mels+c+1)))
		}
		mat.WriteString(strings.Join(row, " ") + "\n")
	}
	writeFile(t, filepath.Join(dir, "transform.mat"), mat.String())
	return dir
}

// Tone synthesizes a sine wave of the given length.
func Tone(freq, seconds float64, rate int) []int16 {
	n := int(seconds * float64(rate))
	out := make([]int16, n)
	for i := range out {
		v := Amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		out[i] = int16(math.Round(v * 32767))
	}
	return out
}

func Silence(seconds float64, rate int) []int16 {
	return make([]int16, int(seconds*float64(rate)))
}

// Utterance renders words from DefaultTones separated by short gaps. There is
// no leading or trailing silence.
func Utterance(rate int, words ...string) []int16 {
	var out []int16
	for i, w := range words {
		if i > 0 {
			out = append(out, Silence(GapSeconds, rate)...)
		}
		freq, ok := DefaultTones[w]
		if !ok {
			panic("sttest: no tone for word " + w)
		}
		out = append(out, Tone(freq, WordSeconds, rate)...)
	}
	return out
}

// Concat joins sample slices.
func Concat(parts ...[]int16) []int16 {
	var out []int16
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ToFloat32 maps int16 samples onto [-1, 1) the same way the recognizer does.
func ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// ToBytes packs int16 samples as little-endian bytes.
func ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Chunks splits samples into pieces of the given sizes, cycling through sizes.
func Chunks[T any](samples []T, sizes ...int) [][]T {
	var out [][]T
	for i := 0; len(samples) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(samples) {
			n = len(samples)
		}
		out = append(out, samples[:n])
		samples = samples[n:]
	}
	return out
}

func sortedWords(tones map[string]float64) []string {
	words := make([]string, 0, len(tones))
	for w := range tones {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
