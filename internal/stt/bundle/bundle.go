// Package bundle reads recognition model and speaker model directories from disk.
//
// A model directory looks like:
//
//	conf/model.conf   YAML decoding parameters
//	graph/words.txt   symbol table, one "word id" pair per line
//	graph/HCLG.fst    static decoding graph, or
//	graph/HCLr.fst    lookahead graph pair (required for grammars)
//	graph/Gr.fst
//	am/final.mdl      acoustic tables used by the tone backend
//
// The graph files are treated as opaque; only their presence selects the graph kind.
package bundle

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the only bundle layout version understood by this package.
const Version = 1

// UnknownWord is the reserved out-of-vocabulary token.
const UnknownWord = "[unk]"

var (
	// ErrMissing reports a required file or directory that does not exist.
	ErrMissing = errors.New("bundle: missing file")
	// ErrCorrupt reports a file that exists but cannot be parsed.
	ErrCorrupt = errors.New("bundle: corrupt file")
	// ErrUnsupportedVersion reports a layout version other than Version.
	ErrUnsupportedVersion = errors.New("bundle: unsupported version")
)

// GraphKind describes which decoding graph a model ships.
type GraphKind int

const (
	GraphStatic GraphKind = iota
	GraphLookahead
)

func (g GraphKind) String() string {
	switch g {
	case GraphStatic:
		return "static"
	case GraphLookahead:
		return "lookahead"
	default:
		return fmt.Sprintf("GraphKind(%d)", int(g))
	}
}

type EndpointConfig struct {
	TrailingSilence float64 `yaml:"trailing_silence"`
	MaxUtterance    float64 `yaml:"max_utterance"`
}

// Config is the content of conf/model.conf.
type Config struct {
	Version            int            `yaml:"version"`
	Backend            string         `yaml:"backend"`
	SampleRate         int            `yaml:"sample_rate"`
	FrameLengthMS      int            `yaml:"frame_length_ms"`
	FrameShiftMS       int            `yaml:"frame_shift_ms"`
	SilenceThresholdDB float64        `yaml:"silence_threshold_db"`
	MinWordFrames      int            `yaml:"min_word_frames"`
	ToneToleranceHz    float64        `yaml:"tone_tolerance_hz"`
	Endpoint           EndpointConfig `yaml:"endpoint"`
	DecoderCommand     string         `yaml:"decoder_command"`
}

func defaultConfig() Config {
	return Config{
		Backend:            "tone",
		SampleRate:         16000,
		FrameLengthMS:      25,
		FrameShiftMS:       10,
		SilenceThresholdDB: -40,
		MinWordFrames:      3,
		ToneToleranceHz:    40,
		Endpoint: EndpointConfig{
			TrailingSilence: 0.5,
			MaxUtterance:    20,
		},
	}
}

// FrameLength returns the analysis window in samples at the model rate.
func (c Config) FrameLength() int { return c.SampleRate * c.FrameLengthMS / 1000 }

// FrameShift returns the hop between windows in samples at the model rate.
func (c Config) FrameShift() int { return c.SampleRate * c.FrameShiftMS / 1000 }

// Bundle is a parsed model directory. It is never modified after Load returns.
type Bundle struct {
	Path   string
	Config Config
	Graph  GraphKind

	words   []string
	wordIDs map[string]int
	tones   map[string]float64
}

// Load parses the model directory at path.
func Load(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("stat model dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorrupt, path)
	}

	cfg, err := loadConfig(filepath.Join(path, "conf", "model.conf"))
	if err != nil {
		return nil, err
	}

	b := &Bundle{Path: path, Config: cfg}
	switch {
	case exists(filepath.Join(path, "graph", "HCLr.fst")) && exists(filepath.Join(path, "graph", "Gr.fst")):
		b.Graph = GraphLookahead
	case exists(filepath.Join(path, "graph", "HCLG.fst")):
		b.Graph = GraphStatic
	default:
		return nil, fmt.Errorf("%w: graph/HCLG.fst or graph/HCLr.fst+graph/Gr.fst", ErrMissing)
	}

	b.words, b.wordIDs, err = loadSymbols(filepath.Join(path, "graph", "words.txt"))
	if err != nil {
		return nil, err
	}

	mdl := filepath.Join(path, "am", "final.mdl")
	if cfg.Backend == "tone" {
		b.tones, err = loadTones(mdl, b.wordIDs)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return cfg, fmt.Errorf("read model config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if cfg.Version != Version {
		return cfg, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cfg.Version)
	}
	if err := validate(cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Backend {
	case "tone":
	case "exec":
		if strings.TrimSpace(cfg.DecoderCommand) == "" {
			return errors.New("decoder_command must be set when backend=exec")
		}
	default:
		return fmt.Errorf("backend %q not supported", cfg.Backend)
	}
	if cfg.SampleRate <= 0 {
		return errors.New("sample_rate must be positive")
	}
	if cfg.FrameShiftMS <= 0 || cfg.FrameLengthMS < cfg.FrameShiftMS {
		return errors.New("frame_length_ms must be >= frame_shift_ms > 0")
	}
	if cfg.FrameShift() == 0 {
		return errors.New("frame_shift_ms too small for sample_rate")
	}
	if cfg.MinWordFrames < 1 {
		return errors.New("min_word_frames must be >= 1")
	}
	if cfg.Endpoint.TrailingSilence <= 0 {
		return errors.New("endpoint.trailing_silence must be positive")
	}
	if cfg.Endpoint.MaxUtterance < cfg.Endpoint.TrailingSilence {
		return errors.New("endpoint.max_utterance must be >= endpoint.trailing_silence")
	}
	return nil
}

func loadSymbols(path string) ([]string, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, nil, fmt.Errorf("open symbol table: %w", err)
	}
	defer f.Close()

	var words []string
	ids := make(map[string]int)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, nil, fmt.Errorf("%w: %s:%d: expected \"word id\"", ErrCorrupt, path, line)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil || id < 0 {
			return nil, nil, fmt.Errorf("%w: %s:%d: bad id %q", ErrCorrupt, path, line, fields[1])
		}
		if _, dup := ids[fields[0]]; dup {
			return nil, nil, fmt.Errorf("%w: %s:%d: duplicate word %q", ErrCorrupt, path, line, fields[0])
		}
		ids[fields[0]] = id
		for len(words) <= id {
			words = append(words, "")
		}
		words[id] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read symbol table: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: %s: empty symbol table", ErrCorrupt, path)
	}
	return words, ids, nil
}

func loadTones(path string, vocab map[string]int) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("open acoustic model: %w", err)
	}
	defer f.Close()

	tones := make(map[string]float64)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %s:%d: expected \"word frequency\"", ErrCorrupt, path, line)
		}
		if _, ok := vocab[fields[0]]; !ok {
			return nil, fmt.Errorf("%w: %s:%d: word %q not in symbol table", ErrCorrupt, path, line, fields[0])
		}
		freq, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || freq <= 0 {
			return nil, fmt.Errorf("%w: %s:%d: bad frequency %q", ErrCorrupt, path, line, fields[1])
		}
		tones[fields[0]] = freq
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read acoustic model: %w", err)
	}
	if len(tones) == 0 {
		return nil, fmt.Errorf("%w: %s: no acoustic units", ErrCorrupt, path)
	}
	return tones, nil
}

// WordID returns the symbol id of word, or -1.
func (b *Bundle) WordID(word string) int {
	if id, ok := b.wordIDs[word]; ok {
		return id
	}
	return -1
}

// Words returns the vocabulary in id order. Gaps in the id space are skipped.
func (b *Bundle) Words() []string {
	out := make([]string, 0, len(b.wordIDs))
	for _, w := range b.words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Tones returns a copy of the word → frequency table of the tone backend.
func (b *Bundle) Tones() map[string]float64 {
	out := make(map[string]float64, len(b.tones))
	for k, v := range b.tones {
		out[k] = v
	}
	return out
}

func (b *Bundle) SupportsGrammar() bool { return b.Graph == GraphLookahead }

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
