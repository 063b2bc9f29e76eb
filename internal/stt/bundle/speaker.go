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

// SpeakerConfig is the content of spk.conf.
type SpeakerConfig struct {
	Version            int     `yaml:"version"`
	NumMels            int     `yaml:"num_mels"`
	FrameLengthMS      int     `yaml:"frame_length_ms"`
	FrameShiftMS       int     `yaml:"frame_shift_ms"`
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`
	LowFreq            float64 `yaml:"low_freq"`
	HighFreq           float64 `yaml:"high_freq"`
}

// SpeakerBundle is a parsed speaker model directory:
//
//	spk.conf        YAML feature parameters
//	mean.vec        num_mels floats subtracted from the pooled features
//	transform.mat   one row per output dimension, num_mels columns
type SpeakerBundle struct {
	Path      string
	Config    SpeakerConfig
	Mean      []float64
	Transform [][]float64
}

// LoadSpeaker parses the speaker model directory at path.
func LoadSpeaker(path string) (*SpeakerBundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("stat speaker model dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorrupt, path)
	}

	cfg := SpeakerConfig{
		NumMels:            40,
		FrameLengthMS:      25,
		FrameShiftMS:       10,
		SilenceThresholdDB: -40,
		LowFreq:            20,
	}
	confPath := filepath.Join(path, "spk.conf")
	data, err := os.ReadFile(confPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, confPath)
		}
		return nil, fmt.Errorf("read speaker config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, confPath, err)
	}
	if cfg.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cfg.Version)
	}
	if cfg.NumMels <= 0 || cfg.FrameShiftMS <= 0 || cfg.FrameLengthMS < cfg.FrameShiftMS {
		return nil, fmt.Errorf("%w: %s: invalid feature parameters", ErrCorrupt, confPath)
	}

	rows, err := readMatrix(filepath.Join(path, "mean.vec"))
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) != cfg.NumMels {
		return nil, fmt.Errorf("%w: mean.vec must hold one row of %d values", ErrCorrupt, cfg.NumMels)
	}
	transform, err := readMatrix(filepath.Join(path, "transform.mat"))
	if err != nil {
		return nil, err
	}
	if len(transform) == 0 {
		return nil, fmt.Errorf("%w: transform.mat is empty", ErrCorrupt)
	}
	for i, row := range transform {
		if len(row) != cfg.NumMels {
			return nil, fmt.Errorf("%w: transform.mat row %d has %d columns, want %d", ErrCorrupt, i, len(row), cfg.NumMels)
		}
	}

	return &SpeakerBundle{Path: path, Config: cfg, Mean: rows[0], Transform: transform}, nil
}

// Dimension is the length of the speaker vectors produced with this bundle.
func (s *SpeakerBundle) Dimension() int { return len(s.Transform) }

func readMatrix(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}
