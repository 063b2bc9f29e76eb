// Package audiofile reads and writes PCM WAV files for the command line tools
// and test fixtures. Recognizers never see containers; they take raw samples.
package audiofile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is mono 16-bit audio.
type Clip struct {
	SampleRate int
	Samples    []int16
}

// Seconds is the clip duration.
func (c *Clip) Seconds() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// ReadWAV decodes the PCM WAV file at path. Multi-channel audio is averaged
// down to mono; 24 and 32-bit audio is reduced to 16 bits.
func ReadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	clip, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

func Decode(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, errors.New("wav has no channels")
	}
	var shift int
	switch depth := int(dec.BitDepth); depth {
	case 16:
	case 24:
		shift = 8
	case 32:
		shift = 16
	default:
		return nil, fmt.Errorf("unsupported wav bit depth %d", depth)
	}

	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c] >> shift
		}
		out[i] = int16(sum / channels)
	}
	return &Clip{SampleRate: int(dec.SampleRate), Samples: out}, nil
}

// WriteWAV writes mono 16-bit samples to path.
func WriteWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := Encode(f, samples, sampleRate, 1); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes interleaved 16-bit samples as a WAV stream.
func Encode(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	if channels < 1 || len(samples)%channels != 0 {
		return fmt.Errorf("pcm payload not aligned to %d channels", channels)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer.Data = data

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
