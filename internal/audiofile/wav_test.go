package audiofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func TestWriteReadRoundTrip(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := []int16{0, 1200, -1200, 32767, -32768, 5}

	is.NoErr(WriteWAV(path, samples, 8000))
	clip, err := ReadWAV(path)
	is.NoErr(err)
	is.Equal(clip.SampleRate, 8000)
	is.Equal(clip.Samples, samples)
	is.Equal(clip.Seconds(), float64(len(samples))/8000)
}

func TestStereoDownmix(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "stereo.wav")
	f, err := os.Create(path)
	is.NoErr(err)
	is.NoErr(Encode(f, []int16{100, 300, -100, -300}, 16000, 2))
	is.NoErr(f.Close())

	clip, err := ReadWAV(path)
	is.NoErr(err)
	is.Equal(clip.Samples, []int16{200, -200})
}

func TestReadInvalid(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "bogus.wav")
	is.NoErr(os.WriteFile(path, []byte("not a riff file"), 0o644))
	_, err := ReadWAV(path)
	is.True(err != nil)
}

func TestEncodeMisaligned(t *testing.T) {
	is := is.New(t)
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	is.NoErr(err)
	defer f.Close()
	is.True(Encode(f, []int16{1, 2, 3}, 16000, 2) != nil)
}
