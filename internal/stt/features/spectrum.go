package features

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FloorDB is reported for frames with no energy.
const FloorDB = -120.0

// Analyzer computes Hann-windowed power spectra. It keeps scratch buffers and
// must not be shared between goroutines.
type Analyzer struct {
	length int
	size   int
	fft    *fourier.FFT
	window []float64
	wPower float64
	seq    []float64
	coeffs []complex128
	power  []float64
}

// NewAnalyzer prepares an analyzer for windows of length samples. The FFT size
// is the next power of two.
func NewAnalyzer(length int) *Analyzer {
	size := 1
	for size < length {
		size <<= 1
	}
	a := &Analyzer{
		length: length,
		size:   size,
		fft:    fourier.NewFFT(size),
		window: hannWindow(length),
		seq:    make([]float64, size),
		coeffs: make([]complex128, size/2+1),
		power:  make([]float64, size/2+1),
	}
	for _, w := range a.window {
		a.wPower += w * w
	}
	return a
}

// Size is the FFT length.
func (a *Analyzer) Size() int { return a.size }

// Analyze returns the power spectrum (size/2+1 bins) and the windowed mean
// energy in dBFS. The returned slice is reused by the next call.
func (a *Analyzer) Analyze(frame []float32) ([]float64, float64) {
	var energy float64
	for i := 0; i < a.length; i++ {
		v := float64(frame[i]) * a.window[i]
		a.seq[i] = v
		energy += v * v
	}
	for i := a.length; i < a.size; i++ {
		a.seq[i] = 0
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)
	for k, c := range a.coeffs {
		a.power[k] = real(c)*real(c) + imag(c)*imag(c)
	}
	return a.power, EnergyDB(energy / a.wPower)
}

// EnergyDB converts a mean square value into dBFS with a floor.
func EnergyDB(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return FloorDB
	}
	db := 10 * math.Log10(meanSquare)
	if db < FloorDB {
		return FloorDB
	}
	return db
}

// PeakFrequency finds the strongest bin at or above minHz and refines it with
// parabolic interpolation over log power.
func PeakFrequency(power []float64, fftSize, rate int, minHz float64) float64 {
	binHz := float64(rate) / float64(fftSize)
	lo := int(math.Ceil(minHz / binHz))
	if lo < 1 {
		lo = 1
	}
	hi := len(power) - 2
	if lo > hi {
		return 0
	}
	peak := lo
	for k := lo + 1; k <= hi; k++ {
		if power[k] > power[peak] {
			peak = k
		}
	}
	alpha := math.Log(power[peak-1] + 1e-20)
	beta := math.Log(power[peak] + 1e-20)
	gamma := math.Log(power[peak+1] + 1e-20)
	delta := 0.0
	if d := alpha - 2*beta + gamma; d != 0 {
		delta = 0.5 * (alpha - gamma) / d
	}
	if delta > 0.5 || delta < -0.5 {
		delta = 0
	}
	return (float64(peak) + delta) * binHz
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}
