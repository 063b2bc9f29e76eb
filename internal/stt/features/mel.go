package features

import "math"

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// MelBank is a set of triangular filters over a power spectrum.
type MelBank struct {
	filters [][]float64
}

// NewMelBank builds numMels filters between lowFreq and highFreq for spectra
// of fftSize/2+1 bins. A highFreq of zero means the Nyquist frequency.
func NewMelBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) *MelBank {
	if highFreq <= 0 || highFreq > float64(sampleRate)/2 {
		highFreq = float64(sampleRate) / 2
	}
	halfFFT := fftSize/2 + 1
	lowMel := hzToMel(lowFreq)
	highMel := hzToMel(highFreq)

	step := (highMel - lowMel) / float64(numMels+1)
	bins := make([]int, numMels+2)
	for i := range bins {
		hz := melToHz(lowMel + float64(i)*step)
		bin := int(math.Round(hz * float64(fftSize) / float64(sampleRate)))
		if bin >= halfFFT {
			bin = halfFFT - 1
		}
		bins[i] = bin
	}
	for i := 1; i < len(bins); i++ {
		if bins[i] <= bins[i-1] {
			bins[i] = bins[i-1] + 1
		}
	}

	bank := make([][]float64, numMels)
	for m := range bank {
		filter := make([]float64, halfFFT)
		left, center, right := bins[m], bins[m+1], bins[m+2]
		for k := left; k < center && k < halfFFT; k++ {
			filter[k] = float64(k-left) / float64(center-left)
		}
		for k := center; k <= right && k < halfFFT; k++ {
			filter[k] = float64(right-k) / float64(right-center)
		}
		bank[m] = filter
	}
	return &MelBank{filters: bank}
}

func (b *MelBank) Len() int { return len(b.filters) }

// Apply writes log mel energies of power into dst, which must hold Len values.
func (b *MelBank) Apply(dst []float64, power []float64) {
	for m, filter := range b.filters {
		sum := 0.0
		for k, w := range filter {
			if w != 0 {
				sum += w * power[k]
			}
		}
		if sum < 1e-10 {
			sum = 1e-10
		}
		dst[m] = math.Log(sum)
	}
}
