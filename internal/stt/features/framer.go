// Package features turns a normalised sample stream into analysis frames and
// per-frame spectra.
//
// The Framer keeps the samples that do not yet fill a window between calls, so
// the sequence of frames depends only on the concatenated input and never on
// how the input was chunked.
package features

// FrameFunc receives one analysis window. offset is the stream position of the
// first sample of the window. The slice is only valid during the call.
type FrameFunc func(offset int64, frame []float32) error

// Framer cuts a stream into overlapping windows of length samples, advancing
// shift samples between windows.
type Framer struct {
	length int
	shift  int
	buf    []float32
	offset int64
}

func NewFramer(length, shift int) *Framer {
	if shift <= 0 || length < shift {
		panic("features: frame length must be >= shift > 0")
	}
	return &Framer{length: length, shift: shift}
}

// Push appends samples and calls fn for every window that is complete.
func (f *Framer) Push(samples []float32, fn FrameFunc) error {
	f.buf = append(f.buf, samples...)
	start := 0
	for len(f.buf)-start >= f.length {
		if err := fn(f.offset, f.buf[start:start+f.length]); err != nil {
			f.compact(start)
			return err
		}
		start += f.shift
		f.offset += int64(f.shift)
	}
	f.compact(start)
	return nil
}

func (f *Framer) compact(start int) {
	n := copy(f.buf, f.buf[start:])
	f.buf = f.buf[:n]
}

// Drain calls fn for every window that starts inside the buffered tail,
// padding missing samples with zeros, then moves the stream position to the
// end of the tail like Skip.
func (f *Framer) Drain(fn FrameFunc) error {
	n := len(f.buf)
	end := f.offset + int64(n)
	f.buf = append(f.buf, make([]float32, f.length)...)
	var err error
	for start := 0; start < n; start += f.shift {
		if err = fn(f.offset+int64(start), f.buf[start:start+f.length]); err != nil {
			break
		}
	}
	f.buf = f.buf[:0]
	f.offset = end
	return err
}

// Skip drops the buffered tail and moves the stream position past it.
func (f *Framer) Skip() {
	f.offset += int64(len(f.buf))
	f.buf = f.buf[:0]
}

// Offset is the stream position of the next window start.
func (f *Framer) Offset() int64 { return f.offset }

// Pending is the number of buffered samples not yet covered by a full window.
func (f *Framer) Pending() int { return len(f.buf) }

func (f *Framer) Length() int { return f.length }
func (f *Framer) Shift() int  { return f.shift }
