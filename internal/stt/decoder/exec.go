package decoder

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/mattn/go-shellwords"
)

const execStopTimeout = 2 * time.Second

// execBackend runs an external decoder process per recognizer. The process
// reads one JSON request per line on stdin and answers each with one JSON
// line on stdout:
//
//	{"op":"accept","pcm":"<base64 s16le>"} -> {"partial":"...","finals":[{"result":[...]}]}
//	{"op":"flush"}                         -> {"finals":[{"result":[...]}]}
//	{"op":"reset"}                         -> {}
//
// The command line gets --model, --sample-rate and, for grammar sessions,
// --grammar appended.
type execBackend struct {
	args []string
	path string
	cfg  bundle.Config
	log  *slog.Logger
}

func newExecBackend(b *bundle.Bundle, logger *slog.Logger) (*execBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(b.Config.DecoderCommand)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("decoder command is empty")
	}
	return &execBackend{
		args: args,
		path: b.Path,
		cfg:  b.Config,
		log:  logger.With(slog.String("backend", "exec")),
	}, nil
}

func (b *execBackend) SampleRate() int { return b.cfg.SampleRate }

func (b *execBackend) Close() error { return nil }

func (b *execBackend) NewDecoder(opts Options) (Decoder, error) {
	log := opts.Logger
	if log == nil {
		log = b.log
	}
	cmdArgs := append([]string{}, b.args[1:]...)
	cmdArgs = append(cmdArgs, "--model", b.path, "--sample-rate", strconv.Itoa(b.cfg.SampleRate))
	if opts.Grammar != nil {
		words := opts.Grammar.Words()
		if opts.Grammar.AllowsUnknown() {
			words = append(words, bundle.UnknownWord)
		}
		encoded, err := json.Marshal(words)
		if err != nil {
			return nil, fmt.Errorf("encode grammar: %w", err)
		}
		cmdArgs = append(cmdArgs, "--grammar", string(encoded))
	}

	cmd := exec.Command(b.args[0], cmdArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder %s: %w", b.args[0], err)
	}
	log.Debug("decoder process started", slog.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &execDecoder{
		cmd:     cmd,
		stdin:   stdin,
		enc:     json.NewEncoder(stdin),
		scanner: scanner,
		stderr:  stderr,
		log:     log,
	}, nil
}

type execRequest struct {
	Op  string `json:"op"`
	PCM string `json:"pcm,omitempty"`
}

type execWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

type execUtterance struct {
	Result    []execWord `json:"result"`
	EndSample int64      `json:"end_sample,omitempty"`
}

type execResponse struct {
	Partial string          `json:"partial"`
	Finals  []execUtterance `json:"finals"`
	Error   string          `json:"error"`
}

type execDecoder struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	scanner *bufio.Scanner
	stderr  *limitedBuffer
	log     *slog.Logger

	partial []string
	fed     int64
	err     error
	closed  bool
}

func (d *execDecoder) AcceptWaveform(samples []float32) ([]Utterance, error) {
	resp, err := d.roundTrip(execRequest{Op: "accept", PCM: encodePCM(samples)})
	if err != nil {
		return nil, err
	}
	start := d.fed
	d.fed += int64(len(samples))
	d.partial = strings.Fields(resp.Partial)
	out := make([]Utterance, 0, len(resp.Finals))
	for _, f := range resp.Finals {
		u := f.utterance()
		// Endpoints the process does not place are put at the end of the call.
		u.EndSample = d.fed
		if f.EndSample > start && f.EndSample < d.fed {
			u.EndSample = f.EndSample
		}
		out = append(out, u)
	}
	if len(out) > 0 && resp.Partial == "" {
		d.partial = nil
	}
	return out, nil
}

func (d *execDecoder) PartialWords() []string {
	return append([]string(nil), d.partial...)
}

func (d *execDecoder) Flush() (Utterance, error) {
	resp, err := d.roundTrip(execRequest{Op: "flush"})
	if err != nil {
		return Utterance{}, err
	}
	d.partial = nil
	var utt Utterance
	for _, f := range resp.Finals {
		utt.Words = append(utt.Words, f.utterance().Words...)
	}
	return utt, nil
}

func (d *execDecoder) Reset() error {
	if _, err := d.roundTrip(execRequest{Op: "reset"}); err != nil {
		return err
	}
	d.partial = nil
	return nil
}

func (d *execDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stdin.Close()
	timer := time.AfterFunc(execStopTimeout, func() {
		_ = d.cmd.Process.Kill()
	})
	defer timer.Stop()
	if err := d.cmd.Wait(); err != nil && d.err == nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("wait for decoder: %w", err)
		}
		d.log.Debug("decoder process exited", slogError(err))
	}
	return nil
}

// roundTrip sends one request and reads one response. Any failure is sticky.
func (d *execDecoder) roundTrip(req execRequest) (execResponse, error) {
	if d.err != nil {
		return execResponse{}, d.err
	}
	if d.closed {
		return execResponse{}, errors.New("decoder closed")
	}
	var resp execResponse
	if err := d.enc.Encode(req); err != nil {
		return resp, d.fail(fmt.Errorf("write %s request: %w", req.Op, err))
	}
	if !d.scanner.Scan() {
		err := d.scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return resp, d.fail(fmt.Errorf("read %s response: %w", req.Op, err))
	}
	if err := json.Unmarshal(d.scanner.Bytes(), &resp); err != nil {
		return resp, d.fail(fmt.Errorf("decode %s response: %w", req.Op, err))
	}
	if resp.Error != "" {
		return resp, d.fail(fmt.Errorf("decoder %s: %s", req.Op, resp.Error))
	}
	return resp, nil
}

func (d *execDecoder) fail(err error) error {
	if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	d.err = err
	d.log.Error("decoder process failed", slogError(err))
	return err
}

func (u execUtterance) utterance() Utterance {
	words := make([]Word, len(u.Result))
	for i, w := range u.Result {
		words[i] = Word(w)
	}
	return Utterance{Words: words}
}

// encodePCM packs normalised samples as base64 little-endian 16-bit PCM.
func encodePCM(samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := math.Round(float64(v) * 32768)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(s)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
