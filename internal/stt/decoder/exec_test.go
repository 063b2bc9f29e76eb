package decoder

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/sttest"
)

const helperEnv = "LOQA_STT_HELPER_DECODER"

// TestHelperDecoder is not a real test. It is the external decoder process
// started by the exec backend tests.
func TestHelperDecoder(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	runHelperDecoder()
	os.Exit(0)
}

// runHelperDecoder emits the first grammar word (or "hello") for every run of
// non-zero samples and finalizes it after half a second of zeros.
func runHelperDecoder() {
	rate := 16000
	word := "hello"
	for i, arg := range os.Args {
		if i+1 >= len(os.Args) {
			break
		}
		switch arg {
		case "--sample-rate":
			rate, _ = strconv.Atoi(os.Args[i+1])
		case "--grammar":
			var words []string
			if json.Unmarshal([]byte(os.Args[i+1]), &words) == nil && len(words) > 0 {
				word = words[0]
			}
		}
	}

	var pos, start, last, silent int64
	voiced := false
	final := func(end int64) execUtterance {
		return execUtterance{EndSample: end, Result: []execWord{{
			Word:  word,
			Start: float64(start) / float64(rate),
			End:   float64(last+1) / float64(rate),
			Conf:  1,
		}}}
	}

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 16*1024*1024)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req execRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			_ = out.Encode(execResponse{Error: err.Error()})
			continue
		}
		if os.Getenv(helperEnv) == "crash" {
			fmt.Fprintln(os.Stderr, "helper crashed on purpose")
			os.Exit(3)
		}
		var resp execResponse
		switch req.Op {
		case "accept":
			raw, _ := base64.StdEncoding.DecodeString(req.PCM)
			for i := 0; i+1 < len(raw); i += 2 {
				s := int16(binary.LittleEndian.Uint16(raw[i:]))
				if s != 0 {
					if !voiced {
						voiced = true
						start = pos
					}
					last = pos
					silent = 0
				} else if voiced {
					silent++
					if silent >= int64(rate/2) {
						resp.Finals = append(resp.Finals, final(pos+1))
						voiced = false
					}
				}
				pos++
			}
			if voiced {
				resp.Partial = word
			}
		case "flush":
			if voiced {
				resp.Finals = []execUtterance{final(0)}
			}
			voiced = false
		case "reset":
			voiced = false
		default:
			resp.Error = "unknown op " + req.Op
		}
		_ = out.Encode(resp)
	}
}

func openExec(t *testing.T, mode string) Backend {
	t.Helper()
	t.Setenv(helperEnv, mode)
	dir := sttest.WriteModel(t, sttest.ModelSpec{
		Backend:        "exec",
		Lookahead:      true,
		DecoderCommand: fmt.Sprintf("'%s' -test.run=TestHelperDecoder --", os.Args[0]),
	})
	b, err := bundle.Load(dir)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	backend, err := Open(b, testLogger())
	if err != nil {
		t.Fatalf("open exec backend: %v", err)
	}
	return backend
}

func TestExecDecoder(t *testing.T) {
	backend := openExec(t, "1")
	if backend.SampleRate() != sttest.Rate {
		t.Fatalf("expected rate %d, got %d", sttest.Rate, backend.SampleRate())
	}
	dec := newDecoder(t, backend, nil)

	utts := feedAll(t, dec, [][]float32{sttest.ToFloat32(sttest.Tone(500, 0.4, sttest.Rate))})
	if len(utts) != 0 {
		t.Fatalf("unexpected endpoint: %+v", utts)
	}
	if got := dec.PartialWords(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Fatalf("expected partial [hello], got %v", got)
	}

	utts = feedAll(t, dec, [][]float32{sttest.ToFloat32(sttest.Silence(0.6, sttest.Rate))})
	if len(utts) != 1 || !reflect.DeepEqual(wordsOf(utts[0]), []string{"hello"}) {
		t.Fatalf("expected one [hello] utterance, got %+v", utts)
	}
	// Half a second of zeros after the last voiced sample at 6399.
	if utts[0].EndSample != 6400+sttest.Rate/2 {
		t.Fatalf("expected endpoint at sample %d, got %d", 6400+sttest.Rate/2, utts[0].EndSample)
	}
	if len(dec.PartialWords()) != 0 {
		t.Fatalf("expected empty partial, got %v", dec.PartialWords())
	}

	feedAll(t, dec, [][]float32{sttest.ToFloat32(sttest.Tone(750, 0.2, sttest.Rate))})
	utt, err := dec.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !reflect.DeepEqual(wordsOf(utt), []string{"hello"}) {
		t.Fatalf("expected flushed [hello], got %v", wordsOf(utt))
	}
	if utt.Words[0].Start < 0.99 {
		t.Fatalf("expected stream-relative start time, got %v", utt.Words[0].Start)
	}
}

func TestExecDecoderEndSampleInsideCall(t *testing.T) {
	backend := openExec(t, "1")
	dec := newDecoder(t, backend, nil)
	audio := sttest.ToFloat32(sttest.Concat(sttest.Tone(500, 0.2, sttest.Rate), sttest.Silence(0.6, sttest.Rate)))
	utts := feedAll(t, dec, [][]float32{audio})
	if len(utts) != 1 {
		t.Fatalf("expected one utterance, got %+v", utts)
	}
	if utts[0].EndSample <= 0 || utts[0].EndSample > int64(len(audio)) {
		t.Fatalf("endpoint %d outside the call", utts[0].EndSample)
	}
}

func TestExecDecoderGrammar(t *testing.T) {
	backend := openExec(t, "1")
	dec := newDecoder(t, backend, NewGrammar([]string{"yes", "no"}))
	feedAll(t, dec, [][]float32{sttest.ToFloat32(sttest.Tone(500, 0.2, sttest.Rate))})
	if got := dec.PartialWords(); !reflect.DeepEqual(got, []string{"no"}) {
		t.Fatalf("expected first sorted grammar word, got %v", got)
	}
}

func TestExecDecoderFailureIsSticky(t *testing.T) {
	backend := openExec(t, "crash")
	dec := newDecoder(t, backend, nil)
	samples := sttest.ToFloat32(sttest.Tone(500, 0.1, sttest.Rate))
	_, err := dec.AcceptWaveform(samples)
	if err == nil {
		t.Fatal("expected error from crashed decoder")
	}
	if _, again := dec.AcceptWaveform(samples); again == nil || again.Error() != err.Error() {
		t.Fatalf("expected sticky error %v, got %v", err, again)
	}
}

func TestExecEmptyCommand(t *testing.T) {
	b, err := bundle.Load(sttest.WriteModel(t, sttest.ModelSpec{Backend: "exec", DecoderCommand: "decoder"}))
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	b.Config.DecoderCommand = "  "
	if _, err := Open(b, testLogger()); err == nil {
		t.Fatal("expected error for empty decoder command")
	}
}
