package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/loqalabs/loqa-stt/internal/audiofile"
	"github.com/loqalabs/loqa-stt/internal/stt/sttest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeClip(t *testing.T, samples []int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audiofile.WriteWAV(path, samples, sttest.Rate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	is := is.New(t)
	model := sttest.WriteModel(t, sttest.ModelSpec{})
	clip := writeClip(t, sttest.Concat(
		sttest.Silence(0.5, sttest.Rate),
		sttest.Utterance(sttest.Rate, "one", "two"),
		sttest.Silence(1, sttest.Rate),
		sttest.Utterance(sttest.Rate, "seven"),
	))

	out, err := run(t, "transcribe", "--model", model, clip)
	is.NoErr(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	is.Equal(len(lines), 2)
	var texts []string
	for _, line := range lines {
		var res struct {
			Text   string            `json:"text"`
			Result []json.RawMessage `json:"result"`
		}
		is.NoErr(json.Unmarshal([]byte(line), &res))
		texts = append(texts, res.Text)
	}
	is.Equal(texts, []string{"one two", "seven"})
}

func TestTranscribeGrammarNeedsLookahead(t *testing.T) {
	model := sttest.WriteModel(t, sttest.ModelSpec{})
	clip := writeClip(t, sttest.Utterance(sttest.Rate, "one"))
	if _, err := run(t, "transcribe", "--model", model, "--grammar", "one two", clip); err == nil {
		t.Fatal("expected grammar error for a static graph")
	}
}

func TestValidateModel(t *testing.T) {
	is := is.New(t)
	out, err := run(t, "validate-model", sttest.WriteModel(t, sttest.ModelSpec{Lookahead: true}))
	is.NoErr(err)
	var summary modelSummary
	is.NoErr(json.Unmarshal([]byte(out), &summary))
	is.Equal(summary.SampleRate, sttest.Rate)
	is.True(summary.SupportsGrammar)

	out, err = run(t, "validate-model", "--speaker", sttest.WriteSpeakerModel(t))
	is.NoErr(err)
	is.NoErr(json.Unmarshal([]byte(out), &summary))
	is.Equal(summary.SpeakerDim, sttest.SpeakerDim)

	_, err = run(t, "validate-model", filepath.Join(t.TempDir(), "missing"))
	is.True(err != nil)
}

func TestEnrollListRemove(t *testing.T) {
	is := is.New(t)
	db := filepath.Join(t.TempDir(), "speakers")
	spk := sttest.WriteSpeakerModel(t)
	clip := writeClip(t, sttest.Utterance(sttest.Rate, "one", "two", "three"))

	out, err := run(t, "enroll", "--db", db, "--speaker-model", spk, "alice", clip, clip)
	is.NoErr(err)
	is.True(strings.Contains(out, "enrolled alice (2 samples)"))

	out, err = run(t, "speakers", "list", "--db", db)
	is.NoErr(err)
	is.True(strings.Contains(out, "alice"))

	out, err = run(t, "speakers", "remove", "--db", db, "alice")
	is.NoErr(err)
	is.True(strings.Contains(out, "removed alice"))

	_, err = run(t, "speakers", "remove", "--db", db, "alice")
	is.True(err != nil)
}

func TestEnrollRejectsSilence(t *testing.T) {
	db := filepath.Join(t.TempDir(), "speakers")
	clip := writeClip(t, sttest.Silence(1, sttest.Rate))
	if _, err := run(t, "enroll", "--db", db, "--speaker-model", sttest.WriteSpeakerModel(t), "bob", clip); err == nil {
		t.Fatal("expected error for a recording without speech")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q", out)
	}
}
