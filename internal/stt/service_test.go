package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/speakerdb"
	"github.com/loqalabs/loqa-stt/internal/stt/sttest"
)

// pathModels loads a fresh model per Get. The cache package is tested on its
// own.
type pathModels struct{}

func (pathModels) Get(path string) (*Model, error) {
	return LoadModel(path, WithLogger(testLogger()))
}

type serviceHarness struct {
	svc   *Service
	bus   *bus.Client
	store *eventstore.Store
}

func startService(t *testing.T, mutate func(*config.STTConfig, *ServiceDeps)) *serviceHarness {
	t.Helper()
	log := testLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "transcripts.db"),
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.STTConfig{
		Enabled:       true,
		ModelPath:     sttest.WriteModel(t, sttest.ModelSpec{}),
		SampleRate:    sttest.Rate,
		Channels:      1,
		SessionIdleMS: 5000,
	}
	deps := ServiceDeps{Bus: client, Models: pathModels{}, Store: store, Logger: log}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	svc := NewService(context.Background(), cfg, deps)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &serviceHarness{svc: svc, bus: client, store: store}
}

func (h *serviceHarness) subscribe(t *testing.T, subject string) *nats.Subscription {
	t.Helper()
	sub, err := h.bus.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := h.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return sub
}

// stream publishes samples as s16le frames of chunk samples each.
func (h *serviceHarness) stream(t *testing.T, frame protocol.AudioFrame, samples []int16, chunk int, final bool) {
	t.Helper()
	chunks := sttest.Chunks(samples, chunk)
	for i, c := range chunks {
		f := frame
		f.Sequence = i
		f.PCM = sttest.ToBytes(c)
		f.Final = final && i == len(chunks)-1
		if err := h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+"."+f.SessionID, f); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}
}

func nextTranscript(t *testing.T, sub *nats.Subscription) protocol.Transcript {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting on %s: %v", sub.Subject, err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	h := startService(t, nil)
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	h.stream(t, protocol.AudioFrame{SessionID: "kitchen-1", SampleRate: sttest.Rate, Channels: 1}, fiveWords(), 1600, true)

	tr := nextTranscript(t, finals)
	if tr.SessionID != "kitchen-1" || tr.Partial {
		t.Fatalf("unexpected transcript envelope: %+v", tr)
	}
	if tr.Text != "one two three four five" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
	if len(tr.Words) != 5 || tr.UtteranceID == "" {
		t.Fatalf("expected words and an utterance id, got %+v", tr)
	}
	if tr.Confidence <= 0 || tr.Confidence > 1 {
		t.Fatalf("unexpected confidence %v", tr.Confidence)
	}

	waitFor(t, "session to end", func() bool { return h.svc.ActiveSessions() == 0 })
	utts, err := h.store.ListSessionUtterances(context.Background(), "kitchen-1", 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(utts) != 1 || utts[0].Text != tr.Text || utts[0].UtteranceID != tr.UtteranceID {
		t.Fatalf("expected stored utterance, got %+v", utts)
	}
}

func TestServicePublishesPartials(t *testing.T) {
	h := startService(t, func(cfg *config.STTConfig, _ *ServiceDeps) {
		cfg.PublishInterim = true
	})
	partials := h.subscribe(t, protocol.SubjectTranscriptPartial)

	h.stream(t, protocol.AudioFrame{SessionID: "s1"}, sttest.Utterance(sttest.Rate, "one", "two"), 800, false)

	tr := nextTranscript(t, partials)
	if !tr.Partial || tr.SessionID != "s1" {
		t.Fatalf("unexpected partial: %+v", tr)
	}
	if !strings.HasPrefix(tr.Text, "one") {
		t.Fatalf("expected partial to start with the first word, got %q", tr.Text)
	}
}

func TestServiceFinalizesIdleSession(t *testing.T) {
	h := startService(t, func(cfg *config.STTConfig, _ *ServiceDeps) {
		cfg.SessionIdleMS = 200
	})
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	// No trailing silence and no final frame: only the idle timer ends it.
	h.stream(t, protocol.AudioFrame{SessionID: "idle"}, sttest.Utterance(sttest.Rate, "three", "four"), 1600, false)

	tr := nextTranscript(t, finals)
	if tr.Text != "three four" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
	waitFor(t, "idle session to close", func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestServiceDownmixesFloatFrames(t *testing.T) {
	h := startService(t, nil)
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	mono := sttest.ToFloat32(sttest.Concat(sttest.Utterance(sttest.Rate, "six"), sttest.Silence(1, sttest.Rate)))
	pcm := make([]byte, 0, len(mono)*8)
	for _, v := range mono {
		bits := floatBits(v)
		// Same signal on both channels.
		pcm = append(pcm, bits...)
		pcm = append(pcm, bits...)
	}
	frame := protocol.AudioFrame{
		SessionID:  "stereo",
		SampleRate: sttest.Rate,
		Channels:   2,
		Encoding:   protocol.EncodingF32LE,
		PCM:        pcm,
		Final:      true,
	}
	if err := h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+".stereo", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tr := nextTranscript(t, finals)
	if tr.Text != "six" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
}

func TestServiceReportsUnknownModel(t *testing.T) {
	h := startService(t, nil)
	errs := h.subscribe(t, protocol.SubjectSessionError)

	frame := protocol.AudioFrame{SessionID: "bad", Model: "klingon", PCM: sttest.ToBytes(sttest.Silence(0.1, sttest.Rate))}
	if err := h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+".bad", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := errs.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for session error: %v", err)
	}
	var se protocol.SessionError
	if err := json.Unmarshal(msg.Data, &se); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if se.SessionID != "bad" || !strings.Contains(se.Error, "klingon") {
		t.Fatalf("unexpected session error: %+v", se)
	}
}

func TestServiceSessionLimit(t *testing.T) {
	h := startService(t, func(cfg *config.STTConfig, _ *ServiceDeps) {
		cfg.MaxSessions = 1
	})
	errs := h.subscribe(t, protocol.SubjectSessionError)

	silence := sttest.ToBytes(sttest.Silence(0.1, sttest.Rate))
	for _, id := range []string{"first", "second"} {
		frame := protocol.AudioFrame{SessionID: id, PCM: silence}
		if err := h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+"."+id, frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	msg, err := errs.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for session error: %v", err)
	}
	var se protocol.SessionError
	if err := json.Unmarshal(msg.Data, &se); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if se.SessionID != "second" || !strings.Contains(se.Error, "limit") {
		t.Fatalf("unexpected session error: %+v", se)
	}
}

func TestServiceTagsEnrolledSpeaker(t *testing.T) {
	spk, err := LoadSpeakerModel(sttest.WriteSpeakerModel(t), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("load speaker model: %v", err)
	}
	t.Cleanup(func() { _ = spk.Close() })

	db, err := speakerdb.Open(speakerdb.Options{InMemory: true, Threshold: -1, Logger: testLogger()})
	if err != nil {
		t.Fatalf("open speaker db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	vec := make([]float64, spk.Dimension())
	for i := range vec {
		vec[i] = 1
	}
	if _, err := db.Enroll(context.Background(), "alice", vec); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	h := startService(t, func(_ *config.STTConfig, deps *ServiceDeps) {
		deps.Speaker = spk
		deps.Speakers = db
	})
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	h.stream(t, protocol.AudioFrame{SessionID: "spk", Speaker: true}, fiveWords(), 1600, true)

	tr := nextTranscript(t, finals)
	if len(tr.SpeakerVector) != spk.Dimension() || tr.SpeakerFrames == 0 {
		t.Fatalf("expected speaker vector, got %+v", tr)
	}
	if tr.Speaker != "alice" {
		t.Fatalf("expected speaker alice, got %q", tr.Speaker)
	}
}

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		pcm      []byte
		encoding string
		channels int
		want     []float32
		wantErr  bool
	}{
		{"s16 mono", []byte{0x00, 0x40, 0x00, 0xc0}, protocol.EncodingS16LE, 1, []float32{0.5, -0.5}, false},
		{"s16 stereo", []byte{0x00, 0x40, 0x00, 0x00}, protocol.EncodingS16LE, 2, []float32{0.25}, false},
		{"f32 mono", append(floatBits(0.25), floatBits(-1)...), protocol.EncodingF32LE, 1, []float32{0.25, -1}, false},
		{"odd s16", []byte{0x00}, protocol.EncodingS16LE, 1, nil, true},
		{"short f32", []byte{0, 0, 0}, protocol.EncodingF32LE, 1, nil, true},
		{"uneven channels", []byte{0, 0, 0, 0, 0, 0}, protocol.EncodingS16LE, 2, nil, true},
		{"unknown encoding", []byte{0, 0}, "mulaw", 1, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := frameSamples(tc.pcm, tc.encoding, tc.channels)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func floatBits(v float32) []byte {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}
