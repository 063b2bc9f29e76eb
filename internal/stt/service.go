package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/speakerdb"
)

// ModelSource hands out retained model handles by bundle path.
type ModelSource interface {
	Get(path string) (*Model, error)
}

// ServiceDeps are the collaborators of a Service. Models and Bus are
// required; the rest are optional.
type ServiceDeps struct {
	Bus      *bus.Client
	Models   ModelSource
	Speaker  *SpeakerModel
	Speakers *speakerdb.DB
	Store    *eventstore.Store
	Logger   *slog.Logger
}

// Service transcribes audio frames streamed over the bus. Each session is
// owned by one worker goroutine that feeds its Recognizer in frame order.
type Service struct {
	cfg      config.STTConfig
	deps     ServiceDeps
	log      *slog.Logger
	sessions map[string]*session
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type session struct {
	id     string
	frames chan protocol.AudioFrame
	done   chan struct{}
}

const sessionQueue = 64

func NewService(parent context.Context, cfg config.STTConfig, deps ServiceDeps) *Service {
	ctx, cancel := context.WithCancel(parent)
	log := deps.Logger
	if log == nil {
		log = deps.Bus.Logger()
	}
	return &Service{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(slog.String("component", "stt-service")),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.deps.Models == nil {
		return errors.New("stt service requires a model source")
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.deps.Bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("stt service listening", slog.String("subject", subject))
	return nil
}

// Close stops accepting frames and waits for session workers to exit.
func (s *Service) Close() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

// ActiveSessions reports the number of open sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	if frame.SessionID == "" || frame.SessionID == msg.Subject {
		s.log.Warn("dropping audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	sess, err := s.session(frame)
	if err != nil {
		s.publishError(frame.SessionID, err)
		return
	}
	select {
	case sess.frames <- frame:
	case <-sess.done:
		s.log.Warn("dropping audio frame for ended session", slog.String("session_id", frame.SessionID))
	case <-s.ctx.Done():
	}
}

// session returns the live session for frame, starting one if needed.
func (s *Service) session(frame protocol.AudioFrame) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[frame.SessionID]; sess != nil {
		return sess, nil
	}
	if !s.ready || s.ctx.Err() != nil {
		return nil, errors.New("stt service is shutting down")
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return nil, fmt.Errorf("session limit of %d reached", s.cfg.MaxSessions)
	}
	sess := &session{
		id:     frame.SessionID,
		frames: make(chan protocol.AudioFrame, sessionQueue),
		done:   make(chan struct{}),
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	go s.run(sess, frame)
	return sess, nil
}

func (s *Service) endSession(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	close(sess.done)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.CloseSession(ctx, sess.id); err != nil {
		s.log.Warn("failed to close stored session", slog.String("session_id", sess.id), slogError(err))
	}
}

// worker is the per-session state owned by run.
type worker struct {
	sess        *session
	rec         *Recognizer
	model       string
	rate        int
	channels    int
	log         *slog.Logger
	lastPartial time.Time
	partialText string
	span        trace.Span
}

func (s *Service) run(sess *session, first protocol.AudioFrame) {
	defer s.wg.Done()
	defer s.endSession(sess)

	_, span := otel.Tracer("github.com/loqalabs/loqa-stt/stt").Start(s.ctx, "stt.session",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("stt.session_id", sess.id)))
	defer span.End()
	fail := func(msg string, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		s.log.Warn(msg, slog.String("session_id", sess.id), slogError(err))
		s.publishError(sess.id, err)
	}

	w, err := s.openWorker(sess, first)
	if err != nil {
		fail("failed to start stt session", err)
		return
	}
	defer w.rec.Close()
	w.span = span
	span.SetAttributes(attribute.String("stt.model", w.model), attribute.Int("stt.sample_rate", w.rate))
	w.log.Info("stt session started", slog.String("model", w.model), slog.Int("sample_rate", w.rate))

	idle := time.Duration(s.cfg.SessionIdleMS) * time.Millisecond
	var timeout <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timeout:
			w.log.Info("stt session idle, finalizing")
			s.finish(w)
			return
		case frame := <-sess.frames:
			if timer != nil {
				timer.Reset(idle)
			}
			if err := s.process(w, frame); err != nil {
				fail("stt session failed", err)
				return
			}
			if frame.Final {
				s.finish(w)
				return
			}
		}
	}
}

func (s *Service) openWorker(sess *session, first protocol.AudioFrame) (*worker, error) {
	name, path := "default", s.cfg.ModelPath
	if first.Model != "" {
		p, ok := s.cfg.Models[first.Model]
		if !ok {
			return nil, fmt.Errorf("unknown model %q", first.Model)
		}
		name, path = first.Model, p
	}
	rate := first.SampleRate
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}
	channels := first.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	if channels <= 0 {
		channels = 1
	}

	model, err := s.deps.Models.Get(path)
	if err != nil {
		return nil, err
	}
	defer model.Close()

	log := s.log.With(slog.String("session_id", sess.id))
	grammar := first.Grammar
	if grammar == "" {
		grammar = s.cfg.Grammar
	}

	var rec *Recognizer
	switch {
	case first.Speaker && s.deps.Speaker != nil:
		if grammar != "" {
			log.Debug("grammar ignored for speaker session")
		}
		rec, err = NewSpeakerRecognizer(model, s.deps.Speaker, float64(rate))
	case grammar != "":
		if first.Speaker {
			log.Warn("speaker vectors requested but no speaker model is loaded")
		}
		rec, err = NewGrammarRecognizer(model, float64(rate), grammar)
	default:
		if first.Speaker {
			log.Warn("speaker vectors requested but no speaker model is loaded")
		}
		rec, err = NewRecognizer(model, float64(rate))
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.deps.Store.AppendSession(ctx, sess.id, name, rate); err != nil {
		log.Warn("failed to record session", slogError(err))
	}
	return &worker{sess: sess, rec: rec, model: name, rate: rate, channels: channels, log: log}, nil
}

// process feeds one frame. Malformed frames are skipped; any other error ends
// the session.
func (s *Service) process(w *worker, frame protocol.AudioFrame) error {
	if frame.SampleRate > 0 && frame.SampleRate != w.rate {
		w.log.Warn("dropping frame with changed sample rate", slog.Int("sample_rate", frame.SampleRate))
		return nil
	}
	if len(frame.PCM) == 0 {
		return nil
	}

	boundary, err := s.feed(w, frame)
	switch {
	case errors.Is(err, ErrMalformedAudio):
		w.log.Warn("dropping malformed audio frame", slog.Int("sequence", frame.Sequence), slogError(err))
		return nil
	case err != nil:
		return err
	}

	if boundary {
		res, err := w.rec.Result()
		if err != nil {
			return err
		}
		s.publishFinal(w, res)
		return nil
	}
	if s.cfg.PublishInterim && !frame.Final {
		return s.maybePartial(w)
	}
	return nil
}

func (s *Service) feed(w *worker, frame protocol.AudioFrame) (bool, error) {
	encoding := frame.Encoding
	if encoding == "" {
		encoding = protocol.EncodingS16LE
	}
	if encoding == protocol.EncodingS16LE && w.channels == 1 {
		return w.rec.Feed(frame.PCM)
	}
	samples, err := frameSamples(frame.PCM, encoding, w.channels)
	if err != nil {
		return false, err
	}
	return w.rec.FeedFloat32(samples)
}

// frameSamples decodes pcm and averages interleaved channels to mono.
func frameSamples(pcm []byte, encoding string, channels int) ([]float32, error) {
	var samples []float32
	switch encoding {
	case protocol.EncodingS16LE:
		var err error
		if samples, err = pcmToFloat32(pcm); err != nil {
			return nil, err
		}
	case protocol.EncodingF32LE:
		if len(pcm)%4 != 0 {
			return nil, fmt.Errorf("%w: 32-bit pcm length %d", ErrMalformedAudio, len(pcm))
		}
		samples = make([]float32, len(pcm)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrMalformedAudio, encoding)
	}
	if channels <= 1 {
		return samples, nil
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrMalformedAudio, len(samples), channels)
	}
	mono := make([]float32, len(samples)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, nil
}

func (s *Service) maybePartial(w *worker) error {
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if !w.lastPartial.IsZero() && time.Since(w.lastPartial) < interval {
		return nil
	}
	p, err := w.rec.Partial()
	if err != nil {
		return err
	}
	w.lastPartial = time.Now()
	if p.Text == "" || p.Text == w.partialText {
		return nil
	}
	w.partialText = p.Text
	s.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: w.sess.id,
		Text:      p.Text,
		Partial:   true,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *Service) finish(w *worker) {
	res, err := w.rec.FinalResult()
	if err != nil {
		w.log.Warn("failed to finalize stt session", slogError(err))
		s.publishError(w.sess.id, err)
		return
	}
	s.publishFinal(w, res)
}

func (s *Service) publishFinal(w *worker, res Result) {
	w.partialText = ""
	if res.Text == "" {
		return
	}
	w.span.AddEvent("utterance", trace.WithAttributes(attribute.Int("stt.words", len(res.Words))))
	msg := protocol.Transcript{
		SessionID:     w.sess.id,
		UtteranceID:   uuid.NewString(),
		Text:          res.Text,
		Timestamp:     time.Now().UTC(),
		Words:         make([]protocol.Word, len(res.Words)),
		SpeakerVector: res.Speaker,
		SpeakerFrames: res.SpeakerFrames,
	}
	var conf float64
	for i, word := range res.Words {
		msg.Words[i] = protocol.Word{Word: word.Word, Start: word.Start, End: word.End, Conf: word.Conf}
		conf += word.Conf
	}
	if len(res.Words) > 0 {
		msg.Confidence = conf / float64(len(res.Words))
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if res.Speaker != nil && s.deps.Speakers != nil {
		match, ok, err := s.deps.Speakers.Identify(ctx, res.Speaker)
		switch {
		case err != nil:
			w.log.Warn("speaker identification failed", slogError(err))
		case ok:
			msg.Speaker = match.Name
			msg.SpeakerScore = match.Score
		}
	}

	s.publish(protocol.SubjectTranscriptFinal, msg)

	words, err := json.Marshal(msg.Words)
	if err != nil {
		w.log.Warn("failed to marshal words", slogError(err))
		return
	}
	err = s.deps.Store.AppendUtterance(ctx, eventstore.Utterance{
		SessionID:   msg.SessionID,
		UtteranceID: msg.UtteranceID,
		Text:        msg.Text,
		Words:       words,
		Speaker:     msg.Speaker,
		Confidence:  msg.Confidence,
	})
	if err != nil {
		w.log.Warn("failed to store utterance", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, err error) {
	s.publish(protocol.SubjectSessionError, protocol.SessionError{
		SessionID: sessionID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.deps.Bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}
