package stt

import (
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
	"github.com/loqalabs/loqa-stt/internal/stt/decoder"
)

type modelCore struct {
	bundle  *bundle.Bundle
	backend decoder.Backend
	log     *slog.Logger
}

// Model is a handle to a loaded recognition model. The loaded data is shared
// by every handle obtained through Retain and by every Recognizer created
// from it, and is torn down once the last of them is closed. A Model may be
// used from several goroutines.
type Model struct {
	h *handle[*modelCore]
}

// Option configures model loading.
type Option func(*loadOptions)

type loadOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the model and its recognizers. Records
// are still filtered by SetLogLevel.
func WithLogger(logger *slog.Logger) Option {
	return func(o *loadOptions) { o.logger = logger }
}

func applyOptions(opts []Option) loadOptions {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LoadModel loads the model directory at path. Failures are returned as
// *ModelLoadError.
func LoadModel(path string, opts ...Option) (*Model, error) {
	o := applyOptions(opts)
	log := backendLogger(o.logger).With(slog.String("component", "stt-model"), slog.String("path", path))

	b, err := bundle.Load(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	backend, err := decoder.Open(b, log)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}

	core := &modelCore{bundle: b, backend: backend, log: log}
	meters().modelDelta("model", 1)
	log.Info("model loaded",
		slog.String("backend", b.Config.Backend),
		slog.String("graph", b.Graph.String()),
		slog.Int("sample_rate", backend.SampleRate()),
		slog.Int("words", len(b.Words())))
	return &Model{h: newHandle(newShared(core, teardownModel))}, nil
}

// LoadModelOrNil is LoadModel for callers that only need to know whether
// loading worked. The error is logged and nil is returned.
func LoadModelOrNil(path string, opts ...Option) *Model {
	m, err := LoadModel(path, opts...)
	if err != nil {
		backendLogger(applyOptions(opts).logger).Error("failed to load model", slog.String("path", path), slogError(err))
		return nil
	}
	return m
}

func teardownModel(core *modelCore) {
	if err := core.backend.Close(); err != nil {
		core.log.Warn("failed to close decoder backend", slogError(err))
	}
	meters().modelDelta("model", -1)
	core.log.Debug("model released")
}

// Retain returns a new independent handle to the same loaded model.
func (m *Model) Retain() (*Model, error) {
	if m == nil {
		return nil, ErrModelClosed
	}
	h, ok := m.h.retain()
	if !ok {
		return nil, ErrModelClosed
	}
	return &Model{h: h}, nil
}

// Close releases this handle. Closing a handle twice is a no-op.
func (m *Model) Close() error {
	if m != nil {
		m.h.close()
	}
	return nil
}

func (m *Model) core() (*modelCore, error) {
	if m == nil {
		return nil, ErrModelClosed
	}
	core, ok := m.h.get()
	if !ok {
		return nil, ErrModelClosed
	}
	return core, nil
}

// FindWord returns the symbol id of word, or -1 when the word is not in the
// vocabulary or the handle is closed.
func (m *Model) FindWord(word string) int {
	core, err := m.core()
	if err != nil {
		return -1
	}
	return core.bundle.WordID(word)
}

// SampleRate is the rate the decoder consumes. Recognizers created with a
// different rate resample.
func (m *Model) SampleRate() int {
	core, err := m.core()
	if err != nil {
		return 0
	}
	return core.backend.SampleRate()
}

// SupportsGrammar reports whether grammar recognizers can be created.
func (m *Model) SupportsGrammar() bool {
	core, err := m.core()
	if err != nil {
		return false
	}
	return core.bundle.SupportsGrammar()
}

// Path is the model directory.
func (m *Model) Path() string {
	core, err := m.core()
	if err != nil {
		return ""
	}
	return core.bundle.Path
}
