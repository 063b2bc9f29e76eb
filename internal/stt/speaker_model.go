package stt

import (
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/stt/bundle"
)

type speakerCore struct {
	bundle *bundle.SpeakerBundle
	log    *slog.Logger
}

// SpeakerModel is a handle to a loaded speaker model. It follows the same
// sharing rules as Model.
type SpeakerModel struct {
	h *handle[*speakerCore]
}

// LoadSpeakerModel loads the speaker model directory at path. Failures are
// returned as *ModelLoadError.
func LoadSpeakerModel(path string, opts ...Option) (*SpeakerModel, error) {
	o := applyOptions(opts)
	log := backendLogger(o.logger).With(slog.String("component", "stt-speaker-model"), slog.String("path", path))

	b, err := bundle.LoadSpeaker(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	meters().modelDelta("speaker", 1)
	log.Info("speaker model loaded", slog.Int("dimension", b.Dimension()), slog.Int("num_mels", b.Config.NumMels))
	return &SpeakerModel{h: newHandle(newShared(&speakerCore{bundle: b, log: log}, teardownSpeaker))}, nil
}

// LoadSpeakerModelOrNil logs the load error and returns nil on failure.
func LoadSpeakerModelOrNil(path string, opts ...Option) *SpeakerModel {
	m, err := LoadSpeakerModel(path, opts...)
	if err != nil {
		backendLogger(applyOptions(opts).logger).Error("failed to load speaker model", slog.String("path", path), slogError(err))
		return nil
	}
	return m
}

func teardownSpeaker(core *speakerCore) {
	meters().modelDelta("speaker", -1)
	core.log.Debug("speaker model released")
}

// Retain returns a new independent handle to the same speaker model. It fails
// with ErrModelClosed on a closed handle.
func (m *SpeakerModel) Retain() (*SpeakerModel, error) {
	if m == nil {
		return nil, ErrModelClosed
	}
	h, ok := m.h.retain()
	if !ok {
		return nil, ErrModelClosed
	}
	return &SpeakerModel{h: h}, nil
}

// Close releases this handle. The model is torn down when its last handle,
// including those held by recognizers, is closed.
func (m *SpeakerModel) Close() error {
	if m != nil {
		m.h.close()
	}
	return nil
}

func (m *SpeakerModel) core() (*speakerCore, error) {
	if m == nil {
		return nil, ErrModelClosed
	}
	core, ok := m.h.get()
	if !ok {
		return nil, ErrModelClosed
	}
	return core, nil
}

// Dimension is the length of the vectors this model produces, or 0 for a
// closed handle.
func (m *SpeakerModel) Dimension() int {
	core, err := m.core()
	if err != nil {
		return 0
	}
	return core.bundle.Dimension()
}
