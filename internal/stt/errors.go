package stt

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrModelLoad          = errors.New("stt: model load failed")
	ErrUnsupportedGrammar = errors.New("stt: model does not support grammars")
	ErrSessionCreate      = errors.New("stt: recognizer creation failed")
	ErrMalformedAudio     = errors.New("stt: malformed audio")
	ErrModelClosed        = errors.New("stt: model handle closed")
	ErrRecognizerClosed   = errors.New("stt: recognizer closed")
	ErrRecognizerFailed   = errors.New("stt: recognizer failed")
	ErrConcurrentUse      = errors.New("stt: recognizer used concurrently")
)

// ModelLoadError reports why a model or speaker model directory could not be
// loaded. It matches ErrModelLoad with errors.Is.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("stt: load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() []error { return []error{ErrModelLoad, e.Err} }

// SessionCreateError reports why a recognizer could not be created. It
// matches ErrSessionCreate with errors.Is.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("stt: create recognizer: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() []error { return []error{ErrSessionCreate, e.Err} }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
