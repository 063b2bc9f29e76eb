package protocol

import "time"

// Audio encodings accepted in AudioFrame.Encoding.
const (
	EncodingS16LE = "s16le"
	EncodingF32LE = "f32le"
)

// AudioFrame represents PCM audio data streamed from edge devices.
//
// Model, Grammar and Speaker are read from the first frame of a session only.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Model      string `json:"model,omitempty"`
	Grammar    string `json:"grammar,omitempty"`
	Speaker    bool   `json:"speaker,omitempty"`
}

// Word is a timed word of a final transcript. Times are seconds from the
// start of the session audio.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID     string    `json:"session_id"`
	UtteranceID   string    `json:"utterance_id,omitempty"`
	Text          string    `json:"text"`
	Partial       bool      `json:"partial"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    float64   `json:"confidence,omitempty"`
	Words         []Word    `json:"words,omitempty"`
	SpeakerVector []float64 `json:"spk,omitempty"`
	SpeakerFrames int       `json:"spk_frames,omitempty"`
	Speaker       string    `json:"speaker,omitempty"`
	SpeakerScore  float64   `json:"speaker_score,omitempty"`
}

// SessionError reports a session that was dropped because recognition
// failed.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionError      = "stt.session.error"
)
