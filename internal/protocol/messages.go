package protocol

import "time"

// SynthesisRequest asks the runtime to produce speech for a piece of text.
type SynthesisRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	Engine    string  `json:"engine,omitempty"`
	Voice     string  `json:"voice,omitempty"`
	LangCode  string  `json:"lang_code,omitempty"`
	Text      string  `json:"text"`
	Speed     float64 `json:"speed,omitempty"`
}

// SynthesisResult reports the outcome of one request. On success AudioKey
// names the produced WAV in the audio object store.
type SynthesisResult struct {
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status"`
	AudioKey   string    `json:"audio_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSResult  = "tts.result"

	StatusOK    = "ok"
	StatusError = "error"
)
