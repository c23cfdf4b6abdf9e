package tts

import "context"

// SynthesisRequest contains parameters to synthesize speech.
type SynthesisRequest struct {
	Engine   string
	Voice    string
	LangCode string
	Text     string
	Speed    float64
}

// Synthesizer is the contract for producing a complete WAV payload for one
// request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// ObjectStore persists produced audio for retrieval by callers.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Recorder receives the outcome of every synthesis request.
type Recorder interface {
	Record(ctx context.Context, engine, voice, status, errMsg string, textLen int, durationMS int64) error
}
