package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	payload []byte
	err     error
	delay   time.Duration
}

// NewMockSynth returns a Synthesizer that answers every request with the
// given payload or error after a short delay.
func NewMockSynth(payload []byte, err error) Synthesizer {
	return &mockSynth{payload: payload, err: err, delay: 10 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, _ SynthesisRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.payload, nil
}
