package voice

import (
	"context"
	"encoding/base64"
	"strings"
)

// MockSynthesizer is a local provider used when no TTS backend is
// configured. It encodes the reply text itself so clients can still
// exercise the full turn flow.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Name() string { return "mock" }

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string, _ Voice) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	default:
	}

	if strings.TrimSpace(text) == "" {
		text = "..."
	}
	return Audio{
		DataBase64: base64.StdEncoding.EncodeToString([]byte(text)),
		Format:     "mock_text_bytes",
		Provider:   s.Name(),
		Text:       text,
	}, nil
}
