package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMissingCredentials = errors.New("realtime: api key not configured")
	ErrMalformedOffer     = errors.New("realtime: offer is not a valid SDP document")
)

// UpstreamError reports a non-2xx response from the realtime endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("realtime: upstream status %d: %s", e.Status, e.Body)
}

// TurnDetection tunes upstream voice activity detection.
type TurnDetection struct {
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is sent alongside the SDP offer so the upstream session
// starts with the persona's voice and transcription settings.
type SessionConfig struct {
	Model              string         `json:"model,omitempty"`
	Voice              string         `json:"voice,omitempty"`
	InputAudioFormat   string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string         `json:"output_audio_format,omitempty"`
	TranscriptionModel string         `json:"transcription_model,omitempty"`
	TurnDetection      *TurnDetection `json:"turn_detection,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
}

type BridgeConfig struct {
	APIKey  string
	URL     string
	Timeout time.Duration
}

// Bridge negotiates a direct audio path with an upstream realtime speech
// endpoint. Negotiation is a single SDP offer/answer round trip; media
// then flows peer to peer and the bridge is out of the loop.
type Bridge struct {
	cfg    BridgeConfig
	client *http.Client
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "https://api.openai.com/v1/realtime"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Bridge{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether credentials are configured.
func (b *Bridge) Enabled() bool {
	return strings.TrimSpace(b.cfg.APIKey) != ""
}

type negotiateRequest struct {
	Offer   string        `json:"offer"`
	Session SessionConfig `json:"session"`
}

type negotiateResponse struct {
	Answer string `json:"answer"`
}

// Negotiate validates the offer locally, forwards it upstream, and
// returns the SDP answer. Validation failures never touch the network.
func (b *Bridge) Negotiate(ctx context.Context, offer string, session SessionConfig) (string, error) {
	if !b.Enabled() {
		return "", ErrMissingCredentials
	}
	offer = strings.TrimSpace(offer)
	if !strings.HasPrefix(offer, "v=") {
		return "", ErrMalformedOffer
	}

	body, err := json.Marshal(negotiateRequest{Offer: offer, Session: session})
	if err != nil {
		return "", fmt.Errorf("realtime: encode negotiation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("realtime: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("realtime: negotiation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("realtime: read answer: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(raw))
		if len(excerpt) > 512 {
			excerpt = excerpt[:512]
		}
		return "", &UpstreamError{Status: resp.StatusCode, Body: excerpt}
	}

	// Some upstreams answer with JSON, others with the bare SDP document.
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var decoded negotiateResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("realtime: decode answer: %w", err)
		}
		if strings.TrimSpace(decoded.Answer) == "" {
			return "", fmt.Errorf("realtime: answer missing from response")
		}
		return decoded.Answer, nil
	}
	if !strings.HasPrefix(trimmed, "v=") {
		return "", fmt.Errorf("realtime: answer is not a valid SDP document")
	}
	return trimmed, nil
}
