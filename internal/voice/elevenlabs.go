package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	ModelID      string
	OutputFormat string
}

// ElevenLabsSynthesizer renders speech through the ElevenLabs REST API.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	return &ElevenLabsSynthesizer{cfg: cfg, client: &http.Client{}}
}

func (s *ElevenLabsSynthesizer) Name() string { return "elevenlabs" }

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return Audio{}, fmt.Errorf("elevenlabs: api key not configured")
	}
	voiceID := strings.TrimSpace(voice.ID)
	if voiceID == "" {
		return Audio{}, fmt.Errorf("elevenlabs: voice id is required")
	}
	modelID := strings.TrimSpace(voice.ModelID)
	if modelID == "" {
		modelID = s.cfg.ModelID
	}

	speed := voice.Speed
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": modelID,
		"voice_settings": map[string]any{
			"speed": speed,
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID)
	endpoint += "?output_format=" + url.QueryEscape(s.cfg.OutputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, fmt.Errorf("elevenlabs: synthesis status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(audio) == 0 {
		return Audio{}, fmt.Errorf("elevenlabs: empty audio response")
	}

	return Audio{
		DataBase64: base64.StdEncoding.EncodeToString(audio),
		Format:     s.cfg.OutputFormat,
		Provider:   s.Name(),
		Text:       text,
	}, nil
}
