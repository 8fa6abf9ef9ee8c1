package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Format  string
}

// OpenAISynthesizer renders speech through the OpenAI audio/speech API.
type OpenAISynthesizer struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAISynthesizer(cfg OpenAIConfig) *OpenAISynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini-tts"
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = "mp3"
	}
	return &OpenAISynthesizer{cfg: cfg, client: &http.Client{}}
}

func (s *OpenAISynthesizer) Name() string { return "openai" }

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return Audio{}, fmt.Errorf("openai: api key not configured")
	}

	voiceName := strings.TrimSpace(voice.ID)
	if voiceName == "" {
		voiceName = "alloy"
	}
	speed := voice.Speed
	if speed <= 0 {
		speed = 1.0
	}

	body, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"input":           text,
		"voice":           voiceName,
		"speed":           speed,
		"response_format": s.cfg.Format,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai: encode request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("openai: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, fmt.Errorf("openai: synthesis status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("openai: read audio: %w", err)
	}
	if len(audio) == 0 {
		return Audio{}, fmt.Errorf("openai: empty audio response")
	}

	return Audio{
		DataBase64: base64.StdEncoding.EncodeToString(audio),
		Format:     s.cfg.Format,
		Provider:   s.Name(),
		Text:       text,
	}, nil
}
