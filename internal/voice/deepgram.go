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

type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Format  string
}

// DeepgramSynthesizer renders speech through the Deepgram Aura speak API.
type DeepgramSynthesizer struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramSynthesizer(cfg DeepgramConfig) *DeepgramSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "aura-asteria-en"
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = "mp3"
	}
	return &DeepgramSynthesizer{cfg: cfg, client: &http.Client{}}
}

func (s *DeepgramSynthesizer) Name() string { return "deepgram" }

func (s *DeepgramSynthesizer) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return Audio{}, fmt.Errorf("deepgram: api key not configured")
	}

	model := strings.TrimSpace(voice.ID)
	if model == "" {
		model = s.cfg.Model
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Audio{}, fmt.Errorf("deepgram: encode request: %w", err)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/speak"
	endpoint += "?model=" + url.QueryEscape(model) + "&encoding=" + url.QueryEscape(s.cfg.Format)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("deepgram: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, fmt.Errorf("deepgram: synthesis status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("deepgram: read audio: %w", err)
	}
	if len(audio) == 0 {
		return Audio{}, fmt.Errorf("deepgram: empty audio response")
	}

	return Audio{
		DataBase64: base64.StdEncoding.EncodeToString(audio),
		Format:     s.cfg.Format,
		Provider:   s.Name(),
		Text:       text,
	}, nil
}
