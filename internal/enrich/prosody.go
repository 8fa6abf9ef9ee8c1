package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Shaper annotates reply text through an external prosody service before
// synthesis. Shaping is strictly best-effort: any error, timeout, or
// non-success response degrades to the original text so the synthesis path
// behaves identically whether shaping ran or not.
type Shaper struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logf    func(format string, args ...any)
}

type shapeRequest struct {
	Text      string  `json:"text"`
	Element   string  `json:"element"`
	Intensity float64 `json:"intensity"`
}

type shapeResponse struct {
	Text string `json:"text"`
}

// NewShaper builds a Shaper. An empty url disables shaping entirely.
func NewShaper(url string, timeout time.Duration) *Shaper {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &Shaper{
		url:     strings.TrimSpace(url),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logf:    log.Printf,
	}
}

// Enabled reports whether a prosody service is configured.
func (s *Shaper) Enabled() bool {
	return s != nil && s.url != ""
}

// Shape returns the prosody-annotated text and whether shaping actually
// ran. A disabled or unavailable service returns the original text
// unchanged and false.
func (s *Shaper) Shape(ctx context.Context, text string, element Element, intensity float64) (string, bool) {
	if !s.Enabled() || strings.TrimSpace(text) == "" {
		return text, false
	}

	shaped, err := s.call(ctx, text, element, intensity)
	if err != nil {
		s.logf("prosody: shaping skipped: %v", err)
		return text, false
	}
	if strings.TrimSpace(shaped) == "" {
		return text, false
	}
	return shaped, true
}

func (s *Shaper) call(ctx context.Context, text string, element Element, intensity float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(shapeRequest{Text: text, Element: string(element), Intensity: intensity})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call prosody service: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return "", fmt.Errorf("prosody service status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out shapeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Text, nil
}
