package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is the normalized reply-generation request.
type Request struct {
	SessionID    string   `json:"session_id"`
	TurnID       string   `json:"turn_id"`
	InputText    string   `json:"input_text"`
	History      []string `json:"history,omitempty"`
	PersonaStyle string   `json:"persona_style,omitempty"`
}

// Response is the final reply text for a turn.
type Response struct {
	Text string `json:"text"`
}

// Adapter bridges the voice runtime with the cognition backend. A Reply
// call is a single suspension point; the orchestrator applies the timeout.
type Adapter interface {
	Reply(ctx context.Context, req Request) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallbackAdapter(NewHTTPAdapter(cfg.HTTPURL), NewMockAdapter()), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}
