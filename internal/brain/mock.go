package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no cognition
// backend is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Reply(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "I am listening."
	}

	if len(req.History) == 0 {
		return Response{Text: fmt.Sprintf("I heard you: %s", base)}, nil
	}

	last := strings.TrimSpace(req.History[len(req.History)-1])
	if last == "" {
		return Response{Text: fmt.Sprintf("I heard you: %s", base)}, nil
	}
	return Response{Text: fmt.Sprintf("I heard you: %s\nEarlier you said: %s", base, last)}, nil
}
