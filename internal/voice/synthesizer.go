package voice

import (
	"context"
	"time"
)

// Voice describes the requested vocal rendering for one synthesis call.
type Voice struct {
	ID      string
	ModelID string
	Speed   float64
}

// Audio is one complete synthesized utterance. Fallback audio carries the
// apology text instead of provider output so the client can still speak.
type Audio struct {
	DataBase64 string
	Format     string
	Provider   string
	Text       string
	Fallback   bool
}

// Synthesizer turns reply text into speakable audio. Implementations must
// honor ctx cancellation; the router applies per-provider deadlines.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}

// AttemptOutcome classifies how a single provider attempt ended.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptTimeout AttemptOutcome = "timeout"
	AttemptFailure AttemptOutcome = "failure"
)

// Attempt records one provider try within a routed synthesis.
type Attempt struct {
	Provider  string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   AttemptOutcome
	Err       error
}
