package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/lumerith/anima/internal/observability"
)

// DefaultApology is spoken when every configured provider fails.
const DefaultApology = "I'm having trouble speaking right now, but I'm still here with you."

const defaultAttemptTimeout = 5 * time.Second

// Router tries synthesizers in priority order, one at a time, and falls
// back to a spoken apology when all of them fail. It never returns an
// error: callers always get something speakable unless the parent
// context is cancelled mid-flight.
type Router struct {
	providers []Synthesizer
	recorder  *observability.Recorder
	apology   string
	logf      func(format string, args ...any)
}

func NewRouter(providers []Synthesizer, recorder *observability.Recorder) *Router {
	return &Router{
		providers: providers,
		recorder:  recorder,
		apology:   DefaultApology,
		logf:      log.Printf,
	}
}

// SetApology overrides the fallback utterance, for persona-flavored apologies.
func (r *Router) SetApology(text string) {
	if text != "" {
		r.apology = text
	}
}

func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// Synthesize walks the provider chain sequentially. A provider that
// succeeds within its timeout wins and later providers are never tried.
// A cancelled parent context stops the walk immediately.
func (r *Router) Synthesize(ctx context.Context, text string, voice Voice) (Audio, []Attempt) {
	return r.SynthesizeWithFallback(ctx, text, voice, "")
}

// SynthesizeWithFallback is Synthesize with a per-call fallback utterance.
// An empty apology uses the router-wide one.
func (r *Router) SynthesizeWithFallback(ctx context.Context, text string, voice Voice, apology string) (Audio, []Attempt) {
	if apology == "" {
		apology = r.apology
	}
	attempts := make([]Attempt, 0, len(r.providers))

	for _, p := range r.providers {
		if err := ctx.Err(); err != nil {
			return r.fallbackAudio(apology), attempts
		}

		timeout := defaultAttemptTimeout
		if d, ok := r.recorder.Threshold(observability.OpSynthesis(p.Name())); ok {
			timeout = d
		}

		started := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		audio, err := p.Synthesize(attemptCtx, text, voice)
		cancel()
		elapsed := time.Since(started)

		attempt := Attempt{Provider: p.Name(), StartedAt: started, Duration: elapsed}
		meta := map[string]string{"provider": p.Name()}

		if err == nil {
			attempt.Outcome = AttemptSuccess
			attempts = append(attempts, attempt)
			r.recorder.Record(observability.OpSynthesis(p.Name()), elapsed, true, meta)
			r.countAttempt(attempt)
			return audio, attempts
		}

		attempt.Err = err
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			attempt.Outcome = AttemptTimeout
		} else {
			attempt.Outcome = AttemptFailure
		}
		attempts = append(attempts, attempt)
		r.recorder.Record(observability.OpSynthesis(p.Name()), elapsed, false, meta)
		r.countAttempt(attempt)
		r.logf("voice: provider %s %s after %dms: %v", p.Name(), attempt.Outcome, elapsed.Milliseconds(), err)

		if ctx.Err() != nil {
			return r.fallbackAudio(apology), attempts
		}
	}

	r.logf("voice: all %d providers failed, speaking fallback", len(r.providers))
	return r.fallbackAudio(apology), attempts
}

func (r *Router) countAttempt(a Attempt) {
	if m := r.recorder.Metrics(); m != nil {
		m.ProviderAttempts.WithLabelValues(a.Provider, string(a.Outcome)).Inc()
	}
}

func (r *Router) fallbackAudio(apology string) Audio {
	return Audio{
		DataBase64: base64.StdEncoding.EncodeToString([]byte(apology)),
		Format:     "mock_text_bytes",
		Provider:   "fallback",
		Text:       apology,
		Fallback:   true,
	}
}
