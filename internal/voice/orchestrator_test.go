package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumerith/anima/internal/brain"
	"github.com/lumerith/anima/internal/bus"
	"github.com/lumerith/anima/internal/enrich"
	"github.com/lumerith/anima/internal/history"
	"github.com/lumerith/anima/internal/observability"
	"github.com/lumerith/anima/internal/session"
)

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind bus.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.EventKind() == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) first(kind bus.Kind) (bus.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.EventKind() == kind {
			return ev, true
		}
	}
	return nil, false
}

type gatedBrain struct {
	gate chan struct{}
	resp brain.Response
	err  error
}

func (b *gatedBrain) Reply(ctx context.Context, _ brain.Request) (brain.Response, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return brain.Response{}, ctx.Err()
		}
	}
	return b.resp, b.err
}

type blockingSynth struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func (s *blockingSynth) Name() string { return s.name }

func (s *blockingSynth) Synthesize(ctx context.Context, _ string, _ Voice) (Audio, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return Audio{}, ctx.Err()
}

type testRig struct {
	orc     *Orchestrator
	machine *Machine
	log     *eventLog
	sess    *session.Session
	window  *observability.StageWindow
}

func newTestRig(t *testing.T, adapter brain.Adapter, shaper *enrich.Shaper, providers ...Synthesizer) *testRig {
	t.Helper()

	b := bus.New()
	logger := &eventLog{}
	unsub := b.Subscribe(bus.TopicAll, logger.record)
	t.Cleanup(unsub)

	window := observability.NewStageWindow(64, observability.DefaultThresholds())
	recorder := observability.NewRecorder(observability.DefaultThresholds(), nil, window)
	router := NewRouter(providers, recorder)
	router.logf = func(string, ...any) {}

	sessions := session.NewManager(time.Minute)
	sess := sessions.Create("u1", "ember", "")

	orc := NewOrchestrator(b, recorder, shaper, router, adapter, history.NewInMemoryStore(), sessions, nil)
	orc.logf = func(string, ...any) {}

	return &testRig{orc: orc, machine: orc.StartMachine(sess), log: logger, sess: sess, window: window}
}

func (r *testRig) stageSamples(stage string) int {
	for _, st := range r.window.Snapshot().Stages {
		if st.Stage == stage {
			return st.Samples
		}
	}
	return 0
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTurnLifecycleCompletes(t *testing.T) {
	rig := newTestRig(t, &gatedBrain{resp: brain.Response{Text: "glad to hear it"}}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	if got := m.State(); got != StateListening {
		t.Fatalf("state after mic start = %q, want listening", got)
	}

	m.Handle(bus.TranscriptInterim{SessionID: rig.sess.ID, TurnID: "t1", Text: "today was", At: now})
	if got := m.State(); got != StateTranscribing {
		t.Fatalf("state after interim = %q, want transcribing", got)
	}

	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "today was a good day", At: now})

	waitUntil(t, "audio start", func() bool { return rig.log.count(bus.KindAudioStart) == 1 })
	if got := m.State(); got != StateSpeaking {
		t.Fatalf("state after audio start = %q, want speaking", got)
	}

	ev, _ := rig.log.first(bus.KindAudioStart)
	audio := ev.(bus.AudioStart)
	if audio.Provider != "a" || audio.Fallback {
		t.Fatalf("audio start = %+v", audio)
	}

	m.Handle(bus.AudioEnd{SessionID: rig.sess.ID, TurnID: "t1", At: time.Now().UTC()})
	if got := m.State(); got != StateIdle {
		t.Fatalf("state after audio end = %q, want idle", got)
	}
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("turn should be finalized after audio end")
	}

	for _, kind := range []bus.Kind{bus.KindProcessingStart, bus.KindProcessingComplete, bus.KindTTSStart} {
		if rig.log.count(kind) != 1 {
			t.Fatalf("%s published %d times, want 1", kind, rig.log.count(kind))
		}
	}
}

func TestInterruptDiscardsLateAudio(t *testing.T) {
	synth := &blockingSynth{name: "a", started: make(chan struct{})}
	rig := newTestRig(t, &gatedBrain{resp: brain.Response{Text: "a long reply"}}, nil, synth)
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "tell me a story", At: now})

	select {
	case <-synth.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis never started")
	}

	m.Handle(bus.Interrupt{SessionID: rig.sess.ID, Reason: "barge_in", At: time.Now().UTC()})
	if got := m.State(); got != StateListening {
		t.Fatalf("state after interrupt = %q, want listening", got)
	}
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("turn should be finalized on interrupt")
	}

	// Give the cancelled pipeline a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	if n := rig.log.count(bus.KindAudioStart); n != 0 {
		t.Fatalf("late audio was published %d times after interrupt", n)
	}
	if rig.log.count(bus.KindInterrupt) != 1 {
		t.Fatalf("interrupt event not published")
	}
}

func TestDuplicateTranscriptOpensOneTurn(t *testing.T) {
	gate := make(chan struct{})
	rig := newTestRig(t, &gatedBrain{gate: gate, resp: brain.Response{Text: "ok"}}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello there", At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello there", At: now})
	close(gate)

	waitUntil(t, "audio start", func() bool { return rig.log.count(bus.KindAudioStart) == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := rig.log.count(bus.KindProcessingStart); n != 1 {
		t.Fatalf("processing started %d times, want 1", n)
	}
	if n := rig.log.count(bus.KindTranscriptComplete); n != 1 {
		t.Fatalf("transcript complete republished %d times, want 1", n)
	}
}

func TestAllProvidersFailSpeaksApologyAndFailsTurn(t *testing.T) {
	a := &fakeSynth{name: "a", err: errors.New("down")}
	b := &fakeSynth{name: "b", err: errors.New("down")}
	rig := newTestRig(t, &gatedBrain{resp: brain.Response{Text: "reply"}}, nil, a, b)
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello", At: now})

	waitUntil(t, "fallback audio", func() bool { return rig.log.count(bus.KindAudioStart) == 1 })

	ev, _ := rig.log.first(bus.KindAudioStart)
	audio := ev.(bus.AudioStart)
	if !audio.Fallback {
		t.Fatalf("audio should be fallback, got %+v", audio)
	}
	if want := ProfileFor(DefaultProfiles(), "ember").Apology; audio.Text != want {
		t.Fatalf("fallback text = %q, want the persona apology %q", audio.Text, want)
	}

	waitUntil(t, "error event", func() bool { return rig.log.count(bus.KindError) == 1 })
	waitUntil(t, "idle state", func() bool { return m.State() == StateIdle })
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("failed turn should be finalized")
	}
}

func TestReplyFailureFailsTurn(t *testing.T) {
	rig := newTestRig(t, &gatedBrain{err: errors.New("cognition offline")}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello", At: now})

	waitUntil(t, "error event", func() bool { return rig.log.count(bus.KindError) == 1 })
	waitUntil(t, "idle state", func() bool { return m.State() == StateIdle })

	ev, _ := rig.log.first(bus.KindError)
	if got := ev.(bus.Error).Stage; got != "reply" {
		t.Fatalf("error stage = %q, want reply", got)
	}
	if rig.log.count(bus.KindAudioStart) != 0 {
		t.Fatalf("no audio should be produced when the reply fails")
	}
}

func TestProsodyFailureStillProducesAudio(t *testing.T) {
	// Unreachable prosody service: shaping must degrade, not block audio.
	shaper := enrich.NewShaper("http://127.0.0.1:1", 50*time.Millisecond)
	rig := newTestRig(t, &gatedBrain{resp: brain.Response{Text: "warm words"}}, shaper, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "I feel good", At: now})

	waitUntil(t, "audio start", func() bool { return rig.log.count(bus.KindAudioStart) == 1 })

	ev, _ := rig.log.first(bus.KindAudioStart)
	audio := ev.(bus.AudioStart)
	if audio.Provider != "a" || audio.Fallback {
		t.Fatalf("audio start = %+v", audio)
	}
	if audio.Text != "warm words" {
		t.Fatalf("audio text = %q, want original reply", audio.Text)
	}
}

func TestModeSwitchInterruptsOpenTurn(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	rig := newTestRig(t, &gatedBrain{gate: gate, resp: brain.Response{Text: "ok"}}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello", At: now})
	m.Handle(bus.ModeSwitch{SessionID: rig.sess.ID, Mode: string(session.ModeRealtime), At: now})

	if got := m.Mode(); got != session.ModeRealtime {
		t.Fatalf("mode = %q, want realtime", got)
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state after mode switch = %q, want idle", got)
	}
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("open turn should be interrupted by mode switch")
	}

	// Routed turns are not opened while in realtime mode.
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t2", Text: "hello again", At: now})
	time.Sleep(20 * time.Millisecond)
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("realtime mode should not open routed turns")
	}
}

type panicBrain struct{}

func (panicBrain) Reply(context.Context, brain.Request) (brain.Response, error) {
	panic("adapter bug")
}

func TestPipelinePanicFailsTurn(t *testing.T) {
	rig := newTestRig(t, panicBrain{}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "hello", At: now})

	waitUntil(t, "error event", func() bool { return rig.log.count(bus.KindError) == 1 })
	waitUntil(t, "idle state", func() bool { return m.State() == StateIdle })

	ev, _ := rig.log.first(bus.KindError)
	if got := ev.(bus.Error).Stage; got != "pipeline" {
		t.Fatalf("error stage = %q, want pipeline", got)
	}
	if _, open := m.CurrentTurn(); open {
		t.Fatalf("panicked turn should be finalized")
	}
	if rig.log.count(bus.KindAudioStart) != 0 {
		t.Fatalf("no audio should follow a panicked pipeline")
	}

	// The machine must still take the next turn.
	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: time.Now().UTC()})
	if got := m.State(); got != StateListening {
		t.Fatalf("state after recovery = %q, want listening", got)
	}
}

func TestBargeInRestartsTranscribeTiming(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	rig := newTestRig(t, &gatedBrain{gate: gate, resp: brain.Response{Text: "ok"}}, nil, &fakeSynth{name: "a"})
	m := rig.machine
	now := time.Now().UTC()

	m.Handle(bus.MicStart{SessionID: rig.sess.ID, At: now})
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t1", Text: "first thought", At: now})
	if got := rig.stageSamples(observability.OpTranscribe); got != 1 {
		t.Fatalf("transcribe samples after first turn = %d, want 1", got)
	}

	m.Handle(bus.Interrupt{SessionID: rig.sess.ID, Reason: "barge_in", At: time.Now().UTC()})
	if got := m.State(); got != StateListening {
		t.Fatalf("state after interrupt = %q, want listening", got)
	}

	// The barge-in utterance gets its own timing even though no mic_start
	// preceded it.
	m.Handle(bus.TranscriptComplete{SessionID: rig.sess.ID, TurnID: "t2", Text: "actually, wait", At: time.Now().UTC()})
	if got := rig.stageSamples(observability.OpTranscribe); got != 2 {
		t.Fatalf("transcribe samples after barge-in turn = %d, want 2", got)
	}
}

func TestPreviewTTSUsesRouterChain(t *testing.T) {
	rig := newTestRig(t, &gatedBrain{resp: brain.Response{Text: "ok"}}, nil, &fakeSynth{name: "a"})

	audio, attempts := rig.orc.PreviewTTS(context.Background(), "ember", "testing my voice")
	if audio.Provider != "a" {
		t.Fatalf("preview provider = %q", audio.Provider)
	}
	if len(attempts) != 1 {
		t.Fatalf("preview attempts = %d, want 1", len(attempts))
	}
}
