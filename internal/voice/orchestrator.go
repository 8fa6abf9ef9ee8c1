package voice

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumerith/anima/internal/brain"
	"github.com/lumerith/anima/internal/bus"
	"github.com/lumerith/anima/internal/enrich"
	"github.com/lumerith/anima/internal/history"
	"github.com/lumerith/anima/internal/observability"
	"github.com/lumerith/anima/internal/session"
)

// State is the conversational phase of one session's voice machine.
type State string

const (
	StateIdle          State = "idle"
	StateListening     State = "listening"
	StateTranscribing  State = "transcribing"
	StateAwaitingReply State = "awaiting_reply"
	StateSynthesizing  State = "synthesizing"
	StateSpeaking      State = "speaking"
	StateError         State = "error"
)

// TurnStatus records how a conversation turn ended.
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// Turn is one user utterance and the assistant's response to it.
type Turn struct {
	ID          string
	SessionID   string
	Transcript  string
	Element     enrich.Element
	ReplyText   string
	OpenedAt    time.Time
	FinalizedAt time.Time
	Status      TurnStatus
}

const (
	historyContextLimit = 8
	defaultReplyTimeout = 3500 * time.Millisecond
)

// Orchestrator holds the shared pipeline dependencies. Per-session state
// lives in a Machine started for each connection.
type Orchestrator struct {
	bus      *bus.Bus
	recorder *observability.Recorder
	shaper   *enrich.Shaper
	router   *Router
	brain    brain.Adapter
	store    history.Store
	sessions *session.Manager
	profiles map[string]PersonaProfile
	logf     func(format string, args ...any)
}

func NewOrchestrator(
	b *bus.Bus,
	recorder *observability.Recorder,
	shaper *enrich.Shaper,
	router *Router,
	adapter brain.Adapter,
	store history.Store,
	sessions *session.Manager,
	profiles map[string]PersonaProfile,
) *Orchestrator {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Orchestrator{
		bus:      b,
		recorder: recorder,
		shaper:   shaper,
		router:   router,
		brain:    adapter,
		store:    store,
		sessions: sessions,
		profiles: profiles,
		logf:     log.Printf,
	}
}

// PreviewTTS synthesizes arbitrary text outside any session, for voice
// auditioning. It shares the router chain with live turns.
func (o *Orchestrator) PreviewTTS(ctx context.Context, personaID, text string) (Audio, []Attempt) {
	persona := ProfileFor(o.profiles, personaID)
	shaped := text
	if o.shaper.Enabled() {
		element := enrich.Classify(text)
		shaped, _ = o.shaper.Shape(ctx, text, element, enrich.DefaultIntensity(element))
	}
	return o.router.SynthesizeWithFallback(ctx, shaped, persona.Voice, persona.Apology)
}

// StartMachine creates the per-session state machine.
func (o *Orchestrator) StartMachine(s *session.Session) *Machine {
	return &Machine{
		o:         o,
		sessionID: s.ID,
		persona:   ProfileFor(o.profiles, s.PersonaID),
		mode:      s.Mode,
		state:     StateIdle,
	}
}

// Machine drives one session through the turn lifecycle. All transitions
// run under mu; bus publishes always happen after the lock is released.
type Machine struct {
	o  *Orchestrator
	mu sync.Mutex

	sessionID   string
	persona     PersonaProfile
	mode        session.Mode
	state       State
	turn        *Turn
	interim     string
	listenStart time.Time
	gen         int64
	cancelSynth context.CancelFunc
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Mode() session.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// CurrentTurn returns a copy of the open turn, if any.
func (m *Machine) CurrentTurn() (Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return Turn{}, false
	}
	return *m.turn, true
}

// Handle applies one inbound event to the machine. Pipeline-side events
// (processing, synthesis, audio start) are produced by the machine itself
// and are not accepted here.
func (m *Machine) Handle(ev bus.Event) {
	switch e := ev.(type) {
	case bus.MicStart:
		m.handleMicStart(e)
	case bus.TranscriptInterim:
		m.handleInterim(e)
	case bus.TranscriptComplete:
		m.handleTranscriptComplete(e)
	case bus.Interrupt:
		m.handleInterrupt(e)
	case bus.AudioEnd:
		m.handleAudioEnd(e)
	case bus.ModeSwitch:
		m.handleModeSwitch(e)
	}
}

func (m *Machine) handleMicStart(e bus.MicStart) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	m.state = StateListening
	m.interim = ""
	m.listenStart = time.Now()
	m.mu.Unlock()

	m.touch()
	m.o.bus.Publish(e)
}

func (m *Machine) handleInterim(e bus.TranscriptInterim) {
	m.mu.Lock()
	if m.state != StateListening && m.state != StateTranscribing {
		m.mu.Unlock()
		return
	}
	m.state = StateTranscribing
	m.interim = e.Text
	m.mu.Unlock()

	m.o.bus.Publish(e)
}

func (m *Machine) handleTranscriptComplete(e bus.TranscriptComplete) {
	turnID := e.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	m.mu.Lock()
	if m.turn != nil {
		// A turn is already in flight; a duplicate final transcript for
		// the same utterance must not open a second one.
		openID := m.turn.ID
		m.mu.Unlock()
		m.o.logf("voice: session %s dropping transcript for turn %s, turn %s still open", m.sessionID, turnID, openID)
		return
	}
	if m.mode == session.ModeRealtime {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	turn := &Turn{
		ID:         turnID,
		SessionID:  m.sessionID,
		Transcript: e.Text,
		Element:    enrich.Classify(e.Text),
		OpenedAt:   now,
	}
	m.turn = turn
	m.interim = ""
	m.state = StateAwaitingReply
	listenStart := m.listenStart
	m.listenStart = time.Time{}
	gen := m.gen
	m.mu.Unlock()

	if !listenStart.IsZero() {
		m.o.recorder.Record(observability.OpTranscribe, time.Since(listenStart), true, nil)
	}
	m.touch()
	if m.o.sessions != nil {
		_ = m.o.sessions.StartTurn(m.sessionID, turnID)
	}
	if e.At.IsZero() {
		e.At = now
	}
	m.o.bus.Publish(e)

	go m.runTurn(gen, *turn)
}

func (m *Machine) handleInterrupt(e bus.Interrupt) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	finalized := m.finalizeLocked(TurnInterrupted)
	m.state = StateListening
	m.interim = ""
	// The barge-in utterance starts here; time it like a fresh mic start.
	m.listenStart = time.Now()
	m.mu.Unlock()

	if m.o.sessions != nil {
		_ = m.o.sessions.Interrupt(m.sessionID)
	}
	m.o.bus.Publish(e)
	if finalized != nil {
		m.o.finishTurn(*finalized)
	}
}

func (m *Machine) handleAudioEnd(e bus.AudioEnd) {
	m.mu.Lock()
	if m.state != StateSpeaking || m.turn == nil {
		m.mu.Unlock()
		return
	}
	if e.TurnID != "" && e.TurnID != m.turn.ID {
		m.mu.Unlock()
		return
	}
	if e.TurnID == "" {
		e.TurnID = m.turn.ID
	}
	finalized := m.finalizeLocked(TurnCompleted)
	m.state = StateIdle
	m.mu.Unlock()

	m.o.bus.Publish(e)
	if finalized != nil {
		m.o.finishTurn(*finalized)
	}
}

func (m *Machine) handleModeSwitch(e bus.ModeSwitch) {
	mode := session.Mode(e.Mode)
	if mode != session.ModeRouted && mode != session.ModeRealtime {
		m.o.logf("voice: session %s ignoring unknown mode %q", m.sessionID, e.Mode)
		return
	}

	m.mu.Lock()
	finalized := m.finalizeLocked(TurnInterrupted)
	m.mode = mode
	m.state = StateIdle
	m.mu.Unlock()

	if m.o.sessions != nil {
		if _, err := m.o.sessions.SetMode(m.sessionID, mode); err != nil {
			m.o.logf("voice: session %s mode update failed: %v", m.sessionID, err)
		}
	}
	m.o.bus.Publish(e)
	if finalized != nil {
		m.o.finishTurn(*finalized)
	}
}

// finalizeLocked closes the open turn, cancels in-flight synthesis, and
// bumps the generation so late pipeline results are discarded. Callers
// hold mu and publish afterwards.
func (m *Machine) finalizeLocked(status TurnStatus) *Turn {
	if m.cancelSynth != nil {
		m.cancelSynth()
		m.cancelSynth = nil
	}
	m.gen++
	if m.turn == nil {
		return nil
	}
	turn := m.turn
	turn.Status = status
	turn.FinalizedAt = time.Now().UTC()
	m.turn = nil
	return turn
}

// Shutdown closes the machine when its connection goes away. The open
// turn, if any, is finalized as interrupted.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	finalized := m.finalizeLocked(TurnInterrupted)
	m.state = StateIdle
	m.mu.Unlock()

	if finalized != nil {
		m.o.finishTurn(*finalized)
	}
}

func (m *Machine) touch() {
	if m.o.sessions != nil {
		_ = m.o.sessions.Touch(m.sessionID)
	}
}

// stale reports whether the pipeline generation has been superseded by an
// interrupt, error, or mode switch.
func (m *Machine) stale(gen int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// advance moves the machine to next only if gen is still current.
func (m *Machine) advance(gen int64, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = next
	return true
}

// runTurn executes the routed reply pipeline for one turn. Every stage
// checks the generation before publishing so a barge-in mid-stage leaves
// no trace of the abandoned result. A panic anywhere in the pipeline is
// contained here and fails the turn instead of the process.
func (m *Machine) runTurn(gen int64, turn Turn) {
	o := m.o
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			o.logf("voice: session %s turn %s pipeline panic: %v", turn.SessionID, turn.ID, rec)
			m.failTurn(gen, turn, "pipeline", fmt.Errorf("pipeline panic: %v", rec))
		}
	}()

	o.bus.Publish(bus.ProcessingStart{SessionID: turn.SessionID, TurnID: turn.ID, At: started.UTC()})

	var ctxLines []string
	if o.store != nil {
		recCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		records, err := o.store.RecentContext(recCtx, turn.SessionID, historyContextLimit)
		cancel()
		if err != nil {
			o.logf("voice: session %s history lookup failed: %v", turn.SessionID, err)
		}
		for _, r := range records {
			ctxLines = append(ctxLines, r.Content)
		}
	}

	replyTimeout := defaultReplyTimeout
	if d, ok := o.recorder.Threshold(observability.OpReply); ok {
		replyTimeout = d
	}
	replyCtx, cancelReply := context.WithTimeout(context.Background(), replyTimeout)
	replyStart := time.Now()
	resp, err := o.brain.Reply(replyCtx, brain.Request{
		SessionID:    turn.SessionID,
		TurnID:       turn.ID,
		InputText:    turn.Transcript,
		History:      ctxLines,
		PersonaStyle: m.persona.SystemStyle,
	})
	cancelReply()
	replyElapsed := time.Since(replyStart)
	o.recorder.Record(observability.OpReply, replyElapsed, err == nil, nil)

	if m.stale(gen) {
		o.logf("voice: session %s discarding stale reply for turn %s", turn.SessionID, turn.ID)
		return
	}
	if err != nil {
		m.failTurn(gen, turn, "reply", err)
		return
	}
	turn.ReplyText = resp.Text

	if !m.advance(gen, StateSynthesizing) {
		return
	}
	o.bus.Publish(bus.ProcessingComplete{SessionID: turn.SessionID, TurnID: turn.ID, ReplyText: resp.Text, At: time.Now().UTC()})

	shaped := resp.Text
	if o.shaper.Enabled() {
		shapeStart := time.Now()
		var shapedOK bool
		shaped, shapedOK = o.shaper.Shape(context.Background(), resp.Text, turn.Element, enrich.DefaultIntensity(turn.Element))
		o.recorder.Record(observability.OpProsody, time.Since(shapeStart), shapedOK, nil)
	}

	if m.stale(gen) {
		return
	}
	o.bus.Publish(bus.TTSStart{SessionID: turn.SessionID, TurnID: turn.ID, At: time.Now().UTC()})

	synthCtx, cancelSynth := context.WithCancel(context.Background())
	defer cancelSynth()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.cancelSynth = cancelSynth
	m.mu.Unlock()

	routeStart := time.Now()
	audio, attempts := o.router.SynthesizeWithFallback(synthCtx, shaped, m.persona.Voice, m.persona.Apology)
	routeElapsed := time.Since(routeStart)
	o.recorder.Record(observability.OpRoute, routeElapsed, !audio.Fallback, map[string]string{
		"attempts": strconv.Itoa(len(attempts)),
	})

	if m.stale(gen) {
		o.logf("voice: session %s discarding stale audio for turn %s", turn.SessionID, turn.ID)
		return
	}

	if audio.Fallback {
		// All providers are down. Still speak the apology, but the turn
		// counts as failed.
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.cancelSynth = nil
		finalized := m.finalizeLocked(TurnFailed)
		m.state = StateIdle
		m.mu.Unlock()

		o.bus.Publish(audioStartEvent(turn, audio))
		o.bus.Publish(bus.Error{SessionID: turn.SessionID, TurnID: turn.ID, Stage: "synthesis", Detail: "all providers failed", At: time.Now().UTC()})
		if finalized != nil {
			o.finishTurn(*finalized)
		}
		return
	}

	if !m.advance(gen, StateSpeaking) {
		return
	}
	m.mu.Lock()
	m.cancelSynth = nil
	m.mu.Unlock()

	o.bus.Publish(audioStartEvent(turn, audio))
	if metrics := o.recorder.Metrics(); metrics != nil {
		metrics.ObserveFirstAudioLatency(time.Since(started))
	}
}

func (m *Machine) failTurn(gen int64, turn Turn, stage string, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	finalized := m.finalizeLocked(TurnFailed)
	m.state = StateIdle
	m.mu.Unlock()

	m.o.bus.Publish(bus.Error{SessionID: turn.SessionID, TurnID: turn.ID, Stage: stage, Detail: err.Error(), At: time.Now().UTC()})
	if finalized != nil {
		m.o.finishTurn(*finalized)
	}
}

func audioStartEvent(turn Turn, audio Audio) bus.AudioStart {
	return bus.AudioStart{
		SessionID:   turn.SessionID,
		TurnID:      turn.ID,
		Provider:    audio.Provider,
		Format:      audio.Format,
		AudioBase64: audio.DataBase64,
		Fallback:    audio.Fallback,
		Text:        audio.Text,
		At:          time.Now().UTC(),
	}
}

// finishTurn records turn-level timing once a turn reaches a terminal
// status, whatever that status is.
func (o *Orchestrator) finishTurn(turn Turn) {
	if turn.FinalizedAt.IsZero() || turn.OpenedAt.IsZero() {
		return
	}
	o.recorder.Record(observability.OpTurn, turn.FinalizedAt.Sub(turn.OpenedAt), turn.Status == TurnCompleted, map[string]string{
		"status": string(turn.Status),
	})
	if metrics := o.recorder.Metrics(); metrics != nil {
		metrics.TurnsFinalized.WithLabelValues(string(turn.Status)).Inc()
	}
}
