package bus

import "time"

// Kind identifies voice lifecycle event variants.
type Kind string

const (
	KindMicStart           Kind = "mic_start"
	KindTranscriptInterim  Kind = "transcript_interim"
	KindTranscriptComplete Kind = "transcript_complete"
	KindProcessingStart    Kind = "processing_start"
	KindProcessingComplete Kind = "processing_complete"
	KindTTSStart           Kind = "tts_start"
	KindAudioStart         Kind = "audio_start"
	KindAudioEnd           Kind = "audio_end"
	KindModeSwitch         Kind = "mode_switch"
	KindInterrupt          Kind = "interrupt"
	KindError              Kind = "error"
)

// TopicAll subscribes a handler to every published event regardless of kind.
const TopicAll Kind = "*"

// Event is one immutable voice lifecycle event. Events are published once
// and never mutated after publication.
type Event interface {
	EventKind() Kind
	Session() string
	OccurredAt() time.Time
}

type MicStart struct {
	SessionID string
	At        time.Time
}

type TranscriptInterim struct {
	SessionID string
	TurnID    string
	Text      string
	At        time.Time
}

type TranscriptComplete struct {
	SessionID string
	TurnID    string
	Text      string
	At        time.Time
}

type ProcessingStart struct {
	SessionID string
	TurnID    string
	At        time.Time
}

type ProcessingComplete struct {
	SessionID string
	TurnID    string
	ReplyText string
	At        time.Time
}

type TTSStart struct {
	SessionID string
	TurnID    string
	At        time.Time
}

type AudioStart struct {
	SessionID   string
	TurnID      string
	Provider    string
	Format      string
	AudioBase64 string
	Fallback    bool
	Text        string
	At          time.Time
}

type AudioEnd struct {
	SessionID string
	TurnID    string
	At        time.Time
}

type ModeSwitch struct {
	SessionID string
	Mode      string
	At        time.Time
}

type Interrupt struct {
	SessionID string
	Reason    string
	At        time.Time
}

type Error struct {
	SessionID string
	TurnID    string
	Stage     string
	Detail    string
	At        time.Time
}

func (e MicStart) EventKind() Kind           { return KindMicStart }
func (e TranscriptInterim) EventKind() Kind  { return KindTranscriptInterim }
func (e TranscriptComplete) EventKind() Kind { return KindTranscriptComplete }
func (e ProcessingStart) EventKind() Kind    { return KindProcessingStart }
func (e ProcessingComplete) EventKind() Kind { return KindProcessingComplete }
func (e TTSStart) EventKind() Kind           { return KindTTSStart }
func (e AudioStart) EventKind() Kind         { return KindAudioStart }
func (e AudioEnd) EventKind() Kind           { return KindAudioEnd }
func (e ModeSwitch) EventKind() Kind         { return KindModeSwitch }
func (e Interrupt) EventKind() Kind          { return KindInterrupt }
func (e Error) EventKind() Kind              { return KindError }

func (e MicStart) Session() string           { return e.SessionID }
func (e TranscriptInterim) Session() string  { return e.SessionID }
func (e TranscriptComplete) Session() string { return e.SessionID }
func (e ProcessingStart) Session() string    { return e.SessionID }
func (e ProcessingComplete) Session() string { return e.SessionID }
func (e TTSStart) Session() string           { return e.SessionID }
func (e AudioStart) Session() string         { return e.SessionID }
func (e AudioEnd) Session() string           { return e.SessionID }
func (e ModeSwitch) Session() string         { return e.SessionID }
func (e Interrupt) Session() string          { return e.SessionID }
func (e Error) Session() string              { return e.SessionID }

func (e MicStart) OccurredAt() time.Time           { return e.At }
func (e TranscriptInterim) OccurredAt() time.Time  { return e.At }
func (e TranscriptComplete) OccurredAt() time.Time { return e.At }
func (e ProcessingStart) OccurredAt() time.Time    { return e.At }
func (e ProcessingComplete) OccurredAt() time.Time { return e.At }
func (e TTSStart) OccurredAt() time.Time           { return e.At }
func (e AudioStart) OccurredAt() time.Time         { return e.At }
func (e AudioEnd) OccurredAt() time.Time           { return e.At }
func (e ModeSwitch) OccurredAt() time.Time         { return e.At }
func (e Interrupt) OccurredAt() time.Time          { return e.At }
func (e Error) OccurredAt() time.Time              { return e.At }
