package voice

import (
	"context"
	"time"

	"github.com/lumerith/anima/internal/bus"
	"github.com/lumerith/anima/internal/protocol"
	"github.com/lumerith/anima/internal/session"
)

// RunConnection drives one websocket client. Inbound messages become bus
// events for the session machine; bus events for this session flow back
// out as protocol messages. Returns when ctx is cancelled or inbound
// closes.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	m := o.StartMachine(s)
	defer m.Shutdown()

	unsub := o.bus.Subscribe(bus.TopicAll, func(ev bus.Event) {
		if ev.Session() != s.ID {
			return
		}
		if msg := serverMessageFor(ev); msg != nil {
			o.send(outbound, msg)
		}
	})
	defer unsub()

	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "connected",
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if ev := inboundEventFor(s.ID, raw); ev != nil {
				m.Handle(ev)
			}
			o.send(outbound, protocol.StateChanged{
				Type:      protocol.TypeStateChanged,
				SessionID: s.ID,
				State:     string(m.State()),
				Mode:      string(m.Mode()),
			})
		}
	}
}

// inboundEventFor maps a parsed client message onto a bus event.
func inboundEventFor(sessionID string, raw any) bus.Event {
	now := time.Now().UTC()
	switch msg := raw.(type) {
	case protocol.ClientTranscript:
		at := now
		if msg.TSMs > 0 {
			at = time.UnixMilli(msg.TSMs).UTC()
		}
		if msg.Final {
			return bus.TranscriptComplete{SessionID: sessionID, TurnID: msg.TurnID, Text: msg.Text, At: at}
		}
		return bus.TranscriptInterim{SessionID: sessionID, TurnID: msg.TurnID, Text: msg.Text, At: at}
	case protocol.ClientControl:
		switch msg.Action {
		case protocol.ActionMicStart:
			return bus.MicStart{SessionID: sessionID, At: now}
		case protocol.ActionInterrupt:
			reason := msg.Reason
			if reason == "" {
				reason = "barge_in"
			}
			return bus.Interrupt{SessionID: sessionID, Reason: reason, At: now}
		case protocol.ActionPlaybackDone:
			return bus.AudioEnd{SessionID: sessionID, At: now}
		case protocol.ActionModeRealtime:
			return bus.ModeSwitch{SessionID: sessionID, Mode: string(session.ModeRealtime), At: now}
		case protocol.ActionModeRouted:
			return bus.ModeSwitch{SessionID: sessionID, Mode: string(session.ModeRouted), At: now}
		}
	}
	return nil
}

// serverMessageFor converts a bus event into its outbound protocol shape.
// Client-originated events are not echoed back.
func serverMessageFor(ev bus.Event) any {
	switch e := ev.(type) {
	case bus.ProcessingStart:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: e.SessionID, Code: "processing_start", Detail: e.TurnID}
	case bus.ProcessingComplete:
		return protocol.AssistantText{Type: protocol.TypeAssistantText, SessionID: e.SessionID, TurnID: e.TurnID, Text: e.ReplyText}
	case bus.TTSStart:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: e.SessionID, Code: "tts_start", Detail: e.TurnID}
	case bus.AudioStart:
		return protocol.AssistantAudio{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   e.SessionID,
			TurnID:      e.TurnID,
			Provider:    e.Provider,
			Format:      e.Format,
			AudioBase64: e.AudioBase64,
			Fallback:    e.Fallback,
			Text:        e.Text,
		}
	case bus.AudioEnd:
		return protocol.TurnEnd{Type: protocol.TypeTurnEnd, SessionID: e.SessionID, TurnID: e.TurnID, Reason: "completed"}
	case bus.Interrupt:
		return protocol.TurnEnd{Type: protocol.TypeTurnEnd, SessionID: e.SessionID, Reason: "interrupted"}
	case bus.ModeSwitch:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: e.SessionID, Code: "mode_switch", Detail: e.Mode}
	case bus.Error:
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: e.SessionID,
			Stage:     e.Stage,
			Retryable: e.Stage == "reply" || e.Stage == "synthesis",
			Detail:    e.Detail,
		}
	}
	return nil
}

// send never blocks; a slow client loses messages rather than stalling
// the pipeline.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		o.logf("voice: outbound channel full, dropping %T", msg)
	}
}
