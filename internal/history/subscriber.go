package history

import (
	"context"
	"log"
	"time"

	"github.com/lumerith/anima/internal/bus"
	"github.com/lumerith/anima/internal/enrich"
)

const saveTimeout = 2 * time.Second

// Subscribe archives finished transcripts and replies from the event bus.
// Writes are best effort: a failing store never blocks the voice pipeline.
// The returned function detaches both subscriptions.
func Subscribe(b *bus.Bus, store Store) func() {
	unsubUser := b.Subscribe(bus.KindTranscriptComplete, func(ev bus.Event) {
		tc, ok := ev.(bus.TranscriptComplete)
		if !ok {
			return
		}
		save(store, TurnRecord{
			ID:        tc.TurnID + ":user",
			SessionID: tc.SessionID,
			Role:      RoleUser,
			Content:   tc.Text,
			Element:   string(enrich.Classify(tc.Text)),
			CreatedAt: tc.At,
		})
	})

	unsubAssistant := b.Subscribe(bus.KindProcessingComplete, func(ev bus.Event) {
		pc, ok := ev.(bus.ProcessingComplete)
		if !ok {
			return
		}
		save(store, TurnRecord{
			ID:        pc.TurnID + ":assistant",
			SessionID: pc.SessionID,
			Role:      RoleAssistant,
			Content:   pc.ReplyText,
			CreatedAt: pc.At,
		})
	})

	return func() {
		unsubUser()
		unsubAssistant()
	}
}

func save(store Store, record TurnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := store.SaveTurn(ctx, record); err != nil {
		log.Printf("history: save %s turn for session %s failed: %v", record.Role, record.SessionID, err)
	}
}
