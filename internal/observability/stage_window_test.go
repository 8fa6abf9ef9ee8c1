package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshotQuantiles(t *testing.T) {
	w := NewStageWindow(8, ThresholdTable{"voice.turn": 100 * time.Millisecond})

	for _, ms := range []float64{10, 20, 30, 40, 150} {
		w.Observe("voice.turn", ms)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "voice.turn" || s.Samples != 5 {
		t.Fatalf("unexpected stage stats: %+v", s)
	}
	if s.LastMS != 150 {
		t.Fatalf("last = %v, want 150", s.LastMS)
	}
	if s.AvgMS != 50 {
		t.Fatalf("avg = %v, want 50", s.AvgMS)
	}
	if s.P50MS != 30 {
		t.Fatalf("p50 = %v, want 30", s.P50MS)
	}
	if s.OverBudget != 1 {
		t.Fatalf("over budget = %d, want 1 (150ms against 100ms)", s.OverBudget)
	}
	if s.BudgetMS != 100 {
		t.Fatalf("budget = %v, want 100", s.BudgetMS)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := NewStageWindow(4, nil)

	for i := 0; i < 10; i++ {
		w.Observe("voice.reply", float64(i))
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Samples != 4 {
		t.Fatalf("expected full window of 4 samples, got %+v", snap.Stages)
	}
	if snap.Stages[0].LastMS != 9 {
		t.Fatalf("last = %v, want 9", snap.Stages[0].LastMS)
	}
}

func TestStageWindowIgnoresInvalidObservations(t *testing.T) {
	w := NewStageWindow(4, nil)
	w.Observe("", 10)
	w.Observe("voice.turn", -1)

	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap.Stages)
	}
}

func TestStageWindowReset(t *testing.T) {
	w := NewStageWindow(4, nil)
	w.Observe("voice.turn", 10)
	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("expected empty snapshot after reset, got %+v", snap.Stages)
	}
}
