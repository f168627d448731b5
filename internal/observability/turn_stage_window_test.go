package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	for _, ms := range []float64{500, 700, 900} {
		w.Observe("generate", ms)
	}
	w.Observe("crisis_check", 9)
	w.Observe("", 3)
	w.Observe("persist", -1)
	w.ObserveIndicator("retrieval_fallback")
	w.ObserveIndicator(" retrieval_fallback ")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}

	crisis, gen := snap.Stages[0], snap.Stages[1]
	if crisis.Stage != "crisis_check" || !crisis.OverTarget {
		t.Fatalf("crisis stage = %+v, want crisis_check over target", crisis)
	}
	if gen.Stage != "generate" || gen.Samples != 3 || gen.LastMS != 900 {
		t.Fatalf("generate stage = %+v", gen)
	}
	if gen.P50MS != 700 || gen.AvgMS != 700 {
		t.Fatalf("P50MS = %.2f AvgMS = %.2f, want 700", gen.P50MS, gen.AvgMS)
	}
	if gen.P95MS <= 700 || gen.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", gen.P95MS)
	}
	if gen.TargetP95MS != 2500 || gen.OverTarget {
		t.Fatalf("generate target = %.2f over = %v", gen.TargetP95MS, gen.OverTarget)
	}

	if len(snap.Indicators) != 1 || snap.Indicators[0] != (TurnIndicator{Name: "retrieval_fallback", Count: 2}) {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestTurnStageWindowKeepsRecentSamples(t *testing.T) {
	w := newTurnStageWindow(3)
	for i := 1; i <= 5; i++ {
		w.Observe("retrieval", float64(i*100))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.AvgMS != 400 || s.LastMS != 500 {
		t.Fatalf("AvgMS = %.2f LastMS = %.2f, want 400 and 500", s.AvgMS, s.LastMS)
	}
	if !s.OverTarget {
		t.Fatalf("retrieval p95 %.2f should exceed its 300ms target", s.P95MS)
	}

	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("after Reset snapshot = %+v", snap)
	}
}

func TestPercentileOf(t *testing.T) {
	cases := []struct {
		in   []float64
		p    float64
		want float64
	}{
		{nil, 0.5, 0},
		{[]float64{4}, 0.99, 4},
		{[]float64{1, 2, 3, 4}, 0, 1},
		{[]float64{1, 2, 3, 4}, 1, 4},
		{[]float64{10, 20}, 0.5, 15},
	}
	for _, tc := range cases {
		if got := percentileOf(tc.in, tc.p); got != tc.want {
			t.Fatalf("percentileOf(%v, %.2f) = %v, want %v", tc.in, tc.p, got, tc.want)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurnStage("crisis_check", time.Millisecond)
	m.ObserveTurn("direct", "low", time.Millisecond)
	if snap := m.TurnStageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsRecordTurnStages(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveTurnStage("crisis_check", 2*time.Millisecond)
	m.ObserveTurn("direct", "low", 40*time.Millisecond)

	snap := m.TurnStageSnapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != "crisis_check" || snap.Stages[0].TargetP95MS != 5 {
		t.Fatalf("Stages[0] = %+v", snap.Stages[0])
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("direct", "low")); got != 1 {
		t.Fatalf("turns_total = %v, want 1", got)
	}
	m.ResetTurnStages()
	if snap := m.TurnStageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("after reset len(Stages) = %d, want 0", len(snap.Stages))
	}
}
