package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency budgets for the turn pipeline, in milliseconds at p95.
var stageTargets = map[string]float64{
	"crisis_check": 5,
	"profile_load": 50,
	"retrieval":    300,
	"assessment":   10,
	"generate":     2500,
	"persist":      150,
	"turn_total":   3200,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// sampleRing keeps the most recent cap(buf) samples of one stage.
type sampleRing struct {
	buf  []float64
	head int
	last float64
}

func (r *sampleRing) add(v float64, limit int) {
	r.last = v
	if len(r.buf) < limit {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % limit
}

func (r *sampleRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.buf)
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	st := TurnStageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(r.last),
		AvgMS:       round2(total / float64(len(sorted))),
		P50MS:       round2(percentileOf(sorted, 0.50)),
		P95MS:       round2(percentileOf(sorted, 0.95)),
		P99MS:       round2(percentileOf(sorted, 0.99)),
		TargetP95MS: stageTargets[stage],
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

type turnStageWindow struct {
	mu         sync.Mutex
	limit      int
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newTurnStageWindow(limit int) *turnStageWindow {
	if limit <= 0 {
		limit = 256
	}
	w := &turnStageWindow{limit: limit}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = map[string]*sampleRing{}
	w.indicators = map[string]int{}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, 0, w.limit)}
		w.rings[stage] = r
	}
	r.add(ms, w.limit)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot reports stages and indicators sorted by name.
func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	snap := TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snap.WindowSize = w.limit
	snap.Stages = make([]TurnStageStats, 0, len(w.rings))
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		if r := w.rings[stage]; len(r.buf) > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// percentileOf interpolates linearly between the closest ranks.
func percentileOf(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case p <= 0 || n == 1:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	i := int(pos)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
