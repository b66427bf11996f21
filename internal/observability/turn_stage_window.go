package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stage names shared by the orchestrator and the perf endpoint.
const (
	StageTranscription = "speech_end_to_transcript"
	StageGeneration    = "transcript_to_reply"
	StageSynthesis     = "sentence_synthesis"
	StageFirstAudio    = "speech_end_to_first_audio"
	StageTurnTotal     = "turn_total"
	StageReconnect     = "reconnect_gap"
)

// stageTargets are the p95 budgets a trainee notices when exceeded. The
// speech-end to first-audio budget is the headline one.
var stageTargets = map[string]time.Duration{
	StageTranscription: 1200 * time.Millisecond,
	StageGeneration:    1500 * time.Millisecond,
	StageSynthesis:     900 * time.Millisecond,
	StageFirstAudio:    2500 * time.Millisecond,
	StageTurnTotal:     6 * time.Second,
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
	// OverTarget counts samples in the window above the target.
	OverTarget int `json:"over_target,omitempty"`
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

// stageRing keeps the most recent samples of one stage.
type stageRing struct {
	samples []time.Duration
	pos     int
	full    bool
}

func (r *stageRing) add(d time.Duration) {
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *stageRing) last() time.Duration {
	i := r.pos - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

func (r *stageRing) window() []time.Duration {
	if r.full {
		return slices.Clone(r.samples)
	}
	return slices.Clone(r.samples[:r.pos])
}

type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	w := &turnStageWindow{size: size}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = make(map[string]*stageRing)
	w.indicators = make(map[string]int)
}

func (w *turnStageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &stageRing{samples: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.add(d)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	snap := TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for stage, r := range w.rings {
		samples := r.window()
		if len(samples) == 0 {
			continue
		}
		slices.Sort(samples)
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		stats := TurnStageStats{
			Stage:   stage,
			Samples: len(samples),
			LastMS:  millis(r.last()),
			AvgMS:   millis(sum / time.Duration(len(samples))),
			P50MS:   millis(quantile(samples, 0.50)),
			P95MS:   millis(quantile(samples, 0.95)),
			P99MS:   millis(quantile(samples, 0.99)),
		}
		if target, ok := stageTargets[stage]; ok {
			stats.TargetP95MS = millis(target)
			// samples is sorted, so everything past the search point is over.
			stats.OverTarget = len(samples) - sort.Search(len(samples), func(i int) bool { return samples[i] > target })
		}
		snap.Stages = append(snap.Stages, stats)
	}
	slices.SortFunc(snap.Stages, func(a, b TurnStageStats) int { return strings.Compare(a.Stage, b.Stage) })

	for name, count := range w.indicators {
		if count > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
		}
	}
	slices.SortFunc(snap.Indicators, func(a, b TurnIndicator) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []time.Duration, q float64) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
