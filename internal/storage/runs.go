package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"fragorder/internal/domain"
)

// OutsideRun is the run id of fragments seen while no run is active.
const OutsideRun = ""

// RunStep is the effect one fragment has on run tracking. Plan computes it
// without changing the tracker so a caller can persist it first and Apply it
// once that succeeded.
type RunStep struct {
	// RunID is the run the fragment belongs to, OutsideRun if none.
	RunID  string
	Opened bool
	Closed bool
	// Counted is set for an end barrier from a source that began the run.
	Counted bool

	source  domain.SourceID
	barrier domain.BarrierKind
}

// RunTracker follows runs through the barriers of a merged stream. A run
// opens at the first begin-run barrier seen outside a run and closes once
// every source that began it has sent an end-run barrier. Ends from sources
// that never began the run belong to it but do not count toward closing it.
type RunTracker struct {
	newID func() string

	mu     sync.Mutex
	id     string
	begins map[domain.SourceID]struct{}
	ends   map[domain.SourceID]struct{}
}

func NewRunTracker() *RunTracker {
	return &RunTracker{
		newID:  uuid.NewString,
		begins: map[domain.SourceID]struct{}{},
		ends:   map[domain.SourceID]struct{}{},
	}
}

// Restore resumes a run that was active when the tracker's state was last
// persisted.
func (t *RunTracker) Restore(runID string, begins, ends []domain.SourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = runID
	clear(t.begins)
	clear(t.ends)
	for _, sid := range begins {
		t.begins[sid] = struct{}{}
	}
	for _, sid := range ends {
		if _, ok := t.begins[sid]; ok {
			t.ends[sid] = struct{}{}
		}
	}
}

func (t *RunTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *RunTracker) Plan(f domain.Fragment) RunStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan(f)
}

func (t *RunTracker) plan(f domain.Fragment) RunStep {
	step := RunStep{RunID: t.id, source: f.SourceID, barrier: f.Barrier}
	switch f.Barrier {
	case domain.BarrierBeginRun:
		if t.id == OutsideRun {
			step.RunID = t.newID()
			step.Opened = true
		}
	case domain.BarrierEndRun:
		if t.id == OutsideRun {
			return step
		}
		if _, ok := t.begins[f.SourceID]; !ok {
			return step
		}
		step.Counted = true
		ended := len(t.ends)
		if _, seen := t.ends[f.SourceID]; !seen {
			ended++
		}
		step.Closed = ended >= len(t.begins)
	}
	return step
}

// Apply commits a step returned by the latest Plan.
func (t *RunTracker) Apply(step RunStep) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(step)
}

func (t *RunTracker) apply(step RunStep) {
	switch {
	case step.Closed:
		t.id = OutsideRun
		clear(t.begins)
		clear(t.ends)
	case step.Opened:
		t.id = step.RunID
		t.begins[step.source] = struct{}{}
	case step.barrier == domain.BarrierBeginRun:
		t.begins[step.source] = struct{}{}
	case step.Counted:
		t.ends[step.source] = struct{}{}
	}
}

// Observe plans and applies in one step.
func (t *RunTracker) Observe(f domain.Fragment) RunStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	step := t.plan(f)
	t.apply(step)
	return step
}

type runKey struct{}

// ContextWithRun tags ctx with the run the fragment being delivered belongs
// to, so every sink reports the same run id.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFromContext returns the run id set by ContextWithRun. The id may be
// OutsideRun; ok reports whether a run id was set at all.
func RunFromContext(ctx context.Context) (runID string, ok bool) {
	runID, ok = ctx.Value(runKey{}).(string)
	return runID, ok
}
