package fragment

import (
	"time"

	"fragorder/internal/domain"
)

// SourceFilter keeps fragments whose source id is in a configured set. An
// empty filter keeps everything.
type SourceFilter struct {
	ids      map[domain.SourceID]struct{}
	rejected uint64
}

func NewSourceFilter(ids ...domain.SourceID) *SourceFilter {
	f := &SourceFilter{ids: make(map[domain.SourceID]struct{}, len(ids))}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

func (f *SourceFilter) Allow(id domain.SourceID) bool {
	if len(f.ids) == 0 {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

// Apply filters frags in place and returns the kept prefix.
func (f *SourceFilter) Apply(frags []domain.Fragment) []domain.Fragment {
	kept := frags[:0]
	for _, fr := range frags {
		if f.Allow(fr.SourceID) {
			kept = append(kept, fr)
			continue
		}
		f.rejected++
	}
	return kept
}

func (f *SourceFilter) Rejected() uint64 { return f.rejected }

// EndRunWatch tracks end-of-run barriers for a source that should stop once
// a fixed number of runs has ended. With Expected == 0 the watch never
// finishes.
type EndRunWatch struct {
	Expected int
	// Timeout bounds how long to keep waiting for the remaining ends after
	// one has been seen. Zero waits forever.
	Timeout time.Duration

	seen    int
	lastEnd time.Time
}

func (w *EndRunWatch) Observe(f domain.Fragment, now time.Time) {
	if f.Barrier != domain.BarrierEndRun {
		return
	}
	w.seen++
	w.lastEnd = now
}

func (w *EndRunWatch) Seen() int { return w.seen }

func (w *EndRunWatch) Done() bool { return w.Expected > 0 && w.seen >= w.Expected }

func (w *EndRunWatch) TimedOut(now time.Time) bool {
	if w.Expected == 0 || w.Timeout <= 0 || w.seen == 0 {
		return false
	}
	return now.After(w.lastEnd.Add(w.Timeout))
}

// Finished reports whether the source should stop reading.
func (w *EndRunWatch) Finished(now time.Time) bool { return w.Done() || w.TimedOut(now) }
