package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"fragorder/internal/domain"
	"fragorder/internal/storage"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "runs.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func barrier(sid uint32, kind domain.BarrierKind) domain.Fragment {
	return domain.Fragment{SourceID: sid, Barrier: kind, Timestamp: domain.NullTimestamp}
}

func TestRunLifecycleFollowsBarrierQuorum(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)

	for _, f := range []domain.Fragment{
		barrier(1, domain.BarrierBeginRun),
		barrier(2, domain.BarrierBeginRun),
		{SourceID: 1, Timestamp: 10, Payload: []byte("abcd")},
		{SourceID: 1, Timestamp: 30, Payload: []byte("ef")},
		{SourceID: 2, Timestamp: 20, Payload: []byte("g")},
		barrier(1, domain.BarrierEndRun),
	} {
		if _, err := j.Record(ctx, "peer-a", f); err != nil {
			t.Fatal(err)
		}
	}
	run, ok, err := j.ActiveRun(ctx)
	if err != nil || !ok {
		t.Fatalf("active run: %v %v", ok, err)
	}
	if run.State != storage.RunActive || run.BeginSources != 2 || run.EndSources != 1 {
		t.Fatalf("run = %+v", run)
	}

	if _, err := j.Record(ctx, "peer-a", barrier(2, domain.BarrierEndRun)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := j.ActiveRun(ctx); ok {
		t.Fatalf("run still active after every source ended")
	}
	ended, ok, err := j.Run(ctx, run.ID)
	if err != nil || !ok || ended.State != storage.RunEnded || ended.EndedAt.IsZero() {
		t.Fatalf("ended run = %+v %v", ended, err)
	}

	counts, err := j.SourceCounts(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 2 {
		t.Fatalf("counts = %+v", counts)
	}
	if c := counts[0]; c.SourceID != 1 || c.Fragments != 2 || c.Bytes != 6 || c.FirstTimestamp != 10 || c.LastTimestamp != 30 {
		t.Fatalf("source 1 = %+v", c)
	}
	barriers, err := j.Barriers(ctx, run.ID)
	if err != nil || len(barriers) != 4 || barriers[3].Kind != domain.BarrierEndRun || barriers[0].Timestamp != domain.NullTimestamp {
		t.Fatalf("barriers = %+v %v", barriers, err)
	}
}

func TestDataOutsideRunIsCountedSeparately(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)
	if _, err := j.Record(ctx, "p", domain.Fragment{SourceID: 4, Timestamp: 1, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Record(ctx, "p", barrier(4, domain.BarrierEndRun)); err != nil {
		t.Fatal(err)
	}
	counts, err := j.SourceCounts(ctx, OutsideRun)
	if err != nil || len(counts) != 1 || counts[0].Fragments != 1 {
		t.Fatalf("counts = %+v %v", counts, err)
	}
	if runs, _ := j.Runs(ctx); len(runs) != 0 {
		t.Fatalf("stray end created a run: %+v", runs)
	}
}

func TestActiveRunSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	j, path := openTestJournal(t)
	if _, err := j.Record(ctx, "p", barrier(1, domain.BarrierBeginRun)); err != nil {
		t.Fatal(err)
	}
	before, _, _ := j.ActiveRun(ctx)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	again, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	after, ok, err := again.ActiveRun(ctx)
	if err != nil || !ok || after.ID != before.ID {
		t.Fatalf("reopened active run = %+v (was %s)", after, before.ID)
	}
}

func TestEndFromUnbegunSourceDoesNotCloseRun(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)

	ids := map[string]struct{}{}
	for i, f := range []domain.Fragment{
		barrier(1, domain.BarrierBeginRun),
		barrier(2, domain.BarrierBeginRun),
		barrier(3, domain.BarrierEndRun),
		barrier(1, domain.BarrierEndRun),
		barrier(2, domain.BarrierEndRun),
	} {
		id, err := j.Record(ctx, "p", f)
		if err != nil {
			t.Fatal(err)
		}
		if id == OutsideRun {
			t.Fatalf("barrier %d recorded outside a run", i)
		}
		ids[id] = struct{}{}
		if i == 3 {
			if _, ok, _ := j.ActiveRun(ctx); !ok {
				t.Fatalf("run closed before source 2 ended")
			}
		}
	}
	if len(ids) != 1 {
		t.Fatalf("barriers spread over runs %v", ids)
	}
	runs, err := j.Runs(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v %v", runs, err)
	}
	if r := runs[0]; r.State != storage.RunEnded || r.BeginSources != 2 || r.EndSources != 2 {
		t.Fatalf("run = %+v", r)
	}
}

func TestReopenRestoresBarrierQuorum(t *testing.T) {
	ctx := context.Background()
	j, path := openTestJournal(t)
	for _, f := range []domain.Fragment{
		barrier(1, domain.BarrierBeginRun),
		barrier(2, domain.BarrierBeginRun),
		barrier(1, domain.BarrierEndRun),
	} {
		if _, err := j.Record(ctx, "p", f); err != nil {
			t.Fatal(err)
		}
	}
	_ = j.Close()
	again, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if _, err := again.Record(ctx, "p", barrier(1, domain.BarrierEndRun)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := again.ActiveRun(ctx); !ok {
		t.Fatalf("repeated end closed the restored run")
	}
	if _, err := again.Record(ctx, "p", barrier(2, domain.BarrierEndRun)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := again.ActiveRun(ctx); ok {
		t.Fatalf("restored run did not close")
	}
}

func TestPeerLifecycle(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)
	if err := j.PeerConnected(ctx, "p1", "ring feeder", []domain.SourceID{3, 5}); err != nil {
		t.Fatal(err)
	}
	if err := j.PeerDisconnected(ctx, "p1", true); err != nil {
		t.Fatal(err)
	}
	p, ok, err := j.Peer(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("peer: %v %v", ok, err)
	}
	if p.Description != "ring feeder" || len(p.Sources) != 2 || p.Sources[1] != 5 || !p.Clean || p.DisconnectedAt.IsZero() {
		t.Fatalf("peer = %+v", p)
	}
	if err := j.PeerDisconnected(ctx, "ghost", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBarriersAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	j, _ := openTestJournal(t)
	if _, err := j.Record(ctx, "p", barrier(1, domain.BarrierBeginRun)); err != nil {
		t.Fatal(err)
	}
	_, err := j.db.ExecContext(ctx, `UPDATE barriers SET kind=0`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only failure, got %v", err)
	}
	_, err = j.db.ExecContext(ctx, `DELETE FROM barriers`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only failure, got %v", err)
	}
}
