package orderer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"fragorder/internal/domain"
	"fragorder/internal/logging"
	"fragorder/internal/storage"
)

type Sink interface {
	Emit(ctx context.Context, f domain.Fragment) error
}

// Journal keeps the durable record of who connected and what they sent.
type Journal interface {
	PeerConnected(ctx context.Context, peerID, description string, sources []domain.SourceID) error
	PeerDisconnected(ctx context.Context, peerID string, clean bool) error
	// Record returns the run the fragment belongs to.
	Record(ctx context.Context, peerID string, f domain.Fragment) (string, error)
}

// Dispatcher is the daemon's Handler: every fragment goes to the journal
// and then to each sink in order. Sinks see the journal's run id through
// storage.RunFromContext.
type Dispatcher struct {
	sinks   []Sink
	journal Journal
	log     *zap.SugaredLogger
}

func NewDispatcher(journal Journal, log *zap.SugaredLogger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, journal: journal, log: logging.OrNop(log)}
}

func (d *Dispatcher) Connect(ctx context.Context, p *Peer) error {
	if d.journal == nil {
		return nil
	}
	return d.journal.PeerConnected(ctx, p.ID, p.Description, p.Sources)
}

func (d *Dispatcher) Fragments(ctx context.Context, p *Peer, frags []domain.Fragment) error {
	for _, f := range frags {
		if !slices.Contains(p.Sources, f.SourceID) {
			d.log.Warnw("fragment from unregistered source", "peer", p.ID, "source", f.SourceID)
		}
		emitCtx := ctx
		if d.journal != nil {
			runID, err := d.journal.Record(ctx, p.ID, f)
			if err != nil {
				return fmt.Errorf("journal fragment: %w", err)
			}
			emitCtx = storage.ContextWithRun(ctx, runID)
		}
		for _, s := range d.sinks {
			if err := s.Emit(emitCtx, f); err != nil {
				return fmt.Errorf("forward fragment: %w", err)
			}
		}
	}
	return d.Flush(ctx)
}

func (d *Dispatcher) Disconnect(ctx context.Context, p *Peer, clean bool) {
	if d.journal == nil {
		return
	}
	if err := d.journal.PeerDisconnected(ctx, p.ID, clean); err != nil {
		d.log.Errorw("journal disconnect", "peer", p.ID, "error", err)
	}
}

// Flush flushes sinks that buffer.
func (d *Dispatcher) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range d.sinks {
		if f, ok := s.(interface{ Flush(context.Context) error }); ok {
			errs = append(errs, f.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}
