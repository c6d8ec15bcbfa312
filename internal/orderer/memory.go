package orderer

import (
	"context"
	"fmt"
	"sync"

	"fragorder/internal/domain"
)

// Recorder is an in-memory Handler that keeps copies of everything it
// receives. It refuses a connection that claims a source id another
// connected peer already owns.
type Recorder struct {
	mu        sync.Mutex
	owners    map[domain.SourceID]string
	peers     map[string]Peer
	fragments []domain.Fragment
	batches   int
	clean     map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{owners: map[domain.SourceID]string{}, peers: map[string]Peer{}, clean: map[string]bool{}}
}

func (r *Recorder) Connect(_ context.Context, p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range p.Sources {
		if owner, ok := r.owners[id]; ok && owner != p.ID {
			return fmt.Errorf("source %d already connected", id)
		}
	}
	for _, id := range p.Sources {
		r.owners[id] = p.ID
	}
	r.peers[p.ID] = *p
	return nil
}

func (r *Recorder) Fragments(_ context.Context, _ *Peer, frags []domain.Fragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	for _, f := range frags {
		r.fragments = append(r.fragments, f.Clone())
	}
	return nil
}

func (r *Recorder) Disconnect(_ context.Context, p *Peer, clean bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range p.Sources {
		if r.owners[id] == p.ID {
			delete(r.owners, id)
		}
	}
	delete(r.peers, p.ID)
	r.clean[p.ID] = clean
}

// Received returns copies of every fragment received so far.
func (r *Recorder) Received() []domain.Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Fragment(nil), r.fragments...)
}

func (r *Recorder) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

func (r *Recorder) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// CleanDisconnects counts peers that said goodbye with DISCONNECT.
func (r *Recorder) CleanDisconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, clean := range r.clean {
		if clean {
			n++
		}
	}
	return n
}
