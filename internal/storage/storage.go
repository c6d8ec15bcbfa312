// Package storage holds the record types of the run journal.
package storage

import (
	"time"

	"fragorder/internal/domain"
)

type RunState string

const (
	RunActive RunState = "active"
	RunEnded  RunState = "ended"
)

// Run is one data taking run as seen through its barriers. A run starts at
// the first begin-run barrier and ends once every source that began it has
// sent an end-run barrier.
type Run struct {
	ID           string
	State        RunState
	StartedAt    time.Time
	EndedAt      time.Time
	BeginSources int
	EndSources   int
}

// SourceCount accumulates the data fragments one source sent during a run.
type SourceCount struct {
	RunID          string
	SourceID       domain.SourceID
	Fragments      uint64
	Bytes          uint64
	FirstTimestamp uint64
	LastTimestamp  uint64
}

// Barrier is one journaled begin or end barrier.
type Barrier struct {
	RunID      string
	SourceID   domain.SourceID
	Kind       domain.BarrierKind
	Timestamp  uint64
	PeerID     string
	RecordedAt time.Time
}

// Peer is one producer connection.
type Peer struct {
	ID             string
	Description    string
	Sources        []domain.SourceID
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Clean          bool
}
