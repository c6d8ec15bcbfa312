package domain

import "fmt"

// NullTimestamp marks a fragment whose producer supplied no timestamp.
const NullTimestamp = ^uint64(0)

type SourceID = uint32

type BarrierKind uint32

const (
	BarrierNone     BarrierKind = 0
	BarrierBeginRun BarrierKind = 1
	BarrierEndRun   BarrierKind = 2
)

func (b BarrierKind) String() string {
	switch b {
	case BarrierNone:
		return "none"
	case BarrierBeginRun:
		return "begin-run"
	case BarrierEndRun:
		return "end-run"
	default:
		return fmt.Sprintf("barrier(%d)", uint32(b))
	}
}

// Fragment is one timestamped, source-tagged ring item.
//
// Payload usually borrows memory owned by the ring channel or the adapter
// that produced it and is only valid until that producer is asked for more
// data. Use Clone to keep a fragment beyond that point.
type Fragment struct {
	Timestamp uint64
	SourceID  SourceID
	Barrier   BarrierKind
	Size      uint32
	Payload   []byte
}

func (f Fragment) IsBarrier() bool {
	return f.Barrier == BarrierBeginRun || f.Barrier == BarrierEndRun
}

func (f Fragment) HasTimestamp() bool { return f.Timestamp != NullTimestamp }

func (f Fragment) Clone() Fragment {
	f.Payload = append([]byte(nil), f.Payload...)
	return f
}
