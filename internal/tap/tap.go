// Package tap encodes ordered fragments and run-control barriers as
// protobuf records for the outbound taps.
package tap

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"fragorder/internal/domain"
)

type FragmentRecord struct {
	Timestamp    uint64 `protobuf:"varint,1,opt,name=timestamp,proto3"`
	HasTimestamp bool   `protobuf:"varint,2,opt,name=has_timestamp,json=hasTimestamp,proto3"`
	SourceId     uint32 `protobuf:"varint,3,opt,name=source_id,json=sourceId,proto3"`
	Barrier      uint32 `protobuf:"varint,4,opt,name=barrier,proto3"`
	Payload      []byte `protobuf:"bytes,5,opt,name=payload,proto3"`
}

func (*FragmentRecord) Reset()         {}
func (*FragmentRecord) String() string { return "FragmentRecord" }
func (*FragmentRecord) ProtoMessage()  {}

// BarrierNotice announces that a source crossed a run boundary.
type BarrierNotice struct {
	RunId        string `protobuf:"bytes,1,opt,name=run_id,json=runId,proto3"`
	SourceId     uint32 `protobuf:"varint,2,opt,name=source_id,json=sourceId,proto3"`
	Barrier      uint32 `protobuf:"varint,3,opt,name=barrier,proto3"`
	Timestamp    uint64 `protobuf:"varint,4,opt,name=timestamp,proto3"`
	HasTimestamp bool   `protobuf:"varint,5,opt,name=has_timestamp,json=hasTimestamp,proto3"`
	EmittedAtNs  int64  `protobuf:"varint,6,opt,name=emitted_at_ns,json=emittedAtNs,proto3"`
}

func (*BarrierNotice) Reset()         {}
func (*BarrierNotice) String() string { return "BarrierNotice" }
func (*BarrierNotice) ProtoMessage()  {}

// NewFragmentRecord copies nothing: the record's payload aliases f.Payload
// until it is marshalled.
func NewFragmentRecord(f domain.Fragment) *FragmentRecord {
	rec := &FragmentRecord{
		HasTimestamp: f.HasTimestamp(),
		SourceId:     f.SourceID,
		Barrier:      uint32(f.Barrier),
		Payload:      f.Payload,
	}
	if rec.HasTimestamp {
		rec.Timestamp = f.Timestamp
	}
	return rec
}

// Fragment converts the record back, restoring NullTimestamp.
func (r *FragmentRecord) Fragment() domain.Fragment {
	f := domain.Fragment{
		Timestamp: domain.NullTimestamp,
		SourceID:  r.SourceId,
		Barrier:   domain.BarrierKind(r.Barrier),
		Size:      uint32(len(r.Payload)),
		Payload:   r.Payload,
	}
	if r.HasTimestamp {
		f.Timestamp = r.Timestamp
	}
	return f
}

func NewBarrierNotice(runID string, f domain.Fragment, emittedAtNs int64) *BarrierNotice {
	n := &BarrierNotice{
		RunId:        runID,
		SourceId:     f.SourceID,
		Barrier:      uint32(f.Barrier),
		HasTimestamp: f.HasTimestamp(),
		EmittedAtNs:  emittedAtNs,
	}
	if n.HasTimestamp {
		n.Timestamp = f.Timestamp
	}
	return n
}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func EncodeFragment(f domain.Fragment) ([]byte, error) {
	b, err := proto.Marshal(NewFragmentRecord(f))
	if err != nil {
		return nil, fmt.Errorf("marshal fragment record: %w", err)
	}
	return b, nil
}

func DecodeFragment(payload []byte) (domain.Fragment, error) {
	var rec FragmentRecord
	if err := proto.Unmarshal(payload, &rec); err != nil {
		return domain.Fragment{}, fmt.Errorf("unmarshal fragment record: %w", err)
	}
	return rec.Fragment(), nil
}

func UnmarshalBarrierNotice(payload []byte) (*BarrierNotice, error) {
	var n BarrierNotice
	if err := proto.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("unmarshal barrier notice: %w", err)
	}
	return &n, nil
}
