// Package ringitem describes the self-length-prefixed items that producers
// put into a ring buffer.
//
// Every item starts with an 8 byte header {size u32, type u32} where size
// counts the whole item including the header. The next u32 is the body
// header size: 0 (or 4) when the item carries no body header, otherwise the
// size of an embedded {size u32, timestamp u64, source u32, barrier u32}
// record. All integers are little endian.
package ringitem

import (
	"encoding/binary"
	"fmt"

	"fragorder/internal/domain"
)

const (
	HeaderSize     = 8
	BodyHeaderSize = 20
	MinItemSize    = 4
)

// Item types produced by the readout programs.
const (
	BeginRun           uint32 = 1
	EndRun             uint32 = 2
	PauseRun           uint32 = 3
	ResumeRun          uint32 = 4
	AbnormalEndRun     uint32 = 5
	PacketTypes        uint32 = 10
	MonitoredVariables uint32 = 11
	RingFormat         uint32 = 12
	PeriodicScalers    uint32 = 20
	PhysicsEvent       uint32 = 30
	PhysicsEventCount  uint32 = 31
	EVBFragment        uint32 = 40
	EVBUnknownPayload  uint32 = 41
	EVBGlomInfo        uint32 = 42
)

type BodyHeader struct {
	Timestamp uint64
	SourceID  uint32
	Barrier   uint32
}

// Classifier maps an item type onto the barrier it represents.
type Classifier func(itemType uint32) domain.BarrierKind

// DefaultClassifier treats begin-run items as BeginRun barriers, normal and
// abnormal end-run items as EndRun barriers and everything else as data.
func DefaultClassifier(itemType uint32) domain.BarrierKind {
	switch itemType {
	case BeginRun:
		return domain.BarrierBeginRun
	case EndRun, AbnormalEndRun:
		return domain.BarrierEndRun
	default:
		return domain.BarrierNone
	}
}

// Size reads the declared length of the item at the front of b.
func Size(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func Type(item []byte) uint32 {
	if len(item) < HeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint32(item[4:])
}

// GetBodyHeader returns the embedded ordering record if the item has one.
func GetBodyHeader(item []byte) (BodyHeader, bool) {
	if len(item) < HeaderSize+4 {
		return BodyHeader{}, false
	}
	bhs := binary.LittleEndian.Uint32(item[HeaderSize:])
	if bhs < BodyHeaderSize || len(item) < HeaderSize+BodyHeaderSize {
		return BodyHeader{}, false
	}
	p := item[HeaderSize:]
	return BodyHeader{
		Timestamp: binary.LittleEndian.Uint64(p[4:]),
		SourceID:  binary.LittleEndian.Uint32(p[12:]),
		Barrier:   binary.LittleEndian.Uint32(p[16:]),
	}, true
}

// Body returns the item bytes following the header and body header.
func Body(item []byte) []byte {
	if len(item) < HeaderSize+4 {
		return nil
	}
	bhs := binary.LittleEndian.Uint32(item[HeaderSize:])
	off := HeaderSize + 4
	if bhs >= BodyHeaderSize {
		off = HeaderSize + int(bhs)
	}
	if off > len(item) {
		return nil
	}
	return item[off:]
}

// Build serializes an item. bh may be nil for items without a body header.
func Build(itemType uint32, bh *BodyHeader, body []byte) []byte {
	n := HeaderSize + 4 + len(body)
	if bh != nil {
		n = HeaderSize + BodyHeaderSize + len(body)
	}
	out := make([]byte, n)
	binary.LittleEndian.PutUint32(out[0:], uint32(n))
	binary.LittleEndian.PutUint32(out[4:], itemType)
	p := out[HeaderSize:]
	if bh != nil {
		binary.LittleEndian.PutUint32(p[0:], BodyHeaderSize)
		binary.LittleEndian.PutUint64(p[4:], bh.Timestamp)
		binary.LittleEndian.PutUint32(p[12:], bh.SourceID)
		binary.LittleEndian.PutUint32(p[16:], bh.Barrier)
		copy(p[BodyHeaderSize:], body)
	} else {
		copy(p[4:], body)
	}
	return out
}

// BuildSized builds an item of exactly total bytes, padding the body with a
// repeating byte pattern. Used by producers that need precise item sizes.
func BuildSized(itemType uint32, bh *BodyHeader, total int) ([]byte, error) {
	floor := HeaderSize + 4
	if bh != nil {
		floor = HeaderSize + BodyHeaderSize
	}
	if total < floor {
		return nil, fmt.Errorf("item size %d below minimum %d", total, floor)
	}
	body := make([]byte, total-floor)
	for i := range body {
		body[i] = byte(i)
	}
	return Build(itemType, bh, body), nil
}
