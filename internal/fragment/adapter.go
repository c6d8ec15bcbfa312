// Package fragment turns ring items into ordering fragments.
package fragment

import (
	"encoding/binary"
	"fmt"

	"fragorder/internal/domain"
	"fragorder/internal/ringchan"
	"fragorder/internal/ringitem"
)

const DefaultGrowBy = 64

// TimestampExtractor reads the event timestamp out of a physics item that
// carries no body header.
type TimestampExtractor func(item []byte) uint64

// ExtractorBodyUint64 names BodyUint64 in configuration.
const ExtractorBodyUint64 = "body_u64"

// BodyUint64 reads a little-endian timestamp from the first eight body
// bytes, or NullTimestamp when the body is shorter.
func BodyUint64(item []byte) uint64 {
	body := ringitem.Body(item)
	if len(body) < 8 {
		return domain.NullTimestamp
	}
	return binary.LittleEndian.Uint64(body)
}

// ExtractorByName resolves a configured extractor. The empty name means
// none.
func ExtractorByName(name string) (TimestampExtractor, error) {
	switch name {
	case "":
		return nil, nil
	case ExtractorBodyUint64:
		return BodyUint64, nil
	default:
		return nil, fmt.Errorf("%w: unknown timestamp extractor %q", domain.ErrConfiguration, name)
	}
}

type Config struct {
	// BodyHeaders declares that items carry an embedded timestamp record.
	BodyHeaders     bool
	Extractor       TimestampExtractor
	DefaultSourceID domain.SourceID
	// TimestampOffset is added to every known timestamp.
	TimestampOffset int64
	Classifier      ringitem.Classifier
	GrowBy          int
}

func (c Config) withDefaults() Config {
	if c.Classifier == nil {
		c.Classifier = ringitem.DefaultClassifier
	}
	if c.GrowBy <= 0 {
		c.GrowBy = DefaultGrowBy
	}
	return c
}

func (c Config) Validate() error {
	if !c.BodyHeaders && c.Extractor == nil {
		return fmt.Errorf("%w: items without body headers need a timestamp extractor", domain.ErrConfiguration)
	}
	return nil
}

// Adapter describes items as fragments. The slice returned by Adapt is
// reused by the next call, and fragment payloads borrow the item memory.
type Adapter struct {
	cfg   Config
	frags []domain.Fragment
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) Adapt(chunk ringchan.Chunk) ([]domain.Fragment, error) {
	a.frags = a.frags[:0]
	it := chunk.Items()
	for it.Next() {
		a.append(a.describe(it.Item()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("adapt chunk: %w", err)
	}
	return a.frags, nil
}

// AdaptBytes adapts a buffer holding back-to-back complete items.
func (a *Adapter) AdaptBytes(items []byte) ([]domain.Fragment, error) {
	a.frags = a.frags[:0]
	for off := 0; off < len(items); {
		rest := items[off:]
		if len(rest) < ringitem.MinItemSize {
			return nil, fmt.Errorf("%w: %d trailing bytes", ringchan.ErrCorrupt, len(rest))
		}
		size := int(ringitem.Size(rest))
		if size < ringitem.MinItemSize || size > len(rest) {
			return nil, fmt.Errorf("%w: item at offset %d declares %d bytes", ringchan.ErrCorrupt, off, size)
		}
		a.append(a.describe(rest[:size:size]))
		off += size
	}
	return a.frags, nil
}

// Describe adapts a single item.
func (a *Adapter) Describe(item []byte) domain.Fragment { return a.describe(item) }

func (a *Adapter) append(f domain.Fragment) {
	if len(a.frags) == cap(a.frags) {
		grown := make([]domain.Fragment, len(a.frags), cap(a.frags)+a.cfg.GrowBy)
		copy(grown, a.frags)
		a.frags = grown
	}
	a.frags = append(a.frags, f)
}

func (a *Adapter) describe(item []byte) domain.Fragment {
	f := domain.Fragment{
		Timestamp: domain.NullTimestamp,
		SourceID:  a.cfg.DefaultSourceID,
		Size:      uint32(len(item)),
		Payload:   item,
	}
	if bh, ok := ringitem.GetBodyHeader(item); ok {
		f.Timestamp = a.offset(bh.Timestamp)
		f.SourceID = bh.SourceID
		f.Barrier = domain.BarrierKind(bh.Barrier)
		return f
	}
	itemType := ringitem.Type(item)
	f.Barrier = a.cfg.Classifier(itemType)
	if a.cfg.Extractor != nil && itemType == ringitem.PhysicsEvent {
		f.Timestamp = a.offset(a.cfg.Extractor(item))
	}
	return f
}

func (a *Adapter) offset(ts uint64) uint64 {
	if ts == domain.NullTimestamp {
		return ts
	}
	return ts + uint64(a.cfg.TimestampOffset)
}
