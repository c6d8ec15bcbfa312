package ringchan

import (
	"fmt"

	"fragorder/internal/domain"
	"fragorder/internal/ringitem"
)

// Chunk is a borrowed view of one or more complete items. It stays valid
// until the next NextChunk, WaitForBytes or Close on the channel that
// produced it.
type Chunk struct {
	owner   *Channel
	gen     uint64
	data    []byte
	wrapped bool
}

func (c Chunk) Len() int { return len(c.data) }

func (c Chunk) Empty() bool { return len(c.data) == 0 }

// Bytes returns the chunk memory, or nil once the chunk is stale.
func (c Chunk) Bytes() []byte {
	if !c.Valid() {
		return nil
	}
	return c.data
}

// Wrapped reports whether the chunk is backed by the channel's scratch
// buffer rather than by ring memory.
func (c Chunk) Wrapped() bool { return c.wrapped }

func (c Chunk) Valid() bool {
	return c.owner != nil && !c.owner.closed && c.owner.gen == c.gen
}

func (c Chunk) Items() *ItemIterator { return &ItemIterator{chunk: c} }

// ItemIterator walks the items of a chunk once, front to back.
type ItemIterator struct {
	chunk Chunk
	off   int
	item  []byte
	err   error
}

func (it *ItemIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.chunk.Valid() {
		if len(it.chunk.data) > 0 {
			it.err = domain.ErrStaleChunk
		}
		it.item = nil
		return false
	}
	rest := it.chunk.data[it.off:]
	if len(rest) == 0 {
		it.item = nil
		return false
	}
	size := len(rest) + 1
	if len(rest) >= ringitem.MinItemSize {
		size = int(ringitem.Size(rest))
	}
	if size < ringitem.MinItemSize || size > len(rest) {
		it.err = fmt.Errorf("%w: item at offset %d declares %d bytes", ErrCorrupt, it.off, size)
		it.item = nil
		return false
	}
	it.item = rest[:size:size]
	it.off += size
	return true
}

func (it *ItemIterator) Item() []byte { return it.item }

func (it *ItemIterator) Err() error { return it.err }
