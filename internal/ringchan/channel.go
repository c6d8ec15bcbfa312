// Package ringchan gives a single consumer chunked, mostly zero-copy access
// to the items in a ring buffer.
package ringchan

import (
	"errors"
	"fmt"
	"time"

	"fragorder/internal/domain"
	"fragorder/internal/ringbuf"
	"fragorder/internal/ringitem"
)

var (
	ErrClosed  = errors.New("ring channel closed")
	ErrCorrupt = errors.New("corrupt item stream")
)

type Stats struct {
	Chunks          uint64
	WrappedCopies   uint64
	BytesConsumed   uint64
	ScratchCapacity int
}

type Channel struct {
	buf     ringbuf.Buffer
	scratch []byte

	// live is the number of ring bytes described by the outstanding chunk.
	live   int
	gen    uint64
	closed bool
	stats  Stats
}

func New(buf ringbuf.Buffer) (*Channel, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil ring buffer", domain.ErrConfiguration)
	}
	if buf.Role() != ringbuf.RoleConsumer {
		return nil, fmt.Errorf("%w: ring buffer opened as %s, need consumer", domain.ErrConfiguration, buf.Role())
	}
	return &Channel{buf: buf}, nil
}

// WaitForBytes polls until at least minBytes are in the ring or maxPolls
// polls have been made (0 polls forever). It returns the number of readable
// bytes if they contain at least one complete item, otherwise 0.
func (c *Channel) WaitForBytes(minBytes, maxPolls int, pollInterval time.Duration) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if minBytes > c.buf.Capacity() {
		return 0, fmt.Errorf("%w: waiting for %d bytes in a %d byte ring", domain.ErrInvalidArgument, minBytes, c.buf.Capacity())
	}
	if err := c.release(); err != nil {
		return 0, err
	}
	for polls := 0; c.buf.AvailableData() < minBytes; {
		polls++
		if maxPolls != 0 && polls > maxPolls {
			break
		}
		if pollInterval > 0 {
			time.Sleep(pollInterval)
		}
	}
	return c.fullItem()
}

// NextChunk consumes the previous chunk and returns the next one. An empty
// chunk means no complete item is available yet.
func (c *Channel) NextChunk() (Chunk, error) {
	if c.closed {
		return Chunk{}, ErrClosed
	}
	if err := c.release(); err != nil {
		return Chunk{}, err
	}
	avail, err := c.fullItem()
	if err != nil || avail == 0 {
		return c.chunk(nil, false), err
	}

	var hdr [ringitem.MinItemSize]byte
	c.buf.Peek(hdr[:])
	first := int(ringitem.Size(hdr[:]))
	toWrap := c.buf.BytesToWrap()

	if first > toWrap {
		if cap(c.scratch) < first {
			c.scratch = make([]byte, first)
			c.stats.ScratchCapacity = first
		}
		data := c.scratch[:first]
		c.buf.Peek(data)
		c.live = first
		c.stats.WrappedCopies++
		return c.chunk(data, true), nil
	}

	window := avail
	if toWrap < window {
		window = toWrap
	}
	mem := c.buf.Pointer()[:window]
	n, err := sizeChunk(mem)
	if err != nil {
		return c.chunk(nil, false), err
	}
	c.live = n
	return c.chunk(mem[:n:n], false), nil
}

// Close consumes any outstanding chunk and drops the scratch buffer.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	err := c.release()
	c.closed = true
	c.scratch = nil
	c.stats.ScratchCapacity = 0
	return err
}

func (c *Channel) Stats() Stats { return c.stats }

func (c *Channel) release() error {
	c.gen++
	if c.live == 0 {
		return nil
	}
	n := c.live
	c.live = 0
	if err := c.buf.Skip(n); err != nil {
		return fmt.Errorf("consume chunk: %w", err)
	}
	c.stats.BytesConsumed += uint64(n)
	return nil
}

// fullItem returns the readable byte count when the ring holds at least one
// complete item.
func (c *Channel) fullItem() (int, error) {
	avail := c.buf.AvailableData()
	if avail < ringitem.MinItemSize {
		return 0, nil
	}
	var hdr [ringitem.MinItemSize]byte
	c.buf.Peek(hdr[:])
	size := ringitem.Size(hdr[:])
	if size < ringitem.MinItemSize {
		return 0, fmt.Errorf("%w: item declares %d bytes", ErrCorrupt, size)
	}
	if int(size) > avail {
		return 0, nil
	}
	return avail, nil
}

func (c *Channel) chunk(data []byte, wrapped bool) Chunk {
	if len(data) > 0 {
		c.stats.Chunks++
	}
	return Chunk{owner: c, gen: c.gen, data: data, wrapped: wrapped}
}

// sizeChunk returns the length of the run of complete items at the start
// of mem.
func sizeChunk(mem []byte) (int, error) {
	off := 0
	for len(mem)-off >= ringitem.MinItemSize {
		size := int(ringitem.Size(mem[off:]))
		if size < ringitem.MinItemSize {
			return 0, fmt.Errorf("%w: item at offset %d declares %d bytes", ErrCorrupt, off, size)
		}
		if size > len(mem)-off {
			break
		}
		off += size
	}
	return off, nil
}
