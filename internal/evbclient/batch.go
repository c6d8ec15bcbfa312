package evbclient

import (
	"container/list"
	"fmt"

	"fragorder/internal/domain"
	"fragorder/internal/evbproto"
)

// Batch is an ordered set of fragments for one FRAGMENTS request. It refers
// to the callers' fragments and copies nothing.
type Batch []*domain.Fragment

// Chain is a singly linked fragment sequence.
type Chain struct {
	Fragment *domain.Fragment
	Next     *Chain
}

// NewChain links frags in order.
func NewChain(frags []domain.Fragment) *Chain {
	var head *Chain
	for i := len(frags) - 1; i >= 0; i-- {
		head = &Chain{Fragment: &frags[i], Next: head}
	}
	return head
}

func ChainBatch(c *Chain) Batch {
	var b Batch
	for ; c != nil; c = c.Next {
		if c.Fragment != nil {
			b = append(b, c.Fragment)
		}
	}
	return b
}

func ArrayBatch(frags []domain.Fragment) Batch {
	b := make(Batch, len(frags))
	for i := range frags {
		b[i] = &frags[i]
	}
	return b
}

// ListBatch accepts a list of *domain.Fragment.
func ListBatch(l *list.List) (Batch, error) {
	if l == nil {
		return nil, nil
	}
	b := make(Batch, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		f, ok := e.Value.(*domain.Fragment)
		if !ok || f == nil {
			return nil, fmt.Errorf("%w: list element of type %T", domain.ErrInvalidArgument, e.Value)
		}
		b = append(b, f)
	}
	return b, nil
}

// BodySize is the FRAGMENTS body length for the batch.
func (b Batch) BodySize() int { return evbproto.FragmentsBodySize(b) }
