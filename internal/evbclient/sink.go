package evbclient

import (
	"context"

	"fragorder/internal/domain"
)

// BatchSink collects merged fragments and submits them in batches of Size.
// It copies payloads, so it can sit behind sources that reuse memory.
type BatchSink struct {
	Client *Client
	Size   int

	pending []domain.Fragment
	sent    uint64
}

func NewBatchSink(c *Client, size int) *BatchSink {
	if size <= 0 {
		size = 1
	}
	return &BatchSink{Client: c, Size: size}
}

func (s *BatchSink) Emit(ctx context.Context, f domain.Fragment) error {
	s.pending = append(s.pending, f.Clone())
	if len(s.pending) < s.Size {
		return nil
	}
	return s.Flush(ctx)
}

// Flush submits whatever is pending. Nothing is sent when the batch is
// empty.
func (s *BatchSink) Flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.Client.SubmitArray(ctx, s.pending); err != nil {
		return err
	}
	s.sent += uint64(len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

func (s *BatchSink) Sent() uint64 { return s.sent }
