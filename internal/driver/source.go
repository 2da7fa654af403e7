package driver

import (
	"io"
	"sync"

	"blinkwatch/internal/model"
)

// ChannelSource adapts pushed frame samples (network ingest) to the
// driver's pull-based FrameSource. Offer never blocks the producer; a full
// buffer drops the frame, which the detector reads as a gap in the feed.
type ChannelSource struct {
	ch     chan model.FrameSample
	mu     sync.Mutex
	closed bool
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSource{ch: make(chan model.FrameSample, buffer)}
}

// Offer enqueues a sample without blocking. Returns false when the buffer
// is full or the source is closed.
func (s *ChannelSource) Offer(sample model.FrameSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- sample:
		return true
	default:
		return false
	}
}

// Next blocks until a sample arrives, returning io.EOF once the source is
// closed and drained.
func (s *ChannelSource) Next() (model.FrameSample, error) {
	sample, ok := <-s.ch
	if !ok {
		return model.FrameSample{}, io.EOF
	}
	return sample, nil
}

// Close marks the end of the stream. Buffered samples remain readable.
// Idempotent; the driver calls it on every exit path.
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
