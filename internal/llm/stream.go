package llm

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Sink.Send once the sink can no longer
// deliver, either because the stream finished or the consumer went away.
var ErrStreamClosed = errors.New("llm: stream closed")

type streamEvent struct {
	chunk ResponseChunk
	err   error
}

// Stream is the consumer side of a chunk stream. Recv returns io.EOF once
// the producer is done or the stream was cancelled; a cancelled stream never
// yields further chunks or errors, even if some were already buffered.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events <-chan streamEvent
}

// Sink is the producer side of a Stream. It is meant for a single producer
// goroutine.
type Sink struct {
	ctx       context.Context
	events    chan<- streamEvent
	finished  bool
	closeOnce sync.Once
}

// NewStream creates a connected Stream/Sink pair. Cancelling parent or
// calling Stream.Close cancels the sink's context.
func NewStream(parent context.Context, buffer int) (*Stream, *Sink) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan streamEvent, buffer)
	return &Stream{ctx: ctx, cancel: cancel, events: ch}, &Sink{ctx: ctx, events: ch}
}

// Recv returns the next chunk. Errors are *Error values.
func (s *Stream) Recv() (ResponseChunk, error) {
	if s.ctx.Err() != nil {
		return ResponseChunk{}, io.EOF
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.cancel()
			return ResponseChunk{}, io.EOF
		}
		if s.ctx.Err() != nil {
			return ResponseChunk{}, io.EOF
		}
		return ev.chunk, ev.err
	case <-s.ctx.Done():
		return ResponseChunk{}, io.EOF
	}
}

// Close cancels the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}

// Context is cancelled when the consumer closes the stream or the parent
// context ends.
func (s *Sink) Context() context.Context { return s.ctx }

// Send delivers a chunk, blocking until the consumer takes it or the stream
// is cancelled. Nothing is delivered after a chunk carrying Finish.
func (s *Sink) Send(c ResponseChunk) error {
	if s.finished || s.ctx.Err() != nil {
		return ErrStreamClosed
	}
	if c.IsFinal() {
		s.finished = true
	}
	select {
	case s.events <- streamEvent{chunk: c}:
		return nil
	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

// Fail delivers a terminal error and closes the sink. It is a no-op after
// a Finish chunk was sent.
func (s *Sink) Fail(err error) {
	if !s.finished && err != nil && s.ctx.Err() == nil {
		s.finished = true
		select {
		case s.events <- streamEvent{err: err}:
		case <-s.ctx.Done():
		}
	}
	s.Close()
}

// Close ends the stream. Safe to call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Collect drains s into a single complete chunk.
func Collect(s *Stream) (ResponseChunk, error) {
	defer s.Close()

	var acc Accumulator
	for {
		c, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ResponseChunk{}, err
		}
		acc.Apply(c)
	}
	return acc.Chunk(), nil
}
