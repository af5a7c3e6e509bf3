package driver

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/apresai/domain-analyzer/internal/progress"
)

// Named events on the progress stream.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// StreamEvent is one named message from a one-way event stream.
type StreamEvent struct {
	Name string
	Data []byte
}

// EventSource yields stream events in arrival order. Next returns io.EOF once
// the stream has ended. Close releases the underlying subscription and is
// safe to call more than once.
type EventSource interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// ProgressEvent encodes ev as a progress stream event.
func ProgressEvent(ev progress.Event) StreamEvent {
	data, _ := json.Marshal(ev)
	return StreamEvent{Name: EventProgress, Data: data}
}

// ChanSource is an in-memory EventSource fed by Send.
type ChanSource struct {
	ch        chan StreamEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewChanSource creates a source buffering up to size events.
func NewChanSource(size int) *ChanSource {
	return &ChanSource{
		ch:   make(chan StreamEvent, size),
		done: make(chan struct{}),
	}
}

// Send queues ev. It returns false if the source was closed or ctx ended.
func (s *ChanSource) Send(ctx context.Context, ev StreamEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Next blocks until an event arrives, the source closes or ctx ends. Events
// queued before Close are still delivered.
func (s *ChanSource) Next(ctx context.Context) (StreamEvent, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return StreamEvent{}, io.EOF
	case <-ctx.Done():
		return StreamEvent{}, ctx.Err()
	}
}

// Close ends the stream.
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *ChanSource) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
