package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/apresai/domain-analyzer/internal/driver"
)

const (
	maxEventSize     = 1 << 20
	defaultEventName = "message"
)

// EventStream is a server-sent event subscription. It implements
// driver.EventSource.
type EventStream struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	events chan driver.StreamEvent
	done   chan struct{}
	err    error // read error; written before events is closed

	closeOnce sync.Once
}

// Subscribe opens the intent-phrase progress stream for a domain. Subscribe
// before StartIntentPhrases so no early events are missed.
func (c *Client) Subscribe(ctx context.Context, domainID int64) (*EventStream, error) {
	return c.subscribe(ctx, "/api/intent-phrases/"+itoa(domainID)+"/stream")
}

func (c *Client) subscribe(ctx context.Context, path string) (*EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	if err := checkStatus(resp, http.MethodGet, path); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	c.log.DebugContext(ctx, "Event stream opened", "path", path)

	s := &EventStream{
		cancel: cancel,
		body:   resp.Body,
		events: make(chan driver.StreamEvent),
		done:   make(chan struct{}),
	}
	go s.readLoop(streamCtx)
	return s, nil
}

// Next returns the next event, io.EOF when the server ends the stream, or
// the read error that broke it.
func (s *EventStream) Next(ctx context.Context) (driver.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return driver.StreamEvent{}, s.err
			}
			return driver.StreamEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return driver.StreamEvent{}, ctx.Err()
	}
}

// Close cancels the request and waits for the reader goroutine to exit.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
		<-s.done
	})
	return nil
}

func (s *EventStream) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	name, seen := defaultEventName, false
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev := driver.StreamEvent{Name: name, Data: bytes.TrimSuffix(bytes.Clone(data.Bytes()), []byte("\n"))}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
			name, seen = defaultEventName, false
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
			seen = true
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.err = fmt.Errorf("read event stream: %w", err)
	}
}
