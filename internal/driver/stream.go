package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/apresai/domain-analyzer/internal/progress"
)

const defaultIdleTimeout = 2 * time.Minute

// StreamError is the payload of an error event pushed by the backend.
type StreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream error [%s]: %s", e.Code, e.Message)
	}
	return "stream error: " + e.Message
}

// Stream advances stages from events pushed over a one-way stream. Events
// are applied in arrival order with no reordering or deduplication.
type Stream struct {
	Source      EventSource
	Phases      PhaseTable
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Run consumes the source until a complete or error event, stream end, idle
// timeout or cancellation. The source is closed on every exit path. On error
// events, timeouts and premature stream end the running stages are marked
// failed.
func (s *Stream) Run(ctx context.Context, list *progress.StageList) (Outcome, error) {
	defer s.Source.Close()

	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	for {
		nextCtx, cancel := context.WithTimeout(ctx, idle)
		ev, err := s.Source.Next(nextCtx)
		cancel()

		if ctx.Err() != nil {
			return OutcomeCanceled, ctx.Err()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				failRunning(list, "timed out waiting for progress")
				return OutcomeFailed, fmt.Errorf("%w after %s", ErrStreamTimeout, idle)
			}
			if errors.Is(err, io.EOF) {
				failRunning(list, "stream closed")
				return OutcomeFailed, ErrStreamClosed
			}
			failRunning(list, err.Error())
			return OutcomeFailed, fmt.Errorf("read progress stream: %w", err)
		}

		switch ev.Name {
		case EventProgress:
			var pe progress.Event
			if err := json.Unmarshal(ev.Data, &pe); err != nil {
				log.WarnContext(ctx, "Dropping malformed progress event", "error", err)
				continue
			}
			if _, ok := s.Phases.Index(pe.Phase); !ok {
				log.DebugContext(ctx, "Ignoring unmapped phase", "phase", pe.Phase)
				continue
			}
			Apply(list, s.Phases, pe)

		case EventComplete:
			log.DebugContext(ctx, "Progress stream complete", "payload_bytes", len(ev.Data))
			return OutcomeCompleted, nil

		case EventError:
			se := &StreamError{}
			if err := json.Unmarshal(ev.Data, se); err != nil || se.Message == "" {
				se.Message = string(ev.Data)
			}
			failRunning(list, se.Message)
			return OutcomeFailed, se

		default:
			// Keep-alives and other named events are not progress.
		}
	}
}

func failRunning(list *progress.StageList, reason string) {
	failed := progress.StatusFailed
	for _, i := range list.Active() {
		list.SetStage(i, progress.StageUpdate{Status: &failed, Description: &reason})
	}
}
