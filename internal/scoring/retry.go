package scoring

import (
	"context"
	"fmt"
	"time"
)

const (
	temperature = 0.2
	maxTokens   = 1024
	maxRetries  = 3
	backoffMult = 2
)

var initialBackoff = 1 * time.Second

// askWithRetry calls fn up to maxRetries times with exponential backoff. An
// empty answer counts as a failed attempt.
func askWithRetry(ctx context.Context, provider string, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		text, err := fn(ctx)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("%s API error (attempt %d/%d): %w", provider, attempt, maxRetries, err)
		case text == "":
			lastErr = fmt.Errorf("empty response from %s (attempt %d/%d)", provider, attempt, maxRetries)
		default:
			return text, nil
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= time.Duration(backoffMult)
		}
	}

	return "", lastErr
}
