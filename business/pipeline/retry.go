package pipeline

import (
	"context"
	"time"

	"github.com/vobizlabs/goDialer/foundation/provider"
)

const retryBackoffBase = 250 * time.Millisecond

// withRetry runs one provider call, retrying transient failures up to
// maxRetries with exponential backoff. A fatal provider error or a
// cancelled context returns immediately.
func withRetry(ctx context.Context, maxRetries int, call func() error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if !provider.IsTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		backoff := retryBackoffBase << attempt

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
