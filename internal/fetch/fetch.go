package fetch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/undp-data/dfpp/internal/catalog"
)

// Payload is the raw content returned by a downloader.
type Payload struct {
	Data        []byte
	ContentType string
}

// Downloader performs one download attempt for a source. Implementations
// must return promptly once ctx is done.
type Downloader interface {
	Download(ctx context.Context, src catalog.Source) (Payload, error)
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(ctx context.Context, src catalog.Source) (Payload, error)

// Download implements Downloader.
func (f DownloaderFunc) Download(ctx context.Context, src catalog.Source) (Payload, error) {
	return f(ctx, src)
}

// Policy bounds the attempts made by Do.
type Policy struct {
	// MaxRetries is the total number of attempts. Values below 1 mean 1.
	MaxRetries int

	// AttemptTimeout bounds a single attempt. Zero disables it.
	AttemptTimeout time.Duration

	// Backoff is the delay before the second attempt, doubled for each
	// further attempt up to MaxBackoff. Zero retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Do runs d against src under p. Retryable failures are retried until the
// attempt budget is spent, after which the last error is returned; any
// other failure is returned immediately. Do stops as soon as ctx is done,
// so no attempt starts after cancellation. The returned int is the number
// of attempts made.
func Do(ctx context.Context, d Downloader, src catalog.Source, p Policy) (Payload, int, error) {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var last *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := p.wait(ctx, attempt-1); err != nil {
				return Payload{}, attempt - 1, &Error{Kind: kindOf(err), Attempts: attempt - 1, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return Payload{}, attempt - 1, &Error{Kind: kindOf(err), Attempts: attempt - 1, Err: err}
		}

		payload, err := p.attempt(ctx, d, src)
		if err == nil {
			return payload, attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Payload{}, attempt, &Error{Kind: kindOf(ctxErr), Attempts: attempt, Err: err}
		}

		last = Classify(err)
		last.Attempts = attempt
		if !last.Retryable() {
			return Payload{}, attempt, last
		}
	}
	return Payload{}, attempts, last
}

func (p Policy) attempt(ctx context.Context, d Downloader, src catalog.Source) (Payload, error) {
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}
	return d.Download(ctx, src)
}

// wait sleeps before retry number n (1-based) with 0.5x-1.5x jitter.
func (p Policy) wait(ctx context.Context, n int) error {
	if p.Backoff <= 0 {
		return ctx.Err()
	}
	backoff := p.Backoff * time.Duration(1<<uint(n-1))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
