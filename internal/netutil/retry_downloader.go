package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with bounded retries for
// transient failures (transport errors, 429 and 5xx responses).
type RetryDownloader struct {
	Next Downloader
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration
	// OnRetry, when set, observes each failed attempt that will be retried.
	OnRetry func(url string, attempt int, err error)
}

// Download attempts the request and retries transient failures while the
// caller's context allows.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Next.Download(ctx, url)
	backoff := r.Backoff
	for attempt := 1; err != nil && attempt <= r.Retries; attempt++ {
		if !shouldRetry(err) || ctx.Err() != nil {
			return nil, err
		}
		if r.OnRetry != nil {
			r.OnRetry(url, attempt, err)
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
			backoff *= 2
		}
		body, err = r.Next.Download(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
