package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/logctx"
)

const (
	defaultRetryTimes = 3
	defaultRetryDelay = time.Second
)

// doRequestWithRetry retries transport errors, 429 and 5xx responses with
// exponential backoff, honoring Retry-After. req must have GetBody set when it
// carries a body.
func (c *Client) doRequestWithRetry(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := logctx.LoggerFromContext(ctx)

	attempts := c.retryTimes
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("reset request body: %w", err)
			}

			req.Body = body
		}

		resp, err := c.httpClient.Do(req)

		retryAfter, retry := shouldRetry(resp, err)
		if !retry || attempt == attempts-1 {
			return resp, err
		}

		if err != nil {
			logger.Warn("retrying vendor request", "attempt", attempt+1, "max", attempts, "err", err)
		} else {
			logger.Warn("retrying vendor request", "attempt", attempt+1, "max", attempts, "status", resp.StatusCode)
			_ = resp.Body.Close()
		}

		backoff := c.retryDelay * time.Duration(1<<attempt)
		if retryAfter > 0 {
			backoff = retryAfter
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts", attempts)
}

func shouldRetry(resp *http.Response, err error) (time.Duration, bool) {
	if err != nil {
		return 0, true
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return parseRetryAfter(resp), true
	}

	return 0, false
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if when, err := http.ParseTime(v); err == nil {
		if until := time.Until(when); until > 0 {
			return until
		}
	}

	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
