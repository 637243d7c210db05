package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PolyPulse/pkg/config"
	xhttp "PolyPulse/pkg/http"
)

// serviceClient posts JSON to the indicator service, retrying transient failures.
type serviceClient struct {
	baseURL  string
	client   *xhttp.Client
	attempts int
	pause    time.Duration // grows linearly per attempt
}

func newServiceClient(cfg *config.Config) *serviceClient {
	timeout := cfg.Analytics.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	attempts := cfg.Analytics.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	return &serviceClient{
		baseURL:  strings.TrimRight(cfg.Analytics.IndicatorURL, "/"),
		client:   xhttp.NewClient(xhttp.WithTimeout(timeout)),
		attempts: attempts,
		pause:    50 * time.Millisecond,
	}
}

func (s *serviceClient) post(ctx context.Context, path string, in, out interface{}) error {
	if s.baseURL == "" {
		return fmt.Errorf("indicator service url not configured")
	}
	var err error
	for try := 1; ; try++ {
		if err = s.client.PostJSON(ctx, s.baseURL+path, in, out); err == nil {
			return nil
		}
		if try >= s.attempts || !xhttp.IsTransient(err) {
			return fmt.Errorf("post %s (try %d/%d): %w", path, try, s.attempts, err)
		}
		t := time.NewTimer(time.Duration(try) * s.pause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
