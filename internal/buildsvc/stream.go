package buildsvc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// streamPollInterval is how often the log blob is re-read while the build
// is active.
const streamPollInterval = time.Second

// logStream tracks a byte cursor into a build's log blob so each poll only
// transfers new output.
type logStream struct {
	client *Client
	url    string
	cursor int64
}

// StreamLogs reads the build's log output incrementally, invoking fn once
// per raw line as it arrives. It returns once the build reaches a terminal
// status and no further bytes remain, or when ctx is cancelled. Transient
// read failures are retried with exponential backoff before giving up.
func (c *Client) StreamLogs(ctx context.Context, buildID, logsBucket string, fn func(line string)) error {
	stream := &logStream{
		client: c,
		url:    c.logBlobURL(buildID, logsBucket),
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	final := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := stream.drain(ctx, fn); err != nil {
			return err
		}
		if final {
			return nil
		}

		build, err := c.GetBuild(ctx, buildID)
		if err != nil {
			c.logger.Warn("build status check failed during log stream", "build_id", buildID, "error", err)
			continue
		}
		// One more read after the build goes terminal to catch trailing
		// output.
		final = !build.Active()
	}
}

// drain fetches all bytes past the cursor and emits them line by line.
func (s *logStream) drain(ctx context.Context, fn func(line string)) error {
	chunk, err := s.read(ctx)
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	s.cursor += int64(len(chunk))
	for _, line := range strings.Split(strings.TrimRight(string(chunk), "\n"), "\n") {
		fn(line)
	}
	return nil
}

// read requests the bytes past the cursor, retrying transient failures.
func (s *logStream) read(ctx context.Context) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", s.cursor))

		resp, err := s.client.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			// No new bytes yet.
			return nil, nil
		case resp.StatusCode == http.StatusNotFound:
			// Log blob may not exist until the first step writes output.
			return nil, nil
		case resp.StatusCode >= 300:
			return nil, &ServiceError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		}
		return io.ReadAll(resp.Body)
	}, policy)
}

// logBlobURL derives the log blob location from the build's logs bucket.
func (c *Client) logBlobURL(buildID, logsBucket string) string {
	bucket := strings.TrimPrefix(logsBucket, "gs://")
	return fmt.Sprintf("%s/%s/log-%s.txt", strings.TrimRight(c.cfg.LogEndpoint, "/"), bucket, buildID)
}
