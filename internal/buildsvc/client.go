// Package buildsvc talks to the external build service: triggering builds,
// fetching their status and streaming their log output.
package buildsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
)

// activeFilter selects in-flight deployment builds server-side.
const activeFilter = `(status="QUEUED" OR status="WORKING") AND tags="app"`

// Config identifies the build pipeline and the endpoints used to reach it.
type Config struct {
	APIURL      string
	ProjectID   string
	TriggerID   string
	LogEndpoint string
	RepoName    string
	BranchName  string
}

// Client is an HTTP client for the build service. Construct it once at
// startup and inject it wherever builds are managed.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New returns a build service client. A nil httpClient gets a 30s-timeout
// default; log streaming overrides the timeout per request.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Trigger starts a build with the given parameter substitutions.
func (c *Client) Trigger(ctx context.Context, substitutions map[string]string) (domain.BuildRef, error) {
	payload, err := json.Marshal(map[string]any{
		"repoName":      c.cfg.RepoName,
		"branchName":    c.cfg.BranchName,
		"substitutions": substitutions,
	})
	if err != nil {
		return domain.BuildRef{}, err
	}
	endpoint := fmt.Sprintf("%s/%s:run", c.cfg.APIURL, c.cfg.TriggerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.BuildRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.BuildRef{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		c.logger.Error("build trigger rejected", "status", resp.StatusCode, "message", msg)
		return domain.BuildRef{}, &TriggerError{StatusCode: resp.StatusCode, Message: msg}
	}

	var operation struct {
		Metadata struct {
			Build domain.BuildRef `json:"build"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&operation); err != nil {
		return domain.BuildRef{}, fmt.Errorf("decode trigger response: %w", err)
	}
	return operation.Metadata.Build, nil
}

// GetBuild fetches the current status of a build.
func (c *Client) GetBuild(ctx context.Context, id string) (domain.BuildRef, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/builds/%s", c.cfg.APIURL, c.cfg.ProjectID, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.BuildRef{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.BuildRef{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.BuildRef{}, fmt.Errorf("build %s: %w", id, ErrBuildNotFound)
	}
	if resp.StatusCode >= 300 {
		return domain.BuildRef{}, &ServiceError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var build domain.BuildRef
	if err := json.NewDecoder(resp.Body).Decode(&build); err != nil {
		return domain.BuildRef{}, fmt.Errorf("decode build %s: %w", id, err)
	}
	return build, nil
}

// ListActive returns the builds currently queued or running for the
// deployment pipeline. An empty fleet of builds is not an error.
func (c *Client) ListActive(ctx context.Context) ([]domain.BuildRef, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/builds?filter=%s",
		c.cfg.APIURL, c.cfg.ProjectID, url.QueryEscape(activeFilter))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var result struct {
		Builds []domain.BuildRef `json:"builds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode active builds: %w", err)
	}
	return result.Builds, nil
}

// readErrorMessage extracts the upstream error message from a response body,
// falling back to the raw body text.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "unknown error"
	}
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}
