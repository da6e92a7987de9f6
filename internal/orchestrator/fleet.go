package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
)

// fetchResult pairs an application name with its freshly observed state.
type fetchResult struct {
	name   string
	status domain.AppStatus
}

// fetchApp requests the application's status document. Non-JSON and non-2xx
// responses are soft failures for this cycle.
func (o *Orchestrator) fetchApp(ctx context.Context, app domain.Application) (domain.AppStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.AppTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, app.URL, nil)
	if err != nil {
		return domain.AppStatus{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.AppStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return domain.AppStatus{}, fmt.Errorf("app %s returned status %d", app.Name, resp.StatusCode)
	}

	var status domain.AppStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return domain.AppStatus{}, fmt.Errorf("app %s returned invalid JSON: %w", app.Name, err)
	}
	return status, nil
}

// fetchFleet polls every application concurrently and returns the successful
// observations. Fetch failures are logged at warning level and counted, never
// fatal: an app that keeps erroring simply never converges.
func (o *Orchestrator) fetchFleet(ctx context.Context) []fetchResult {
	apps := o.registry.All()
	results := make([]fetchResult, len(apps))
	ok := make([]bool, len(apps))

	var g errgroup.Group
	for i, app := range apps {
		i, app := i, app
		g.Go(func() error {
			status, err := o.fetchApp(ctx, app)
			if err != nil {
				o.logger.Warn("app fetch failed", "app", app.Name, "error", err)
				return nil
			}
			results[i] = fetchResult{name: app.Name, status: status}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	fetched := results[:0]
	for i := range results {
		if ok[i] {
			fetched = append(fetched, results[i])
		}
	}
	return fetched
}

// pollFleet runs one monitor cycle: fetch every app, record the ones that
// now report the target version and announce each transition.
func (o *Orchestrator) pollFleet(ctx context.Context, version string, start time.Time, waiting map[string]struct{}) {
	for _, result := range o.fetchFleet(ctx) {
		app, exists := o.registry.Get(result.name)
		if !exists {
			continue
		}
		if result.status.Version == app.Version || result.status.Version != version {
			continue
		}

		o.logger.Info("new version detected", "app", app.Name,
			"previous", app.Version, "version", result.status.Version)
		updated := app
		updated.Version = result.status.Version
		updated.Theme = result.status.Theme
		updated.UpdatedAt = time.Now().UTC()
		o.registry.Replace(updated)
		delete(waiting, app.Name)

		o.notifier.Send(domain.TopicAppUpdated, map[string]any{
			"app":      updated,
			"duration": time.Since(start).Seconds(),
		})
	}
}

// RefreshFleet fetches every application once and records whatever versions
// they currently report. Used at startup so the dashboard opens with live
// data; changed apps are announced on the refresh-app topic.
func (o *Orchestrator) RefreshFleet(ctx context.Context) {
	for _, result := range o.fetchFleet(ctx) {
		app, exists := o.registry.Get(result.name)
		if !exists {
			continue
		}
		changed := app.Version != result.status.Version
		app.Version = result.status.Version
		app.Theme = result.status.Theme
		app.UpdatedAt = time.Now().UTC()
		o.registry.Replace(app)
		if changed {
			o.notifier.Send(domain.TopicRefreshApp, map[string]any{"app": app})
		}
	}
}
