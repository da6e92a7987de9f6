package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
	"github.com/christippett/7apps-in-7minutes/internal/logparse"
)

// streamBuildLogs pipes the build's log output through the parser into the
// notification broker, framed by a header and footer. A second stream for
// the same build is a no-op.
func (o *Orchestrator) streamBuildLogs(build domain.BuildRef) {
	o.mu.Lock()
	if _, dup := o.streaming[build.ID]; dup {
		o.mu.Unlock()
		o.logger.Debug("log stream already in progress", "build_id", build.ID)
		return
	}
	o.streaming[build.ID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.streaming, build.ID)
		o.mu.Unlock()
	}()

	o.logger.Info("streaming build logs", "build_id", build.ID)
	o.notifier.Send(domain.TopicBuild, map[string]any{"id": build.ID, "status": "started"})

	o.emitRecord(domain.LogRecord{
		Text:    "Streaming build logs",
		Section: domain.SectionHeader,
		Type:    domain.TypeAsciiArt,
	})
	o.emitRecord(separatorRecord(domain.SectionHeader))

	section := domain.SectionNone
	err := o.builds.StreamLogs(o.baseCtx, build.ID, build.LogsBucket, func(line string) {
		rec := logparse.Parse(line, section)
		section = rec.Section
		o.emitRecord(rec)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("log stream ended with error", "build_id", build.ID, "error", err)
	}

	o.emitRecord(separatorRecord(domain.SectionFooter))
	o.emitRecord(domain.LogRecord{
		Text:    "Deployment complete!",
		Section: domain.SectionFooter,
		Type:    domain.TypeAsciiArt,
	})

	o.notifier.Send(domain.TopicBuild, map[string]any{"id": build.ID, "status": "finished"})
	o.logger.Info("finished streaming build logs", "build_id", build.ID)
}

// emitRecord publishes one structured log record on the log topic. The raw
// line stays out of the payload.
func (o *Orchestrator) emitRecord(rec domain.LogRecord) {
	data := map[string]any{
		"text": rec.Text,
		"type": string(rec.Type),
	}
	if rec.Section != domain.SectionNone {
		data["section"] = string(rec.Section)
	}
	if rec.Step != nil {
		data["step"] = *rec.Step
	}
	if rec.StepID != "" {
		data["step_id"] = rec.StepID
	}
	o.notifier.Send(domain.TopicLog, data)
}

func separatorRecord(section domain.LogSection) domain.LogRecord {
	return domain.LogRecord{
		Text:    strings.Repeat("-", 66),
		Section: section,
		Type:    domain.TypeSeparator,
	}
}
