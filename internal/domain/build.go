package domain

import "time"

// Build status values reported by the build service. Unknown statuses are
// passed through verbatim.
const (
	BuildQueued    = "QUEUED"
	BuildWorking   = "WORKING"
	BuildSuccess   = "SUCCESS"
	BuildFailure   = "FAILURE"
	BuildTimeout   = "TIMEOUT"
	BuildCancelled = "CANCELLED"
)

// VersionSubstitution is the build parameter carrying the generated release tag.
const VersionSubstitution = "_VERSION"

// BuildRef is a snapshot of one build-service job.
type BuildRef struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	CreateTime    time.Time         `json:"createTime"`
	Substitutions map[string]string `json:"substitutions"`
	LogsBucket    string            `json:"logsBucket"`
	LogURL        string            `json:"logUrl,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// Active reports whether the build is still queued or running.
func (b BuildRef) Active() bool {
	return b.Status == BuildQueued || b.Status == BuildWorking
}

// Version returns the release tag the build was triggered with.
func (b BuildRef) Version() string {
	return b.Substitutions[VersionSubstitution]
}
