package builder

import (
	"encoding/json"
	"fmt"
)

// NATS subjects for the build lifecycle.
const (
	SubjectBuildCreated   = "builds.created"
	SubjectBuildCompleted = "builds.completed"
	SubjectBuildFailed    = "builds.failed"

	// QueueGroupBuilders load-balances build requests across builder
	// instances.
	QueueGroupBuilders = "builders"
)

// BuildRequestedEvent announces a new build to process.
type BuildRequestedEvent struct {
	BuildID    string `json:"build_id"`
	Name       string `json:"name"`
	SourceDir  string `json:"source_dir,omitempty"`
	RepoURL    string `json:"repo_url,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// BuildCompletedEvent reports the outcome of a build.
type BuildCompletedEvent struct {
	BuildID    string `json:"build_id"`
	Name       string `json:"name"`
	ImageTag   string `json:"image_tag,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// DecodeBuildRequestedEvent parses a build request message.
func DecodeBuildRequestedEvent(data []byte) (*BuildRequestedEvent, error) {
	var evt BuildRequestedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode build requested event: %w", err)
	}
	if evt.BuildID == "" {
		return nil, fmt.Errorf("build requested event is missing build_id")
	}
	return &evt, nil
}

// Encode marshals the event for publishing.
func (e *BuildCompletedEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build completed event: %w", err)
	}
	return data, nil
}

// Encode marshals the event for publishing.
func (e *BuildRequestedEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build requested event: %w", err)
	}
	return data, nil
}
