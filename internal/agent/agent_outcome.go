package agent

import (
	"strings"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

const (
	ReasonDownload         = "download"
	ReasonStorage          = "storage"
	ReasonProcessingPrefix = "processing:"
)

// Outcome is the terminal result of one task attempt.
type Outcome struct {
	Status string
	Reason string
}

func Completed() Outcome {
	return Outcome{Status: protocol.TaskStatusCompleted}
}

func Failed(reason string) Outcome {
	return Outcome{Status: protocol.TaskStatusFailed, Reason: reason}
}

func (o Outcome) IsCompleted() bool {
	return o.Status == protocol.TaskStatusCompleted
}

// Step names the pipeline step a failed outcome came from, for logs and metrics.
func (o Outcome) Step() string {
	switch {
	case o.IsCompleted():
		return "none"
	case strings.HasPrefix(o.Reason, ReasonProcessingPrefix):
		return "processing"
	case o.Reason == ReasonDownload, o.Reason == ReasonStorage:
		return o.Reason
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	if o.IsCompleted() {
		return o.Status
	}
	return o.Status + "{" + o.Reason + "}"
}
