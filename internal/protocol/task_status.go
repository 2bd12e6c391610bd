package protocol

import "strings"

const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

func NormalizeTaskStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsPendingTaskStatus(status string) bool {
	return NormalizeTaskStatus(status) == TaskStatusPending
}

func IsTerminalTaskStatus(status string) bool {
	switch NormalizeTaskStatus(status) {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
