package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskID is the coordinator's opaque task token. Coordinators emit it either as a
// JSON string or as a number; both decode to the same textual form.
type TaskID string

func (id *TaskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task id must be a string or number: %w", err)
	}
	*id = TaskID(n.String())
	return nil
}

func (id TaskID) String() string {
	return string(id)
}

// Task is one work item as offered by a poll. CreatedAt is kept verbatim
// because coordinators disagree on its layout.
type Task struct {
	ID        TaskID          `json:"id"`
	DeviceIP  string          `json:"device_ip,omitempty"`
	TaskType  string          `json:"task_type,omitempty"`
	FileURL   string          `json:"file_url"`
	FileName  string          `json:"file_name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// PollResponse carries the envelope timestamp as text for the same reason as
// Task.CreatedAt; the agent never interprets it.
type PollResponse struct {
	Tasks     []Task `json:"tasks"`
	DeviceIP  string `json:"deviceIp,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

type TaskStatusUpdateRequest struct {
	TaskID TaskID      `json:"taskId"`
	Status string      `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
}

type TaskResult struct {
	Error string `json:"error,omitempty"`
}

type TaskStatusUpdateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type QueueTaskRequest struct {
	DeviceIP string          `json:"deviceIp"`
	TaskType string          `json:"taskType"`
	FileURL  string          `json:"fileUrl,omitempty"`
	FileName string          `json:"fileName,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type QueueTaskResponse struct {
	Success bool   `json:"success"`
	TaskID  TaskID `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r QueueTaskRequest) Validate() error {
	if strings.TrimSpace(r.DeviceIP) == "" || strings.TrimSpace(r.TaskType) == "" {
		return fmt.Errorf("device ip and task type are required")
	}
	return nil
}
