package protocol

import (
	"encoding/json"
	"testing"
)

func TestTaskIDAcceptsStringAndNumber(t *testing.T) {
	var resp PollResponse
	body := `{"tasks":[{"id":"t1","file_url":"http://x/a.bin","file_name":"a.bin"},{"id":42,"file_url":"http://x/b.bin","file_name":"b.bin"},{"id":null}]}`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(resp.Tasks))
	}
	if resp.Tasks[0].ID != "t1" || resp.Tasks[1].ID != "42" || resp.Tasks[2].ID != "" {
		t.Fatalf("unexpected ids: %q %q %q", resp.Tasks[0].ID, resp.Tasks[1].ID, resp.Tasks[2].ID)
	}
	if resp.Tasks[0].FileName != "a.bin" || resp.Tasks[1].FileURL != "http://x/b.bin" {
		t.Fatalf("unexpected task fields: %+v", resp.Tasks)
	}
}

func TestTaskIDRejectsObjects(t *testing.T) {
	var id TaskID
	if err := json.Unmarshal([]byte(`{"a":1}`), &id); err == nil {
		t.Fatal("expected error for object task id")
	}
}

func TestTaskStatusUpdateRequestShape(t *testing.T) {
	raw, err := json.Marshal(TaskStatusUpdateRequest{TaskID: "t1", Status: TaskStatusFailed, Result: &TaskResult{Error: "download"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"taskId":"t1","status":"failed","result":{"error":"download"}}`; got != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", got, want)
	}

	raw, err = json.Marshal(TaskStatusUpdateRequest{TaskID: "t2", Status: TaskStatusCompleted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"taskId":"t2","status":"completed"}`; got != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", got, want)
	}
}

func TestTaskStatusHelpers(t *testing.T) {
	if !IsPendingTaskStatus(" Pending ") {
		t.Fatal("expected pending status to normalize")
	}
	if !IsTerminalTaskStatus("COMPLETED") || !IsTerminalTaskStatus("failed") {
		t.Fatal("expected completed and failed to be terminal")
	}
	if IsTerminalTaskStatus("pending") {
		t.Fatal("pending must not be terminal")
	}
}

func TestQueueTaskRequestValidate(t *testing.T) {
	if err := (QueueTaskRequest{DeviceIP: "10.0.0.2"}).Validate(); err == nil {
		t.Fatal("expected missing task type to be rejected")
	}
	if err := (QueueTaskRequest{DeviceIP: "10.0.0.2", TaskType: "process_file"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPollResponseKeepsTimestampsVerbatim(t *testing.T) {
	var resp PollResponse
	body := `{"tasks":[{"id":"t1","created_at":"2024-01-01 12:00:00"}],"timestamp":"2024-01-01 12:00:00"}`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	if resp.Timestamp != "2024-01-01 12:00:00" || resp.Tasks[0].CreatedAt != "2024-01-01 12:00:00" {
		t.Fatalf("unexpected timestamps: %q %q", resp.Timestamp, resp.Tasks[0].CreatedAt)
	}
}
