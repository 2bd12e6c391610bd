package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

type TaskRecord struct {
	protocol.Task
	Error      string
	UpdatedUTC time.Time
}

func (s *Store) QueueTask(req protocol.QueueTaskRequest, now time.Time) (protocol.Task, error) {
	if err := req.Validate(); err != nil {
		return protocol.Task{}, err
	}
	var payload sql.NullString
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if !json.Valid(req.Payload) {
			return protocol.Task{}, fmt.Errorf("payload must be valid JSON")
		}
		payload = sql.NullString{String: string(req.Payload), Valid: true}
	}
	ts := formatTime(now)
	res, err := s.db.Exec(`
		INSERT INTO device_tasks (device_ip, task_type, file_url, file_name, payload_json, status, created_utc, updated_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(req.DeviceIP), strings.TrimSpace(req.TaskType), strings.TrimSpace(req.FileURL), strings.TrimSpace(req.FileName), payload, protocol.TaskStatusPending, ts, ts)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Task{}, fmt.Errorf("read task id: %w", err)
	}
	rec, err := s.GetTask(protocol.TaskID(strconv.FormatInt(id, 10)))
	if err != nil {
		return protocol.Task{}, err
	}
	return rec.Task, nil
}

// PendingTasks returns up to limit pending tasks for a device, oldest first.
// Tasks stay pending, and are offered again, until a status update arrives.
func (s *Store) PendingTasks(deviceIP string, limit int) ([]protocol.Task, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT id, device_ip, task_type, file_url, file_name, payload_json, status, error_text, created_utc, updated_utc
		FROM device_tasks
		WHERE device_ip = ? AND status = ?
		ORDER BY id ASC
		LIMIT ?
	`, strings.TrimSpace(deviceIP), protocol.TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	out := []protocol.Task{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec.Task)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(id protocol.TaskID) (TaskRecord, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id.String()), 10, 64)
	if err != nil {
		return TaskRecord{}, ErrTaskNotFound
	}
	row := s.db.QueryRow(`
		SELECT id, device_ip, task_type, file_url, file_name, payload_json, status, error_text, created_utc, updated_utc
		FROM device_tasks WHERE id = ?
	`, n)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateTaskStatus(id protocol.TaskID, status, errText string, now time.Time) error {
	n, err := strconv.ParseInt(strings.TrimSpace(id.String()), 10, 64)
	if err != nil {
		return ErrTaskNotFound
	}
	var errVal sql.NullString
	if strings.TrimSpace(errText) != "" {
		errVal = sql.NullString{String: errText, Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE device_tasks SET status = ?, error_text = ?, updated_utc = ? WHERE id = ?
	`, protocol.NormalizeTaskStatus(status), errVal, formatTime(now), n)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (TaskRecord, error) {
	var (
		rec                    TaskRecord
		id                     int64
		payload, errText       sql.NullString
		createdUTC, updatedUTC string
	)
	if err := scanner.Scan(&id, &rec.DeviceIP, &rec.TaskType, &rec.FileURL, &rec.FileName, &payload, &rec.Status, &errText, &createdUTC, &updatedUTC); err != nil {
		return TaskRecord{}, err
	}
	rec.ID = protocol.TaskID(strconv.FormatInt(id, 10))
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if errText.Valid {
		rec.Error = errText.String
	}
	rec.CreatedAt = createdUTC
	rec.UpdatedUTC = parseTime(updatedUTC)
	return rec, nil
}
