package coordinator

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/httpx"
	"github.com/izzyreal/edgeagent/internal/protocol"
	"github.com/izzyreal/edgeagent/internal/store"
	"github.com/izzyreal/edgeagent/internal/version"
)

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Current()})
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var hb protocol.HeartbeatRequest
	if err := httpx.DecodeJSON(r, &hb); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(hb.DeviceIP) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "device ip is required")
		return
	}

	now := s.now().UTC()
	if err := s.store.UpsertHeartbeat(hb.DeviceIP, hb.Status, hb.DeviceInfo, now); err != nil {
		slog.Error("record heartbeat", "device_ip", hb.DeviceIP, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	slog.Debug("heartbeat", "device_ip", hb.DeviceIP, "hostname", hb.DeviceInfo.Hostname, "version", hb.DeviceInfo.Version)
	httpx.WriteJSON(w, http.StatusOK, protocol.HeartbeatResponse{Success: true, Timestamp: now})
}

// pollHandler returns the device's oldest pending tasks. Polling also counts
// as a sign of life.
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	deviceIP := strings.TrimSpace(r.URL.Query().Get("deviceIp"))
	if deviceIP == "" {
		httpx.WriteError(w, http.StatusBadRequest, "device ip is required")
		return
	}

	now := s.now().UTC()
	if err := s.store.TouchDevice(deviceIP, now); err != nil {
		slog.Error("refresh device on poll", "device_ip", deviceIP, "error", err)
	}
	tasks, err := s.store.PendingTasks(deviceIP, s.cfg.PollLimit)
	if err != nil {
		slog.Error("load pending tasks", "device_ip", deviceIP, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.PollResponse{Tasks: tasks, DeviceIP: deviceIP, Timestamp: now.Format(time.RFC3339Nano)})
}

func (s *Server) taskStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskStatusUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := protocol.NormalizeTaskStatus(req.Status)
	if req.TaskID == "" || status == "" {
		httpx.WriteError(w, http.StatusBadRequest, "task id and status are required")
		return
	}
	if !protocol.IsTerminalTaskStatus(status) && !protocol.IsPendingTaskStatus(status) {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported task status "+status)
		return
	}

	errText := ""
	if req.Result != nil {
		errText = req.Result.Error
	}
	err := s.store.UpdateTaskStatus(req.TaskID, status, errText, s.now().UTC())
	if errors.Is(err, store.ErrTaskNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		slog.Error("update task status", "task_id", req.TaskID, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	slog.Info("task status updated", "task_id", req.TaskID, "status", status, "error", errText)
	httpx.WriteJSON(w, http.StatusOK, protocol.TaskStatusUpdateResponse{Success: true})
}

func (s *Server) queueTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.QueueTaskRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.QueueTask(req, s.now().UTC())
	if err != nil {
		slog.Error("queue task", "device_ip", req.DeviceIP, "error", err)
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("task queued", "task_id", task.ID, "device_ip", task.DeviceIP, "task_type", task.TaskType)
	httpx.WriteJSON(w, http.StatusOK, protocol.QueueTaskResponse{Success: true, TaskID: task.ID, Message: "task queued"})
}

func (s *Server) listDevicesHandler(w http.ResponseWriter, _ *http.Request) {
	records, err := s.store.ListDevices()
	if err != nil {
		slog.Error("list devices", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	now := s.now().UTC()
	views := make([]protocol.DeviceView, 0, len(records))
	for _, rec := range records {
		views = append(views, protocol.DeviceView{
			DeviceIP:    rec.DeviceIP,
			Status:      rec.Status,
			LastSeenUTC: rec.LastSeenUTC,
			Online:      now.Sub(rec.LastSeenUTC) <= s.cfg.OnlineWindow,
			NeedsUpdate: version.Outdated(rec.Info.Version, s.cfg.AgentVersion),
			DeviceInfo:  rec.Info,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.DevicesResponse{Devices: views})
}
