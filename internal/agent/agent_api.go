package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
	"github.com/izzyreal/edgeagent/internal/version"
)

// Coordinator is the agent's view of the remote coordinator. Every call is a
// single exchange with no retries; a nil error means the coordinator
// acknowledged the request.
type Coordinator interface {
	SendHeartbeat(ctx context.Context, deviceID string) error
	FetchTasks(ctx context.Context, deviceID string) ([]protocol.Task, error)
	ReportOutcome(ctx context.Context, taskID protocol.TaskID, outcome Outcome) error
}

type CoordinatorClient struct {
	baseURL  string
	client   *http.Client
	hostname string
}

func NewCoordinatorClient(baseURL string, timeout time.Duration) *CoordinatorClient {
	hostname, _ := os.Hostname()
	return &CoordinatorClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		hostname: hostname,
	}
}

func (c *CoordinatorClient) BaseURL() string {
	return c.baseURL
}

func (c *CoordinatorClient) SendHeartbeat(ctx context.Context, deviceID string) error {
	payload := protocol.HeartbeatRequest{
		DeviceIP: deviceID,
		Status:   protocol.DeviceStatusOnline,
		DeviceInfo: protocol.DeviceInfo{
			Hostname:     c.hostname,
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			Version:      version.Current(),
			TimestampUTC: time.Now().UTC(),
		},
	}
	if err := c.exchange(ctx, "heartbeat", http.MethodPost, "/api/devices/heartbeat", payload, nil); err != nil {
		return err
	}
	slog.Debug("heartbeat sent", "device_id", deviceID)
	return nil
}

func (c *CoordinatorClient) FetchTasks(ctx context.Context, deviceID string) ([]protocol.Task, error) {
	path := "/api/devices/poll?deviceIp=" + url.QueryEscape(deviceID)
	var pollResp protocol.PollResponse
	if err := c.exchange(ctx, "poll", http.MethodGet, path, nil, &pollResp); err != nil {
		return nil, err
	}
	if len(pollResp.Tasks) > 0 {
		slog.Debug("tasks fetched", "device_id", deviceID, "count", len(pollResp.Tasks))
	}
	return pollResp.Tasks, nil
}

func (c *CoordinatorClient) ReportOutcome(ctx context.Context, taskID protocol.TaskID, outcome Outcome) error {
	payload := protocol.TaskStatusUpdateRequest{
		TaskID: taskID,
		Status: outcome.Status,
	}
	if !outcome.IsCompleted() {
		payload.Result = &protocol.TaskResult{Error: outcome.Reason}
	}
	return c.exchange(ctx, "report", http.MethodPost, "/api/devices/poll", payload, nil)
}

// exchange performs one JSON request. When out is nil the response body is
// drained and ignored, since a 2xx status is the acknowledgement.
func (c *CoordinatorClient) exchange(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("marshal %s request: %w", op, err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("create %s request: %w", op, err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("send %s request: %w", op, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s rejected: status=%d body=%s", op, resp.StatusCode, bytes.TrimSpace(respBody)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s response: %w", op, err)}
	}
	return nil
}
