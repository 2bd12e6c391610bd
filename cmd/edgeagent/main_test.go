package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/protocol"
	"github.com/izzyreal/edgeagent/internal/store"
)

func TestUsageWritesExpectedText(t *testing.T) {
	out := captureStderr(t, usage)
	if !strings.Contains(out, "edgeagent - device agent") {
		t.Fatalf("missing usage title, got: %q", out)
	}
	for _, cmd := range []string{"agent", "coordinator", "all-in-one", "version"} {
		if !strings.Contains(out, "  "+cmd+" ") {
			t.Fatalf("missing %s in usage: %q", cmd, out)
		}
	}
}

func TestLoadConfigFromFlag(t *testing.T) {
	t.Setenv("EDGEAGENT_CONFIG", "")
	path := filepath.Join(t.TempDir(), "edgeagent.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nagent:\n  device_id: dev-7\n  poll_interval: 3s\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig("agent", []string{"-config", path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Agent.DeviceID != "dev-7" || cfg.Agent.PollInterval != 3*time.Second {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeagent.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nagent:\n  device_id: from-env\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("EDGEAGENT_CONFIG", path)
	cfg, err := loadConfig("coordinator", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Agent.DeviceID != "from-env" {
		t.Fatalf("expected config from EDGEAGENT_CONFIG, got %+v", cfg.Agent)
	}
}

func TestLoadConfigRejectsExtraArgs(t *testing.T) {
	t.Setenv("EDGEAGENT_CONFIG", "")
	_, err := loadConfig("agent", []string{"extra"})
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments: extra") {
		t.Fatalf("expected unexpected arguments error, got %v", err)
	}
}

func TestLocalCoordinatorURL(t *testing.T) {
	cases := map[string]string{
		":3000":          "http://127.0.0.1:3000",
		"0.0.0.0:8080":   "http://127.0.0.1:8080",
		"10.0.0.2:3000":  "http://10.0.0.2:3000",
		" localhost:90 ": "http://localhost:90",
	}
	for in, want := range cases {
		if got := localCoordinatorURL(in); got != want {
			t.Fatalf("localCoordinatorURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestAllInOneDrainsAgainstLiveCoordinator(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("DATA"))
	}))
	t.Cleanup(files.Close)

	tmp := t.TempDir()
	coordAddr := freeLocalAddr(t)
	statusAddr := freeLocalAddr(t)
	cfg := config.File{
		Agent: config.Agent{
			DeviceID:           "10.0.0.5",
			HeartbeatInterval:  time.Minute,
			PollInterval:       20 * time.Millisecond,
			RequestTimeout:     2 * time.Second,
			DownloadTimeout:    2 * time.Second,
			StorageDir:         filepath.Join(tmp, "storage"),
			MaxConcurrentTasks: 2,
			DrainTimeout:       10 * time.Second,
			StatusAddr:         statusAddr,
			Processing:         config.Processing{Mode: config.ProcessingDelay, Delay: time.Second},
		},
		Coordinator: config.Coordinator{
			Addr:         coordAddr,
			DBPath:       filepath.Join(tmp, "edgecoord.db"),
			OnlineWindow: 2 * time.Minute,
			PollLimit:    5,
		},
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runAllInOne(ctx, cfg)
	}()

	coordURL := "http://" + coordAddr
	eventually(t, 5*time.Second, func() bool {
		resp, err := http.Get(coordURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	body, _ := json.Marshal(protocol.QueueTaskRequest{
		DeviceIP: "10.0.0.5",
		TaskType: "recognize",
		FileURL:  files.URL + "/a.bin",
		FileName: "a.bin",
	})
	resp, err := http.Post(coordURL+"/api/devices/queue-task", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("queue task: %v", err)
	}
	var queued protocol.QueueTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil || queued.TaskID == "" {
		resp.Body.Close()
		t.Fatalf("decode queue response: %+v %v", queued, err)
	}
	resp.Body.Close()

	eventually(t, 5*time.Second, func() bool {
		resp, err := http.Get("http://" + statusAddr + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			InFlight []string `json:"in_flight"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return slices.Contains(status.InFlight, queued.TaskID.String())
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runAllInOne: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runAllInOne did not return after cancellation")
	}

	st, err := store.Open(cfg.Coordinator.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	rec, err := st.GetTask(queued.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if rec.Status != protocol.TaskStatusCompleted {
		t.Fatalf("expected in-flight task to finish and report before shutdown, got status %q", rec.Status)
	}
}

func freeLocalAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stderr = w
	done := make(chan string, 1)
	go func() {
		raw, _ := io.ReadAll(r)
		done <- string(raw)
	}()
	fn()
	_ = w.Close()
	os.Stderr = orig
	return <-done
}
