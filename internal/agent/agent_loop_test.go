package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

func TestLoopSurvivesFailingPolls(t *testing.T) {
	t.Parallel()

	coord := &fakeCoordinator{fetch: func(int) ([]protocol.Task, error) {
		return nil, &TransportError{Op: "poll", Err: errors.New("connection refused")}
	}}
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Hour, PollInterval: time.Millisecond, DrainTimeout: time.Second}, coord, runnerFunc(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		_, fetches, _ := coord.counts()
		return fetches >= 10
	})
	if got := a.State(); got != StateRunning {
		t.Fatalf("loop state = %q while polls fail", got)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if got := a.State(); got != StateStopped {
		t.Fatalf("state after stop = %q", got)
	}
	if snap := a.Snapshot(); snap.Stats.Cycles < 10 || snap.Stats.PollsErr < 10 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

// Task k fails at step k mod 4: download, storage, processing, then report.
func TestTaskIsolationAcrossSteps(t *testing.T) {
	t.Parallel()

	const n = 12
	served := map[string]string{}
	tasks := make([]protocol.Task, 0, n)
	for k := 0; k < n; k++ {
		name := fmt.Sprintf("file-%d.bin", k)
		id := protocol.TaskID(fmt.Sprintf("t%d", k))
		task := protocol.Task{ID: id, FileName: name}
		switch k % 4 {
		case 0:
			task.FileURL = "/missing/" + name
		case 1:
			served["/files/"+name] = "DATA"
			task.FileName = "../" + name
			task.FileURL = "/files/" + name
		case 2:
			served["/files/"+name] = "BAD"
			task.FileURL = "/files/" + name
		case 3:
			served["/files/"+name] = "DATA"
			task.FileURL = "/files/" + name
		}
		tasks = append(tasks, task)
	}
	files := newFileServer(t, served)
	for i := range tasks {
		tasks[i].FileURL = files.URL + tasks[i].FileURL
	}

	coord := &fakeCoordinator{report: func(id protocol.TaskID) error {
		var k int
		fmt.Sscanf(string(id), "t%d", &k)
		if k%4 == 3 {
			return &TransportError{Op: "report", StatusCode: 502, Err: errors.New("report rejected: status=502")}
		}
		return nil
	}}
	exec, storage := newTestExecutor(t, coord, ProcessorFunc(func(_ context.Context, req ProcessRequest) error {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return err
		}
		if string(data) == "BAD" {
			return errors.New("bad content")
		}
		return nil
	}))

	var mu sync.Mutex
	results := map[protocol.TaskID]Result{}
	runner := runnerFunc(func(ctx context.Context, task protocol.Task) Result {
		res := exec.Run(ctx, task)
		mu.Lock()
		results[task.ID] = res
		mu.Unlock()
		return res
	})
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Hour, PollInterval: time.Second, MaxConcurrentTasks: n}, coord, runner)
	a.dispatch(context.Background(), tasks)
	a.wg.Wait()

	for k, task := range tasks {
		res := results[task.ID]
		reports := coord.reportsFor(task.ID)
		if len(reports) != 1 {
			t.Fatalf("task %d: expected one report, got %d", k, len(reports))
		}
		switch k % 4 {
		case 0:
			if res.Outcome != Failed(ReasonDownload) {
				t.Fatalf("task %d: want download failure, got %v", k, res.Outcome)
			}
		case 1:
			if res.Outcome != Failed(ReasonStorage) {
				t.Fatalf("task %d: want storage failure, got %v", k, res.Outcome)
			}
		case 2:
			if res.Outcome != Failed("processing:bad content") {
				t.Fatalf("task %d: want processing failure, got %v", k, res.Outcome)
			}
		case 3:
			if !res.Outcome.IsCompleted() || res.ReportErr == nil {
				t.Fatalf("task %d: want completed with report error, got %+v", k, res)
			}
			if _, err := os.Stat(filepath.Join(storage.Dir(), task.FileName)); err != nil {
				t.Fatalf("task %d: stored file missing: %v", k, err)
			}
		}
		if reports[0].Outcome != res.Outcome {
			t.Fatalf("task %d: reported %v but produced %v", k, reports[0].Outcome, res.Outcome)
		}
	}
	snap := a.Snapshot()
	if snap.Stats.Completed != n/4 || snap.Stats.Failed != 3*n/4 || snap.Stats.ReportFailures != n/4 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
	if len(snap.InFlight) != 0 {
		t.Fatalf("in-flight set not cleared: %v", snap.InFlight)
	}
}

func TestLoopEndToEndReofferedUntilReported(t *testing.T) {
	t.Parallel()

	files := newFileServer(t, map[string]string{"/files/a.bin": "DATA"})
	var reported atomic.Bool
	coord := &fakeCoordinator{}
	coord.fetch = func(int) ([]protocol.Task, error) {
		if reported.Load() {
			return nil, nil
		}
		return []protocol.Task{{ID: "t1", FileURL: files.URL + "/files/a.bin", FileName: "a.bin"}}, nil
	}
	coord.report = func(protocol.TaskID) error {
		reported.Store(true)
		return nil
	}
	exec, storage := newTestExecutor(t, coord, DelayProcessor{Delay: 20 * time.Millisecond})
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Hour, PollInterval: time.Millisecond, DrainTimeout: time.Second}, coord, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitFor(t, 5*time.Second, reported.Load)
	waitFor(t, 5*time.Second, func() bool {
		_, fetches, _ := coord.counts()
		return fetches > 5
	})
	cancel()
	<-done

	data, err := os.ReadFile(filepath.Join(storage.Dir(), "a.bin"))
	if err != nil || string(data) != "DATA" {
		t.Fatalf("stored content = %q, %v", data, err)
	}
	reports := coord.reportsFor("t1")
	if len(reports) != 1 || reports[0].Outcome != Completed() {
		t.Fatalf("task re-offered while running must execute once, got %+v", reports)
	}
}

func TestDispatchSkipsInFlightAndDefersWhenFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var runs atomic.Int32
	runner := runnerFunc(func(_ context.Context, task protocol.Task) Result {
		runs.Add(1)
		<-release
		return Result{Task: task, Outcome: Completed()}
	})
	a := New(Options{DeviceID: "dev", MaxConcurrentTasks: 1, PollInterval: time.Second}, &fakeCoordinator{}, runner)

	a.dispatch(context.Background(), []protocol.Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}})
	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	a.dispatch(context.Background(), []protocol.Task{{ID: "t1"}, {ID: ""}})

	snap := a.Snapshot()
	if len(snap.InFlight) != 1 || snap.InFlight[0] != "t1" {
		t.Fatalf("unexpected in-flight set: %v", snap.InFlight)
	}
	if snap.Stats.Deferred != 2 {
		t.Fatalf("expected two deferred tasks, got %d", snap.Stats.Deferred)
	}
	close(release)
	a.wg.Wait()
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected a single run, got %d", got)
	}
}

func TestReofferedTaskLogsOnceAtInfo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var logs syncBuffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo})))

	c := newStubClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"tasks":[{"id":"log-t1","file_url":"http://files/a.bin","file_name":"a.bin"}]}`), nil
	})
	release := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, task protocol.Task) Result {
		<-release
		return Result{Task: task, Outcome: Completed()}
	})
	a := New(Options{DeviceID: "log-dev", MaxConcurrentTasks: 2, PollInterval: time.Second}, c, runner)

	for i := 0; i < 3; i++ {
		tasks, err := c.FetchTasks(context.Background(), "log-dev")
		if err != nil {
			t.Fatalf("FetchTasks: %v", err)
		}
		a.dispatch(context.Background(), tasks)
	}
	close(release)
	a.wg.Wait()

	out := logs.String()
	if strings.Contains(out, `"msg":"tasks fetched"`) {
		t.Fatalf("expected poll results below info level, got:\n%s", out)
	}
	if got := strings.Count(out, `"msg":"task dispatched"`); got != 1 {
		t.Fatalf("expected one dispatch log line for a re-offered task, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, `"task_id":"log-t1"`) {
		t.Fatalf("expected task id in dispatch log, got:\n%s", out)
	}
}

func TestDispatchDoesNotBlockHeartbeats(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	coord := &fakeCoordinator{fetch: func(n int) ([]protocol.Task, error) {
		return []protocol.Task{{ID: protocol.TaskID(fmt.Sprintf("slow-%d", n))}}, nil
	}}
	runner := runnerFunc(func(_ context.Context, task protocol.Task) Result {
		<-release
		return Result{Task: task, Outcome: Completed()}
	})
	clock := newFakeClock()
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Second, PollInterval: time.Second, MaxConcurrentTasks: 2, Clock: clock}, coord, runner)

	for i := 0; i < 5; i++ {
		a.runCycle(context.Background(), context.Background())
		clock.Advance(time.Second)
	}
	if hb, fetches, _ := coord.counts(); hb != 5 || fetches != 5 {
		t.Fatalf("slow tasks blocked the loop: heartbeats=%d fetches=%d", hb, fetches)
	}
	if got := len(a.Snapshot().InFlight); got != 2 {
		t.Fatalf("pool bound not respected: %d in flight", got)
	}
}

func TestDrainWaitsForInFlightTasks(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var cancelled atomic.Bool
	coord := &fakeCoordinator{fetch: func(n int) ([]protocol.Task, error) {
		if n == 1 {
			return []protocol.Task{{ID: "t1"}}, nil
		}
		return nil, nil
	}}
	runner := runnerFunc(func(ctx context.Context, task protocol.Task) Result {
		close(started)
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-time.After(100 * time.Millisecond):
		}
		return Result{Task: task, Outcome: Completed()}
	})
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Hour, PollInterval: time.Millisecond, DrainTimeout: 5 * time.Second}, coord, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-started
	cancel()
	<-done

	if cancelled.Load() {
		t.Fatal("task was cancelled although the drain timeout had not elapsed")
	}
	if snap := a.Snapshot(); snap.Stats.Completed != 1 {
		t.Fatalf("task did not finish before Run returned: %+v", snap.Stats)
	}
}

func TestDrainTimeoutCancelsTasks(t *testing.T) {
	t.Parallel()

	files := newFileServer(t, map[string]string{"/a.bin": "DATA"})
	coord := &fakeCoordinator{fetch: func(n int) ([]protocol.Task, error) {
		if n == 1 {
			return []protocol.Task{{ID: "t1", FileURL: files.URL + "/a.bin", FileName: "a.bin"}}, nil
		}
		return nil, nil
	}}
	started := make(chan struct{})
	exec, _ := newTestExecutor(t, coord, ProcessorFunc(func(ctx context.Context, _ ProcessRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	a := New(Options{DeviceID: "dev", HeartbeatInterval: time.Hour, PollInterval: time.Millisecond, DrainTimeout: 50 * time.Millisecond}, coord, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the drain timeout")
	}
	reports := coord.reportsFor("t1")
	if len(reports) != 1 || !strings.HasPrefix(reports[0].Outcome.Reason, ReasonProcessingPrefix) {
		t.Fatalf("cancelled task must report a processing failure once, got %+v", reports)
	}
}
