package agent

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type runnerFunc func(ctx context.Context, task protocol.Task) Result

func (f runnerFunc) Run(ctx context.Context, task protocol.Task) Result {
	return f(ctx, task)
}

type reportCall struct {
	ID      protocol.TaskID
	Outcome Outcome
}

// fakeCoordinator records every call. Nil hooks succeed with no tasks.
type fakeCoordinator struct {
	mu         sync.Mutex
	heartbeat  func(n int) error
	fetch      func(n int) ([]protocol.Task, error)
	report     func(id protocol.TaskID) error
	heartbeats int
	fetches    int
	reports    []reportCall
}

func (f *fakeCoordinator) SendHeartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	f.heartbeats++
	n, hook := f.heartbeats, f.heartbeat
	f.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (f *fakeCoordinator) FetchTasks(_ context.Context, _ string) ([]protocol.Task, error) {
	f.mu.Lock()
	f.fetches++
	n, hook := f.fetches, f.fetch
	f.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil, nil
}

func (f *fakeCoordinator) ReportOutcome(_ context.Context, id protocol.TaskID, outcome Outcome) error {
	f.mu.Lock()
	f.reports = append(f.reports, reportCall{ID: id, Outcome: outcome})
	hook := f.report
	f.mu.Unlock()
	if hook != nil {
		return hook(id)
	}
	return nil
}

func (f *fakeCoordinator) reportsFor(id protocol.TaskID) []reportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reportCall
	for _, r := range f.reports {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeCoordinator) counts() (heartbeats, fetches, reports int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.fetches, len(f.reports)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
