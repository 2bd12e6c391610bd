package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

const (
	StateRunning = "running"
	StateStopped = "stopped"
)

type Options struct {
	DeviceID           string
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
	MaxConcurrentTasks int
	DrainTimeout       time.Duration
	Clock              Clock
	Metrics            *Metrics
}

// Agent drives the heartbeat/poll cycle and hands fetched tasks to a bounded
// pool of runners. It is single-use: call Run once.
type Agent struct {
	deviceID     string
	coordinator  Coordinator
	runner       TaskRunner
	timer        *HeartbeatTimer
	clock        Clock
	pollInterval time.Duration
	drainTimeout time.Duration
	slots        *semaphore.Weighted
	metrics      *Metrics
	wg           sync.WaitGroup

	mu       sync.Mutex
	state    string
	inFlight map[protocol.TaskID]time.Time
	stats    Stats
}

type Stats struct {
	Cycles         uint64 `json:"cycles"`
	HeartbeatsOK   uint64 `json:"heartbeats_ok"`
	HeartbeatsErr  uint64 `json:"heartbeats_failed"`
	PollsErr       uint64 `json:"polls_failed"`
	Completed      uint64 `json:"tasks_completed"`
	Failed         uint64 `json:"tasks_failed"`
	ReportFailures uint64 `json:"report_failures"`
	Deferred       uint64 `json:"tasks_deferred"`
	LastError      string `json:"last_error,omitempty"`
}

func New(opts Options, coordinator Coordinator, runner TaskRunner) *Agent {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.MaxConcurrentTasks < 1 {
		opts.MaxConcurrentTasks = 1
	}
	return &Agent{
		deviceID:     opts.DeviceID,
		coordinator:  coordinator,
		runner:       runner,
		timer:        NewHeartbeatTimer(opts.HeartbeatInterval),
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		drainTimeout: opts.DrainTimeout,
		slots:        semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
		metrics:      opts.Metrics,
		state:        StateStopped,
		inFlight:     map[protocol.TaskID]time.Time{},
	}
}

// Run loops until ctx is cancelled, then waits for in-flight tasks to report.
// Tasks still running after the drain timeout are cancelled; they report a
// failed outcome before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateRunning)
	defer a.setState(StateStopped)

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	for {
		started := a.clock.Now()
		a.runCycle(ctx, execCtx)
		if ctx.Err() != nil {
			break
		}
		wait := a.pollInterval - a.clock.Now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		if !sleepWithContext(ctx, wait) {
			break
		}
	}

	a.drain(cancelExec)
	return nil
}

func (a *Agent) runCycle(ctx, execCtx context.Context) {
	a.mu.Lock()
	a.stats.Cycles++
	a.mu.Unlock()

	if a.timer.IsDue(a.clock.Now()) {
		err := a.coordinator.SendHeartbeat(ctx, a.deviceID)
		a.metrics.ObserveHeartbeat(err)
		if err != nil {
			slog.Error("heartbeat failed", "device_id", a.deviceID, "error", err)
			a.recordError(err, &a.stats.HeartbeatsErr)
		} else {
			a.timer.MarkSent(a.clock.Now())
			a.mu.Lock()
			a.stats.HeartbeatsOK++
			a.mu.Unlock()
		}
	}

	tasks, err := a.coordinator.FetchTasks(ctx, a.deviceID)
	a.metrics.ObservePoll(err)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("poll failed", "device_id", a.deviceID, "error", err)
		}
		a.recordError(err, &a.stats.PollsErr)
		return
	}
	a.dispatch(execCtx, tasks)
}

// dispatch never blocks. A task already executing is skipped, and once the
// pool is full the rest of the batch waits for the coordinator to offer it
// again on a later poll.
func (a *Agent) dispatch(ctx context.Context, tasks []protocol.Task) {
	for i, task := range tasks {
		if task.ID == "" {
			slog.Warn("ignoring task without id", "device_id", a.deviceID, "resource", task.FileName)
			continue
		}
		if !a.claim(task.ID) {
			slog.Debug("task already in flight", "task_id", task.ID)
			continue
		}
		if !a.slots.TryAcquire(1) {
			a.release(task.ID)
			deferred := len(tasks) - i
			slog.Warn("worker pool full; deferring tasks", "device_id", a.deviceID, "deferred", deferred)
			a.metrics.TasksDeferred(deferred)
			a.mu.Lock()
			a.stats.Deferred += uint64(deferred)
			a.mu.Unlock()
			return
		}

		slog.Info("task dispatched", "device_id", a.deviceID, "task_id", task.ID, "resource", task.FileName, "task_type", task.TaskType)
		a.wg.Add(1)
		a.metrics.TaskStarted()
		go func(task protocol.Task) {
			defer a.wg.Done()
			defer a.metrics.TaskFinished()
			defer a.slots.Release(1)
			defer a.release(task.ID)
			a.record(a.runner.Run(ctx, task))
		}(task)
	}
}

func (a *Agent) drain(cancelExec context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	pending := a.inFlightCount()
	if pending == 0 {
		<-done
		return
	}
	slog.Info("draining in-flight tasks", "device_id", a.deviceID, "count", pending, "timeout", a.drainTimeout)

	timer := time.NewTimer(a.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("drain timeout elapsed; cancelling in-flight tasks", "device_id", a.deviceID, "count", a.inFlightCount())
		cancelExec()
		<-done
	}
}

func (a *Agent) claim(id protocol.TaskID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inFlight[id]; busy {
		return false
	}
	a.inFlight[id] = time.Now()
	return true
}

func (a *Agent) release(id protocol.TaskID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}

func (a *Agent) inFlightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

func (a *Agent) record(res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.Outcome.IsCompleted() {
		a.stats.Completed++
	} else {
		a.stats.Failed++
	}
	if res.ReportErr != nil {
		a.stats.ReportFailures++
		a.stats.LastError = res.ReportErr.Error()
	}
}

func (a *Agent) recordError(err error, counter *uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	*counter++
	a.stats.LastError = err.Error()
}

func (a *Agent) setState(state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

type Snapshot struct {
	DeviceID         string     `json:"device_id"`
	State            string     `json:"state"`
	LastHeartbeatUTC *time.Time `json:"last_heartbeat_utc,omitempty"`
	HeartbeatDue     bool       `json:"heartbeat_due"`
	InFlight         []string   `json:"in_flight"`
	Stats            Stats      `json:"stats"`
}

func (a *Agent) Snapshot() Snapshot {
	snap := Snapshot{
		DeviceID:     a.deviceID,
		HeartbeatDue: a.timer.IsDue(a.clock.Now()),
	}
	if at, ok := a.timer.LastSent(); ok {
		utc := at.UTC()
		snap.LastHeartbeatUTC = &utc
	}
	a.mu.Lock()
	snap.State = a.state
	snap.Stats = a.stats
	snap.InFlight = make([]string, 0, len(a.inFlight))
	for id := range a.inFlight {
		snap.InFlight = append(snap.InFlight, id.String())
	}
	a.mu.Unlock()
	sort.Strings(snap.InFlight)
	return snap
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
