package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

// TaskRunner executes one task to a reported, terminal outcome.
type TaskRunner interface {
	Run(ctx context.Context, task protocol.Task) Result
}

// Result describes one finished attempt. Err holds the classified pipeline
// error behind a Failed outcome; ReportErr is set when the coordinator did
// not acknowledge the report.
type Result struct {
	Task      protocol.Task
	Outcome   Outcome
	Err       error
	ReportErr error
	Duration  time.Duration
}

type TaskExecutor struct {
	coordinator Coordinator
	storage     *Storage
	processor   Processor
	download    *http.Client
	baseURL     string
	metrics     *Metrics
}

type ExecutorOptions struct {
	DownloadTimeout time.Duration
	// BaseURL resolves relative resource locators. Absolute locators ignore it.
	BaseURL string
	Metrics *Metrics
}

func NewTaskExecutor(coordinator Coordinator, storage *Storage, processor Processor, opts ExecutorOptions) *TaskExecutor {
	if processor == nil {
		processor = NoopProcessor{}
	}
	return &TaskExecutor{
		coordinator: coordinator,
		storage:     storage,
		processor:   processor,
		download:    &http.Client{Timeout: opts.DownloadTimeout},
		baseURL:     opts.BaseURL,
		metrics:     opts.Metrics,
	}
}

func (e *TaskExecutor) Run(ctx context.Context, task protocol.Task) Result {
	started := time.Now()
	outcome, err := e.execute(ctx, task)

	// The report must go out even when ctx was cancelled mid-task.
	reportErr := e.coordinator.ReportOutcome(context.WithoutCancel(ctx), task.ID, outcome)
	e.metrics.ObserveReport(reportErr)

	res := Result{
		Task:      task,
		Outcome:   outcome,
		Err:       err,
		ReportErr: reportErr,
		Duration:  time.Since(started),
	}
	e.metrics.ObserveTask(outcome, res.Duration)
	logResult(res)
	return res
}

func (e *TaskExecutor) execute(ctx context.Context, task protocol.Task) (Outcome, error) {
	if _, err := e.storage.Path(task.FileName); err != nil {
		return Failed(ReasonStorage), stepError(ErrStorage, err)
	}

	path, err := e.fetch(ctx, task)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return Failed(ReasonStorage), err
		}
		return Failed(ReasonDownload), err
	}

	if err := e.process(ctx, ProcessRequest{Task: task, Path: path}); err != nil {
		return Failed(ReasonProcessingPrefix + err.Error()), stepError(ErrProcessing, err)
	}
	return Completed(), nil
}

// fetch downloads the resource straight into storage. Read errors on the
// response body are download failures; everything on the write side is a
// storage failure.
func (e *TaskExecutor) fetch(ctx context.Context, task protocol.Task) (string, error) {
	rawURL, err := resolveResourceURL(e.baseURL, task.FileURL)
	if err != nil {
		return "", stepError(ErrDownload, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", stepError(ErrDownload, fmt.Errorf("create download request: %w", err))
	}
	resp, err := e.download.Do(req)
	if err != nil {
		return "", stepError(ErrDownload, fmt.Errorf("send download request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", stepError(ErrDownload, fmt.Errorf("download rejected: status=%d body=%s", resp.StatusCode, bytes.TrimSpace(respBody)))
	}

	src := &trackingReader{r: resp.Body}
	path, n, err := e.storage.Save(task.FileName, src)
	if err != nil {
		if src.err != nil {
			return "", stepError(ErrDownload, fmt.Errorf("read download body: %w", src.err))
		}
		return "", stepError(ErrStorage, err)
	}
	slog.Debug("resource stored", "task_id", task.ID, "path", path, "bytes", n)
	return path, nil
}

func (e *TaskExecutor) process(ctx context.Context, req ProcessRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.processor.Process(ctx, req)
}

func logResult(res Result) {
	attrs := []any{
		"task_id", res.Task.ID,
		"resource", res.Task.FileName,
		"outcome", res.Outcome.Status,
		"duration", res.Duration,
	}
	if res.Outcome.IsCompleted() {
		slog.Info("task completed", attrs...)
	} else {
		slog.Warn("task failed", append(attrs, "reason", res.Outcome.Reason, "error", res.Err)...)
	}
	if res.ReportErr != nil {
		slog.Error("task outcome report failed", "task_id", res.Task.ID, "outcome", res.Outcome.String(), "error", res.ReportErr)
	}
}

func resolveResourceURL(baseURL, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty resource locator")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/")
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("relative resource locator %q without a coordinator base", raw)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse resource locator: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}
