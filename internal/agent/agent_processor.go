package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/protocol"
)

// ProcessRequest is what a Processor sees: the task as fetched and the path of
// the stored resource.
type ProcessRequest struct {
	Task protocol.Task
	Path string
}

type Processor interface {
	Process(ctx context.Context, req ProcessRequest) error
}

type ProcessorFunc func(ctx context.Context, req ProcessRequest) error

func (f ProcessorFunc) Process(ctx context.Context, req ProcessRequest) error {
	return f(ctx, req)
}

// NoopProcessor accepts every resource.
type NoopProcessor struct{}

func (NoopProcessor) Process(context.Context, ProcessRequest) error { return nil }

// DelayProcessor stands in for real work by waiting, and fails only when
// cancelled before the delay elapses.
type DelayProcessor struct {
	Delay time.Duration
}

func (p DelayProcessor) Process(ctx context.Context, _ ProcessRequest) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildProcessor(cfg config.Processing) (Processor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", config.ProcessingNoop:
		return NoopProcessor{}, nil
	case config.ProcessingDelay:
		return DelayProcessor{Delay: cfg.Delay}, nil
	case config.ProcessingCommand:
		rules := make([]CommandRule, 0, len(cfg.Rules))
		for _, r := range cfg.Rules {
			rules = append(rules, CommandRule{Match: r.Match, Command: r.Command, Timeout: r.Timeout})
		}
		var fallback Processor
		switch strings.ToLower(strings.TrimSpace(cfg.Fallback)) {
		case "":
		case config.ProcessingNoop:
			fallback = NoopProcessor{}
		case config.ProcessingDelay:
			fallback = DelayProcessor{Delay: cfg.Delay}
		default:
			return nil, fmt.Errorf("unsupported processing fallback %q", cfg.Fallback)
		}
		return NewCommandProcessor(rules, fallback)
	default:
		return nil, fmt.Errorf("unsupported processing mode %q", cfg.Mode)
	}
}
