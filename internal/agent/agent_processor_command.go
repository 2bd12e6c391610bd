package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type CommandRule struct {
	Match   string
	Command []string
	Timeout time.Duration
}

// CommandProcessor hands stored resources to external programs. Rules are
// tried in order against the resource name; the first match wins.
type CommandProcessor struct {
	rules    []CommandRule
	fallback Processor
}

func NewCommandProcessor(rules []CommandRule, fallback Processor) (*CommandProcessor, error) {
	out := make([]CommandRule, 0, len(rules))
	for i, rule := range rules {
		rule.Match = strings.TrimSpace(rule.Match)
		if !doublestar.ValidatePattern(rule.Match) {
			return nil, fmt.Errorf("rule %d: invalid match pattern %q", i, rule.Match)
		}
		if len(rule.Command) == 0 || strings.TrimSpace(rule.Command[0]) == "" {
			return nil, fmt.Errorf("rule %d: command is required", i)
		}
		rule.Command = append([]string(nil), rule.Command...)
		out = append(out, rule)
	}
	return &CommandProcessor{rules: out, fallback: fallback}, nil
}

func (p *CommandProcessor) Process(ctx context.Context, req ProcessRequest) error {
	rule, ok := p.match(req.Task.FileName)
	if !ok {
		if p.fallback != nil {
			return p.fallback.Process(ctx, req)
		}
		return fmt.Errorf("no processor for %s", req.Task.FileName)
	}

	runCtx := ctx
	if rule.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rule.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), rule.Command[1:]...), req.Path)
	cmd := exec.Command(rule.Command[0], args...)
	cmd.Dir = filepath.Dir(req.Path)
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"EDGEAGENT_TASK_ID":       req.Task.ID.String(),
		"EDGEAGENT_TASK_TYPE":     req.Task.TaskType,
		"EDGEAGENT_RESOURCE_NAME": req.Task.FileName,
	})
	if len(req.Task.Payload) > 0 {
		cmd.Env = append(cmd.Env, "EDGEAGENT_TASK_PAYLOAD="+string(req.Task.Payload))
	}
	var output syncBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	prepareCommandForCancellation(cmd)

	started := time.Now()
	err := runCancelableCommand(runCtx, cmd)
	slog.Debug("processing command finished", "task_id", req.Task.ID, "command", rule.Command[0], "duration", time.Since(started), "error", err)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s timed out after %s", rule.Command[0], rule.Timeout)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s cancelled: %w", rule.Command[0], err)
	}
	msg := fmt.Sprintf("%s failed", rule.Command[0])
	if code, ok := exitCodeFromErr(err); ok {
		msg = fmt.Sprintf("%s exited with code %d", rule.Command[0], code)
	} else {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if out := trimOutput(output.String()); out != "" {
		msg += ": " + out
	}
	return errors.New(msg)
}

func (p *CommandProcessor) match(name string) (CommandRule, bool) {
	name = filepath.ToSlash(strings.TrimSpace(name))
	for _, rule := range p.rules {
		if ok, _ := doublestar.Match(rule.Match, name); ok {
			return rule, true
		}
	}
	return CommandRule{}, false
}
