package agent

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const maxReportedOutputBytes = 512

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	index := map[string]int{}
	for i, e := range out {
		if eq := strings.IndexByte(e, '='); eq > 0 {
			index[e[:eq]] = i
		}
	}
	for k, v := range extra {
		entry := k + "=" + v
		if pos, ok := index[k]; ok {
			out[pos] = entry
		} else {
			out = append(out, entry)
		}
	}
	return out
}

// trimOutput keeps the tail of command output, where the error usually is.
func trimOutput(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxReportedOutputBytes {
		return output
	}
	return "..." + output[len(output)-maxReportedOutputBytes:]
}

func exitCodeFromErr(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
