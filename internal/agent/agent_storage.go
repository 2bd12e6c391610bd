package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage is the directory downloaded resources are written to. Files are
// never cleaned up by the agent.
type Storage struct {
	dir string
}

func OpenStorage(dir string) (*Storage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{dir: abs}, nil
}

func (s *Storage) Dir() string {
	return s.dir
}

// Path maps a resource name to its location inside the storage directory.
// Names may contain subdirectories but never leave the directory.
func (s *Storage) Path(name string) (string, error) {
	rel, err := safeResourceName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(rel)), nil
}

// Save streams r into name. The content lands in a temp file next to the
// target and is renamed into place only once fully written, so readers never
// observe a partial file. An existing file with the same name is replaced.
func (s *Storage) Save(name string, r io.Reader) (string, int64, error) {
	target, err := s.Path(name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, fmt.Errorf("create resource dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return "", n, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", n, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", n, fmt.Errorf("move %s into place: %w", name, err)
	}
	keep = true
	return target, n, nil
}

func safeResourceName(name string) (string, error) {
	raw := strings.TrimSpace(name)
	if filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" || strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, `\`) {
		return "", fmt.Errorf("unsafe resource name %q", name)
	}
	rel := filepath.ToSlash(filepath.Clean(strings.ReplaceAll(raw, `\`, "/")))
	if rel == "." || rel == "" {
		return "", errors.New("empty resource name")
	}
	if strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") || rel == ".." {
		return "", fmt.Errorf("unsafe resource name %q", name)
	}
	return rel, nil
}
