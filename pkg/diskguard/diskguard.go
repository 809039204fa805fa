// Package diskguard warns when the filesystems holding the data paths run
// low on space. The check is advisory and never blocks work.
package diskguard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// Usage is the disk usage of the filesystem holding Path.
type Usage struct {
	Path    string  `json:"path"`
	Dir     string  `json:"dir"`
	Total   uint64  `json:"total_bytes"`
	Free    uint64  `json:"free_bytes"`
	Used    uint64  `json:"used_bytes"`
	Percent float64 `json:"used_percent"`
}

// StatFunc reports total and used bytes of the filesystem holding dir.
type StatFunc func(dir string) (total, used, free uint64, err error)

// Guard checks a fixed set of paths against a usage threshold.
type Guard struct {
	paths     []string
	threshold int
	stat      StatFunc
	logger    *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithStatFunc replaces the filesystem query.
func WithStatFunc(f StatFunc) Option {
	return func(g *Guard) { g.stat = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard. threshold is a percentage in 1..99.
func New(paths []string, threshold int, opts ...Option) (*Guard, error) {
	if threshold <= 0 || threshold >= 100 {
		return nil, fmt.Errorf("%w: disk threshold must be between 1-99, got %d", types.ErrInvalidConfig, threshold)
	}
	g := &Guard{
		paths:     append([]string(nil), paths...),
		threshold: threshold,
		stat:      statFS,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Component("diskguard")
	}
	return g, nil
}

// Threshold returns the configured percentage.
func (g *Guard) Threshold() int {
	return g.threshold
}

// Check returns the paths whose filesystem usage exceeds the threshold.
// Paths that cannot be checked are logged and skipped.
func (g *Guard) Check() []Usage {
	var over []Usage
	for _, u := range g.Usage() {
		if u.Percent > float64(g.threshold) {
			over = append(over, u)
			g.logger.Warn("disk usage exceeds threshold",
				"dir", u.Dir, "used_percent", fmt.Sprintf("%.1f", u.Percent),
				"threshold", g.threshold, "free", humanize.Bytes(u.Free))
		} else {
			g.logger.Debug("disk usage within limits",
				"dir", u.Dir, "used_percent", fmt.Sprintf("%.1f", u.Percent))
		}
	}
	return over
}

// Usage returns the usage of every checkable path.
func (g *Guard) Usage() []Usage {
	out := make([]Usage, 0, len(g.paths))
	for _, p := range g.paths {
		dir, ok := existingDir(p)
		if !ok {
			g.logger.Warn("could not find valid directory for disk check", "path", p)
			continue
		}
		total, used, free, err := g.stat(dir)
		if err != nil {
			g.logger.Error("failed to check disk usage", "path", p, "error", err)
			continue
		}
		if total == 0 {
			continue
		}
		out = append(out, Usage{
			Path:    p,
			Dir:     dir,
			Total:   total,
			Used:    used,
			Free:    free,
			Percent: float64(used) / float64(total) * 100,
		})
	}
	return out
}

// existingDir walks up from path to the nearest existing directory.
func existingDir(path string) (string, bool) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for {
		if fi, err := os.Stat(dir); err == nil {
			if fi.IsDir() {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
