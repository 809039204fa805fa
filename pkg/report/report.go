// Package report renders stored readings into daily and weekly CSV files and
// sweeps old files.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// Kind of report.
type Kind string

const (
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
)

// Kinds lists every report kind.
var Kinds = []Kind{KindDaily, KindWeekly}

// ErrNoData is returned by Render for an empty window. It is a warning, not a
// failure: a fresh deployment has nothing to report.
var ErrNoData = errors.New("no data to report")

const dateLayout = "2006-01-02"

// Info describes one report file.
type Info struct {
	Kind    Kind      `json:"kind"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Renderer writes report files into one directory per kind.
type Renderer struct {
	dirs      map[Kind]string
	delimiter rune
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithDelimiter sets the CSV field delimiter.
func WithDelimiter(d rune) Option {
	return func(r *Renderer) { r.delimiter = d }
}

// WithClock overrides the time source used by Cleanup.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// New creates a Renderer and the output directories.
func New(dirs map[Kind]string, opts ...Option) (*Renderer, error) {
	r := &Renderer{
		dirs:      make(map[Kind]string, len(dirs)),
		delimiter: ',',
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Component("report")
	}

	for _, kind := range Kinds {
		dir, ok := dirs[kind]
		if !ok || dir == "" {
			return nil, fmt.Errorf("%w: no output directory for %s reports", types.ErrInvalidConfig, kind)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s report directory: %w", kind, err)
		}
		r.dirs[kind] = dir
	}
	if r.delimiter == '\n' || r.delimiter == '\r' || r.delimiter == '"' || r.delimiter == 0 {
		return nil, fmt.Errorf("%w: invalid CSV delimiter %q", types.ErrInvalidConfig, r.delimiter)
	}
	return r, nil
}

// Dir returns the output directory for kind.
func (r *Renderer) Dir(kind Kind) string {
	return r.dirs[kind]
}

// FileName returns the report file name for kind generated on asOf.
func FileName(kind Kind, asOf time.Time) string {
	return asOf.Format(dateLayout) + "_" + string(kind) + ".csv"
}

// Render writes points as a CSV report and returns its path. The header is
// the sensor ids of the first point in their order; later points contribute
// only the columns the header names. Regenerating the same kind and date
// replaces the file.
func (r *Renderer) Render(points []types.Reading, kind Kind, asOf time.Time) (string, error) {
	dir, ok := r.dirs[kind]
	if !ok {
		return "", fmt.Errorf("unknown report kind %q", kind)
	}
	path := filepath.Join(dir, FileName(kind, asOf))

	if len(points) == 0 {
		r.logger.Warn("no data to write", "kind", kind, "path", path)
		return "", ErrNoData
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.csv")
	if err != nil {
		return "", fmt.Errorf("creating temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.write(tmp, points); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s report: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %s report: %w", kind, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("setting report permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing %s report: %w", kind, err)
	}

	r.logger.Info("report written", "kind", kind, "path", path, "rows", len(points))
	return path, nil
}

func (r *Renderer) write(f *os.File, points []types.Reading) error {
	w := csv.NewWriter(f)
	w.Comma = r.delimiter

	header := points[0].Values.Keys()
	if err := w.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, p := range points {
		for i, id := range header {
			if v, ok := p.Values.Get(id); ok {
				row[i] = FormatValue(v)
			} else {
				row[i] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

// FormatValue renders a value as plain decimal text. Integral values keep a
// trailing ".0" so 20 renders as "20.0".
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Cleanup deletes report files whose modification time is older than
// now - retention and returns how many were removed. Per-file failures are
// joined into the returned error; removal continues past them.
func (r *Renderer) Cleanup(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: report retention must be positive, got %s", types.ErrInvalidConfig, retention)
	}
	cutoff := r.now().Add(-retention)

	removed := 0
	var errs []error
	for _, kind := range Kinds {
		matches, err := filepath.Glob(filepath.Join(r.dirs[kind], "*_"+string(kind)+".csv"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range matches {
			fi, err := os.Stat(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !fi.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
			r.logger.Info("removed old report", "path", path, "mod_time", fi.ModTime())
		}
	}
	return removed, errors.Join(errs...)
}

// List returns every report file, newest first.
func (r *Renderer) List() ([]Info, error) {
	var out []Info
	for _, kind := range Kinds {
		matches, err := filepath.Glob(filepath.Join(r.dirs[kind], "*_"+string(kind)+".csv"))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			fi, err := os.Stat(path)
			if err != nil {
				continue
			}
			out = append(out, Info{Kind: kind, Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name > out[j].Name
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

var reportName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_(daily|weekly)\.csv$`)

// Path resolves a report file name of the given kind to its path. Names that
// are not report file names, including any path traversal, are rejected.
func (r *Renderer) Path(kind Kind, name string) (string, error) {
	dir, ok := r.dirs[kind]
	if !ok {
		return "", fmt.Errorf("unknown report kind %q", kind)
	}
	m := reportName.FindStringSubmatch(name)
	if m == nil || Kind(m[1]) != kind {
		return "", fmt.Errorf("invalid report name %q", name)
	}
	return filepath.Join(dir, name), nil
}
