package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// DeadLetterLog is an append-only JSONL file of readings that were dropped
// while the backend was reachable. Values are kept as text so NaN and
// infinities survive.
type DeadLetterLog struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	now    func() time.Time
}

// DeadLetter is one dropped reading.
type DeadLetter struct {
	DroppedAt time.Time   `json:"dropped_at"`
	Timestamp time.Time   `json:"timestamp"`
	Key       float64     `json:"key"`
	Values    [][2]string `json:"values"`
	Error     string      `json:"error"`
}

// Reading reconstructs the dropped reading.
func (d DeadLetter) Reading() (types.Reading, error) {
	v := types.NewValues(len(d.Values))
	for _, p := range d.Values {
		f, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return types.Reading{}, fmt.Errorf("dead letter sensor %q: %w", p[0], err)
		}
		v.Set(p[0], f)
	}
	return types.Reading{Timestamp: d.Timestamp, Values: v}, nil
}

// OpenDeadLetterLog opens path for appending, creating parent directories.
func OpenDeadLetterLog(path string) (*DeadLetterLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter log: %w", err)
	}

	return &DeadLetterLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		now:    time.Now,
	}, nil
}

// Path returns the file path.
func (d *DeadLetterLog) Path() string {
	return d.path
}

// Append records r and the error that caused it to be dropped. Entries are
// synced before Append returns.
func (d *DeadLetterLog) Append(r types.Reading, cause error) error {
	entry := DeadLetter{
		DroppedAt: d.now().UTC(),
		Timestamp: r.Timestamp,
		Key:       r.Key(),
	}
	for _, f := range r.Values.Fields() {
		entry.Values = append(entry.Values, [2]string{f.ID, strconv.FormatFloat(f.Value, 'g', -1, 64)})
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	if err := d.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := d.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush dead letter log: %w", err)
	}
	return d.file.Sync()
}

// Close closes the log
func (d *DeadLetterLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writer.Flush(); err != nil {
		return err
	}
	return d.file.Close()
}

// ReadDeadLetters streams the entries of a dead-letter file to handler.
// A missing file has no entries.
func ReadDeadLetters(path string, handler func(DeadLetter) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		var entry DeadLetter
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("line %d: failed to unmarshal dead letter: %w", line, err)
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}
