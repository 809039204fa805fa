package diskguard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
)

func init() {
	logging.Discard()
}

func TestNewRejectsThresholdOutOfRange(t *testing.T) {
	for _, th := range []int{-5, 0, 100, 120} {
		if _, err := New(nil, th); !errors.Is(err, types.ErrInvalidConfig) {
			t.Errorf("threshold %d: err = %v, want ErrInvalidConfig", th, err)
		}
	}
}

func TestCheckReportsPathsOverThreshold(t *testing.T) {
	full := t.TempDir()
	roomy := t.TempDir()

	stat := func(dir string) (uint64, uint64, uint64, error) {
		if dir == full {
			return 100, 95, 5, nil
		}
		return 100, 40, 60, nil
	}
	g, err := New([]string{full, roomy}, 90, WithStatFunc(stat))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	over := g.Check()
	if len(over) != 1 || over[0].Path != full {
		t.Fatalf("over = %+v", over)
	}
	if over[0].Percent != 95 {
		t.Errorf("percent = %v, want 95", over[0].Percent)
	}
}

func TestMissingPathUsesNearestParent(t *testing.T) {
	root := t.TempDir()
	var asked string
	stat := func(dir string) (uint64, uint64, uint64, error) {
		asked = dir
		return 100, 10, 90, nil
	}
	g, err := New([]string{filepath.Join(root, "not", "yet", "created.db")}, 80, WithStatFunc(stat))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := g.Usage(); len(got) != 1 {
		t.Fatalf("usage = %+v", got)
	}
	if asked != root {
		t.Errorf("checked %s, want %s", asked, root)
	}
}

func TestStatFailureIsSkipped(t *testing.T) {
	stat := func(string) (uint64, uint64, uint64, error) {
		return 0, 0, 0, os.ErrPermission
	}
	g, _ := New([]string{t.TempDir()}, 80, WithStatFunc(stat))
	if got := g.Check(); len(got) != 0 {
		t.Errorf("Check = %+v, want none", got)
	}
}

func TestRealFilesystem(t *testing.T) {
	g, err := New([]string{t.TempDir()}, 99)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	usage := g.Usage()
	if len(usage) != 1 {
		t.Skip("filesystem usage unavailable on this platform")
	}
	if usage[0].Total == 0 || usage[0].Percent < 0 || usage[0].Percent > 100 {
		t.Errorf("implausible usage %+v", usage[0])
	}
}
