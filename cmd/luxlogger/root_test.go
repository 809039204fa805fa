package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnknownMode(t *testing.T) {
	old := mode
	defer func() { mode = old }()

	mode = "dashboard"
	err := rootCmd.RunE(rootCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown mode") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerateReportsOnEmptyStore(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	content := "sensor:\n  source: simulator\n" +
		"storage:\n  driver: sqlite\n  path: " + filepath.Join(root, "cache.db") + "\n" +
		"report:\n  daily_dir: " + filepath.Join(root, "daily") + "\n  weekly_dir: " + filepath.Join(root, "weekly") + "\n" +
		"log:\n  level: error\n  format: text\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	old := cfgFile
	defer func() { cfgFile = old }()
	cfgFile = path

	if err := runReports(reportsCmd, nil); err != nil {
		t.Fatalf("runReports: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "daily"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("daily reports = %d, want 0", len(entries))
	}
}

func TestPrintDeadLetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	content := `{"dropped_at":"2024-06-15T12:00:05Z","timestamp":"2024-06-15T12:00:00Z","key":1718452800,"values":[["temp","NaN"]],"error":"encode failed"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	var buf strings.Builder
	n, err := printDeadLetters(&buf, path)
	if err != nil {
		t.Fatalf("printDeadLetters: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
	if !strings.Contains(buf.String(), "encode failed") || !strings.Contains(buf.String(), "2024-06-15T12:00:00Z") {
		t.Errorf("output = %q", buf.String())
	}
}
