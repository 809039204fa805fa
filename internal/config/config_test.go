package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/types"
)

func init() {
	logging.Discard()
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sensor.Host = "heatpump.local"
	return cfg
}

func TestDefaultConfigNeedsHost(t *testing.T) {
	if err := DefaultConfig().Validate(); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("default config without host: err = %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"interval below 5s", func(c *Config) { c.Poll.Interval = 4 * time.Second }},
		{"port zero", func(c *Config) { c.Sensor.Port = 0 }},
		{"port too large", func(c *Config) { c.Sensor.Port = 70000 }},
		{"unknown source", func(c *Config) { c.Sensor.Source = "modbus" }},
		{"bad report time", func(c *Config) { c.Report.Time = "7am" }},
		{"bad timezone", func(c *Config) { c.Report.Timezone = "Mars/Olympus" }},
		{"zero retention", func(c *Config) { c.Report.Retention = 0 }},
		{"long delimiter", func(c *Config) { c.Report.Delimiter = ";;" }},
		{"disk threshold 0", func(c *Config) { c.Disk.Threshold = 0 }},
		{"disk threshold 100", func(c *Config) { c.Disk.Threshold = 100 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = storage.DriverPostgres }},
		{"compression level", func(c *Config) { c.Storage.CompressionLevel = 5 }},
		{"negative threshold", func(c *Config) { c.Validation.MinSensorCount = -1 }},
		{"bad listen addr", func(c *Config) { c.Server.ListenAddr = "8000" }},
		{"mirror without bucket", func(c *Config) {
			c.Mirror.Enabled = true
			c.Mirror.URL = "http://influx:8086"
			c.Mirror.Org = "home"
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSimulatorNeedsNoHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensor.Source = SourceSimulator
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	for _, l := range legacyKeys {
		t.Setenv(l.name, "")
		os.Unsetenv(l.name)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
sensor:
  host: 192.168.1.50
poll:
  interval: 45s
report:
  time: "06:30"
  retention: 240h
storage:
  driver: sqlite
  path: /var/lib/luxlogger/cache.db
mirror:
  tags:
    site: cellar
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sensor.Host != "192.168.1.50" || cfg.Sensor.Port != 8888 {
		t.Errorf("sensor = %+v", cfg.Sensor)
	}
	if cfg.Poll.Interval != 45*time.Second {
		t.Errorf("interval = %s", cfg.Poll.Interval)
	}
	if cfg.Report.Time != "06:30" || cfg.Report.Retention != 10*24*time.Hour {
		t.Errorf("report = %+v", cfg.Report)
	}
	if cfg.Storage.Driver != storage.DriverSQLite || cfg.Storage.CompressionLevel != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Mirror.Tags["site"] != "cellar" {
		t.Errorf("tags = %v", cfg.Mirror.Tags)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "sensor:\n  host: from-file\npoll:\n  interval: 45s\n")
	t.Setenv("LUXLOGGER_SENSOR_HOST", "from-env")
	t.Setenv("LUXLOGGER_STORAGE_CACHE_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sensor.Host != "from-env" {
		t.Errorf("host = %s", cfg.Sensor.Host)
	}
	if cfg.Storage.Cache.Enabled {
		t.Error("cache still enabled")
	}
	if cfg.Poll.Interval != 45*time.Second {
		t.Errorf("interval = %s", cfg.Poll.Interval)
	}
}

func TestLoadLegacyNames(t *testing.T) {
	path := writeFile(t, "HOST: legacy-file-host\nCSV_TIME: \"05:15\"\n")
	t.Setenv("INTERVAL_SEC", "120")
	t.Setenv("OUTPUT_DIRS_DAILY", "/srv/daily")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sensor.Host != "legacy-file-host" {
		t.Errorf("host = %q", cfg.Sensor.Host)
	}
	if cfg.Report.Time != "05:15" {
		t.Errorf("report time = %q", cfg.Report.Time)
	}
	if cfg.Poll.Interval != 2*time.Minute {
		t.Errorf("interval = %s", cfg.Poll.Interval)
	}
	if cfg.Report.DailyDir != "/srv/daily" {
		t.Errorf("daily dir = %q", cfg.Report.DailyDir)
	}

	t.Setenv("INTERVAL_SEC", "soon")
	if _, err := Load(path); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("bad INTERVAL_SEC err = %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, "sensor:\n  host: x\ndisk:\n  threshold: 150\n")
	if _, err := Load(path); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit config file accepted")
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	path := writeFile(t, "sensor:\n  host: x\nmirror:\n  token: s3cret\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	text := string(out)
	if strings.Contains(text, "s3cret") {
		t.Error("token leaked")
	}
	if !strings.Contains(text, "interval: 30s") {
		t.Errorf("effective interval missing:\n%s", text)
	}
}

func TestConverters(t *testing.T) {
	cfg := validConfig()
	cfg.Report.Timezone = "UTC"
	cfg.Storage.DeadLetterPath = "/var/lib/luxlogger/dead/letters.jsonl"

	sc, err := cfg.ToServiceConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.PollInterval != 30*time.Second || sc.Location != time.UTC || sc.ReportTime != "07:00" {
		t.Errorf("service config = %+v", sc)
	}
	if st := cfg.ToStorageConfig(); st.Driver != storage.DriverBadger || !st.CacheEnabled {
		t.Errorf("storage config = %+v", st)
	}
	if vc, enabled := cfg.ToValidateConfig(); !enabled || vc.MinSensorCount != 100 {
		t.Errorf("validate config = %+v %v", vc, enabled)
	}
	if got := cfg.SensorURL(); got != "http://heatpump.local:8888/" {
		t.Errorf("SensorURL = %s", got)
	}
	paths := cfg.DiskPaths()
	if len(paths) != 4 || paths[0] != "data/cache" || paths[3] != "/var/lib/luxlogger/dead" {
		t.Errorf("DiskPaths = %v", paths)
	}
}
