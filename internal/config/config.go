package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/mirror"
	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/scheduler"
	"github.com/vjranagit/luxlogger/pkg/service"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/types"
	"github.com/vjranagit/luxlogger/pkg/validate"
)

// EnvPrefix prefixes every environment override, e.g. LUXLOGGER_POLL_INTERVAL.
const EnvPrefix = "LUXLOGGER"

// Sensor sources.
const (
	SourceHTTP      = "http"
	SourceSimulator = "simulator"
)

// Config holds the application configuration
type Config struct {
	Sensor        SensorConfig     `mapstructure:"sensor"`
	Poll          PollConfig       `mapstructure:"poll"`
	Report        ReportConfig     `mapstructure:"report"`
	Storage       StorageConfig    `mapstructure:"storage"`
	Validation    ValidationConfig `mapstructure:"validation"`
	Disk          DiskConfig       `mapstructure:"disk"`
	Server        ServerConfig     `mapstructure:"server"`
	Mirror        MirrorConfig     `mapstructure:"mirror"`
	Log           LogConfig        `mapstructure:"log"`
	ShutdownGrace time.Duration    `mapstructure:"shutdown_grace"`

	// settings is the merged key/value view used by YAML.
	settings map[string]interface{}
}

// SensorConfig selects and tunes the sensor reader.
type SensorConfig struct {
	Source           string        `mapstructure:"source"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	URL              string        `mapstructure:"url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Attempts         int           `mapstructure:"attempts"`
	SimulatedSensors int           `mapstructure:"simulated_sensors"`
}

// PollConfig holds the polling schedule.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

// ReportConfig holds report generation settings.
type ReportConfig struct {
	Time      string        `mapstructure:"time"`
	Timezone  string        `mapstructure:"timezone"`
	Retention time.Duration `mapstructure:"retention"`
	DailyDir  string        `mapstructure:"daily_dir"`
	WeeklyDir string        `mapstructure:"weekly_dir"`
	Delimiter string        `mapstructure:"delimiter"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Driver           string      `mapstructure:"driver"`
	Path             string      `mapstructure:"path"`
	DSN              string      `mapstructure:"dsn"`
	CompressionLevel int         `mapstructure:"compression_level"`
	DeadLetterPath   string      `mapstructure:"dead_letter_path"`
	Cache            CacheConfig `mapstructure:"cache"`
}

// CacheConfig holds query cache settings.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxCost int64         `mapstructure:"max_cost"`
}

// ValidationConfig holds the reading validation thresholds.
type ValidationConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinSensorCount     int           `mapstructure:"min_sensor_count"`
	MinCriticalSensors int           `mapstructure:"min_critical_sensors"`
	GoodSensorCount    int           `mapstructure:"good_sensor_count"`
	MaxClockSkew       time.Duration `mapstructure:"max_clock_skew"`
}

// DiskConfig holds the disk usage advisory threshold in percent.
type DiskConfig struct {
	Threshold int `mapstructure:"threshold"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// MirrorConfig holds the optional InfluxDB mirror.
type MirrorConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	URL         string            `mapstructure:"url"`
	Token       string            `mapstructure:"token"`
	Org         string            `mapstructure:"org"`
	Bucket      string            `mapstructure:"bucket"`
	Measurement string            `mapstructure:"measurement"`
	Tags        map[string]string `mapstructure:"tags"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Sensor: SensorConfig{
			Source:           SourceHTTP,
			Port:             8888,
			Timeout:          10 * time.Second,
			Attempts:         3,
			SimulatedSensors: 600,
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
			Workers:  scheduler.DefaultWorkers,
		},
		Report: ReportConfig{
			Time:      "07:00",
			Timezone:  "Local",
			Retention: 30 * 24 * time.Hour,
			DailyDir:  "data/daily",
			WeeklyDir: "data/weekly",
			Delimiter: ",",
		},
		Storage: StorageConfig{
			Driver:           storage.DriverBadger,
			Path:             "data/cache",
			CompressionLevel: 2,
			Cache: CacheConfig{
				Enabled: true,
				TTL:     5 * time.Minute,
				MaxCost: 64 << 20,
			},
		},
		Validation: ValidationConfig{
			Enabled:            true,
			MinSensorCount:     100,
			MinCriticalSensors: 10,
			GoodSensorCount:    500,
			MaxClockSkew:       time.Hour,
		},
		Disk:          DiskConfig{Threshold: 90},
		Server:        ServerConfig{ListenAddr: ":8000"},
		Mirror:        MirrorConfig{Measurement: mirror.DefaultMeasurement},
		Log:           LogConfig{Level: "info", Format: "json"},
		ShutdownGrace: 10 * time.Second,
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	for key, val := range map[string]interface{}{
		"sensor.source":                   d.Sensor.Source,
		"sensor.host":                     d.Sensor.Host,
		"sensor.port":                     d.Sensor.Port,
		"sensor.url":                      d.Sensor.URL,
		"sensor.timeout":                  d.Sensor.Timeout.String(),
		"sensor.attempts":                 d.Sensor.Attempts,
		"sensor.simulated_sensors":        d.Sensor.SimulatedSensors,
		"poll.interval":                   d.Poll.Interval.String(),
		"poll.workers":                    d.Poll.Workers,
		"report.time":                     d.Report.Time,
		"report.timezone":                 d.Report.Timezone,
		"report.retention":                d.Report.Retention.String(),
		"report.daily_dir":                d.Report.DailyDir,
		"report.weekly_dir":               d.Report.WeeklyDir,
		"report.delimiter":                d.Report.Delimiter,
		"storage.driver":                  d.Storage.Driver,
		"storage.path":                    d.Storage.Path,
		"storage.dsn":                     d.Storage.DSN,
		"storage.compression_level":       d.Storage.CompressionLevel,
		"storage.dead_letter_path":        d.Storage.DeadLetterPath,
		"storage.cache.enabled":           d.Storage.Cache.Enabled,
		"storage.cache.ttl":               d.Storage.Cache.TTL.String(),
		"storage.cache.max_cost":          d.Storage.Cache.MaxCost,
		"validation.enabled":              d.Validation.Enabled,
		"validation.min_sensor_count":     d.Validation.MinSensorCount,
		"validation.min_critical_sensors": d.Validation.MinCriticalSensors,
		"validation.good_sensor_count":    d.Validation.GoodSensorCount,
		"validation.max_clock_skew":       d.Validation.MaxClockSkew.String(),
		"disk.threshold":                  d.Disk.Threshold,
		"server.listen_addr":              d.Server.ListenAddr,
		"mirror.enabled":                  d.Mirror.Enabled,
		"mirror.url":                      d.Mirror.URL,
		"mirror.token":                    d.Mirror.Token,
		"mirror.org":                      d.Mirror.Org,
		"mirror.bucket":                   d.Mirror.Bucket,
		"mirror.measurement":              d.Mirror.Measurement,
		"log.level":                       d.Log.Level,
		"log.format":                      d.Log.Format,
		"shutdown_grace":                  d.ShutdownGrace.String(),
	} {
		v.SetDefault(key, val)
	}
}

// legacyKeys maps the flat names of earlier deployments, accepted as bare
// environment variables and as top-level file keys, to their current keys.
var legacyKeys = []struct {
	name    string
	key     string
	seconds bool
}{
	{"HOST", "sensor.host", false},
	{"PORT", "sensor.port", false},
	{"INTERVAL_SEC", "poll.interval", true},
	{"CSV_TIME", "report.time", false},
	{"CACHE_PATH", "storage.path", false},
	{"OUTPUT_DIRS_DAILY", "report.daily_dir", false},
	{"OUTPUT_DIRS_WEEKLY", "report.weekly_dir", false},
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyLegacy copies legacy values onto their current keys unless the
// prefixed variable is set.
func applyLegacy(v *viper.Viper) error {
	for _, l := range legacyKeys {
		if _, ok := os.LookupEnv(envName(l.key)); ok {
			continue
		}
		raw, ok := os.LookupEnv(l.name)
		if !ok {
			if !v.InConfig(strings.ToLower(l.name)) {
				continue
			}
			raw = v.GetString(strings.ToLower(l.name))
		}
		if l.seconds {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%w: %s must be a number of seconds: %q", types.ErrInvalidConfig, l.name, raw)
			}
			raw = (time.Duration(n) * time.Second).String()
		}
		v.Set(l.key, raw)
	}
	return nil
}

// Load reads configuration from the YAML file at path (optional), then
// LUXLOGGER_* environment variables, then the legacy flat variables, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		warnWorldReadable(v.ConfigFileUsed())
	}

	if err := applyLegacy(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling config: %w", types.ErrInvalidConfig, err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func warnWorldReadable(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0004 != 0 {
		logging.Logger().Warn("config file is world-readable", "path", path, "permissions", fmt.Sprintf("%04o", perm))
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Sensor.Source {
	case SourceHTTP:
		if c.Sensor.URL == "" && c.Sensor.Host == "" {
			fail("sensor.host or sensor.url must be specified for the http source")
		}
	case SourceSimulator:
	default:
		fail("sensor.source must be %q or %q, got %q", SourceHTTP, SourceSimulator, c.Sensor.Source)
	}
	if c.Sensor.Port <= 0 || c.Sensor.Port > 65535 {
		fail("sensor.port must be between 1-65535, got %d", c.Sensor.Port)
	}
	if c.Sensor.Attempts < 1 {
		fail("sensor.attempts must be at least 1")
	}
	if c.Sensor.Timeout <= 0 {
		fail("sensor.timeout must be positive")
	}

	if c.Poll.Interval < 5*time.Second {
		fail("poll.interval must be at least 5s, got %s", c.Poll.Interval)
	}
	if _, err := scheduler.ParseDaily(c.Report.Time, time.UTC); err != nil {
		fail("report.time: %v", err)
	}
	if _, err := c.Location(); err != nil {
		fail("report.timezone: %v", err)
	}
	if c.Report.Retention <= 0 {
		fail("report.retention must be positive")
	}
	if c.Report.DailyDir == "" || c.Report.WeeklyDir == "" {
		fail("report.daily_dir and report.weekly_dir are required")
	}
	if len([]rune(c.Report.Delimiter)) != 1 {
		fail("report.delimiter must be a single character, got %q", c.Report.Delimiter)
	}

	switch c.Storage.Driver {
	case storage.DriverBadger, storage.DriverSQLite:
		if c.Storage.Path == "" {
			fail("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			fail("storage.dsn is required for the postgres driver")
		}
	default:
		fail("storage.driver must be badger, sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		fail("storage.compression_level must be between 1 and 4")
	}
	if c.Storage.Cache.Enabled && (c.Storage.Cache.TTL <= 0 || c.Storage.Cache.MaxCost <= 0) {
		fail("storage.cache.ttl and storage.cache.max_cost must be positive")
	}

	if c.Validation.MinSensorCount < 0 || c.Validation.MinCriticalSensors < 0 ||
		c.Validation.GoodSensorCount < 0 || c.Validation.MaxClockSkew < 0 {
		fail("validation thresholds must not be negative")
	}
	if c.Disk.Threshold <= 0 || c.Disk.Threshold >= 100 {
		fail("disk.threshold must be between 1-99, got %d", c.Disk.Threshold)
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		fail("server.listen_addr %q is not a valid address: %v", c.Server.ListenAddr, err)
	}
	if c.Mirror.Enabled {
		if err := c.ToMirrorConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.ShutdownGrace <= 0 {
		fail("shutdown_grace must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrInvalidConfig, errors.Join(errs...))
}

// Location returns the report time zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Report.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Report.Timezone)
	}
}

// SensorURL is the HTTP bridge address, derived from host and port when no
// URL is configured.
func (c *Config) SensorURL() string {
	if c.Sensor.URL != "" {
		return c.Sensor.URL
	}
	return "http://" + net.JoinHostPort(c.Sensor.Host, strconv.Itoa(c.Sensor.Port)) + "/"
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Driver:           c.Storage.Driver,
		Path:             c.Storage.Path,
		DSN:              c.Storage.DSN,
		CompressionLevel: c.Storage.CompressionLevel,
		DeadLetterPath:   c.Storage.DeadLetterPath,
		CacheEnabled:     c.Storage.Cache.Enabled,
		CacheTTL:         c.Storage.Cache.TTL,
		CacheMaxCost:     c.Storage.Cache.MaxCost,
	}
}

// ToValidateConfig converts to validate.Config. The second result is false
// when validation is disabled.
func (c *Config) ToValidateConfig() (validate.Config, bool) {
	return validate.Config{
		MinSensorCount:     c.Validation.MinSensorCount,
		MinCriticalSensors: c.Validation.MinCriticalSensors,
		GoodSensorCount:    c.Validation.GoodSensorCount,
		MaxClockSkew:       c.Validation.MaxClockSkew,
	}, c.Validation.Enabled
}

// ToServiceConfig converts to service.Config.
func (c *Config) ToServiceConfig() (service.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return service.Config{}, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	cfg := service.DefaultConfig()
	cfg.PollInterval = c.Poll.Interval
	cfg.Workers = c.Poll.Workers
	cfg.ReportTime = c.Report.Time
	cfg.Location = loc
	cfg.ReportRetention = c.Report.Retention
	cfg.ShutdownGrace = c.ShutdownGrace
	return cfg, nil
}

// ToMirrorConfig converts to mirror.Config.
func (c *Config) ToMirrorConfig() mirror.Config {
	return mirror.Config{
		URL:         c.Mirror.URL,
		Token:       c.Mirror.Token,
		Org:         c.Mirror.Org,
		Bucket:      c.Mirror.Bucket,
		Measurement: c.Mirror.Measurement,
		Tags:        c.Mirror.Tags,
	}
}

// ReportDirs returns the output directory per report kind.
func (c *Config) ReportDirs() map[report.Kind]string {
	return map[report.Kind]string{
		report.KindDaily:  c.Report.DailyDir,
		report.KindWeekly: c.Report.WeeklyDir,
	}
}

// Delimiter returns the CSV delimiter.
func (c *Config) Delimiter() rune {
	r := []rune(c.Report.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}

// DiskPaths lists the paths watched by the disk usage advisory.
func (c *Config) DiskPaths() []string {
	paths := []string{c.Report.DailyDir, c.Report.WeeklyDir}
	if c.Storage.Driver != storage.DriverPostgres {
		paths = append([]string{c.Storage.Path}, paths...)
	}
	if c.Storage.DeadLetterPath != "" {
		paths = append(paths, filepath.Dir(c.Storage.DeadLetterPath))
	}
	return paths
}

const redacted = "<redacted>"

// YAML renders the effective settings with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		v := viper.New()
		setDefaults(v, c)
		settings = v.AllSettings()
	}
	for _, secret := range [][2]string{{"mirror", "token"}, {"storage", "dsn"}} {
		section, ok := settings[secret[0]].(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := section[secret[1]].(string); s != "" {
			section[secret[1]] = redacted
		}
	}
	return yaml.Marshal(settings)
}
