// config.go loads server settings. Defaults come first, then the optional
// YAML file named by -config, then any flag given explicitly on the command
// line.
//
//	port: 6479
//	aof: /var/lib/cardinal/journal.aof
//	aof_min_size: 64MiB
//	default_lgk: 14
//	metrics_addr: 127.0.0.1:9479
//	log_format: json

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"cardinal.lopezb.com/internal/hll"
)

// byteSize is a size in bytes written either as an integer or with a unit
// ("64MiB", "1 GB").
type byteSize int64

func (b *byteSize) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

func (b byteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *byteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

type config struct {
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	DefaultLgK        int           `yaml:"default_lgk"`
	Persistence       bool          `yaml:"persistence"`
	AOFPath           string        `yaml:"aof"`
	AOFMinSize        byteSize      `yaml:"aof_min_size"`
	AOFRewritePercent int           `yaml:"aof_rewrite_percent"`
	AOFLoadTruncated  bool          `yaml:"aof_load_truncated"`
	FsyncInterval     time.Duration `yaml:"fsync_interval"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogFormat         string        `yaml:"log_format"`
	LogLevel          string        `yaml:"log_level"`
	MemLimitRatio     float64       `yaml:"memlimit_ratio"`
}

func defaultConfig() config {
	return config{
		Port:              6479,
		MaxConnections:    100,
		ShutdownTimeout:   5 * time.Second,
		DefaultLgK:        hll.DefaultLgK,
		Persistence:       true,
		AOFPath:           "journal.aof",
		AOFMinSize:        64 << 20,
		AOFRewritePercent: 100,
		AOFLoadTruncated:  true,
		FsyncInterval:     time.Second,
		LogFormat:         "text",
		LogLevel:          "info",
		MemLimitRatio:     0.9,
	}
}

func bindFlags(fs *flag.FlagSet, cfg *config) {
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP server port")
	fs.IntVar(&cfg.MaxConnections, "max-conn", cfg.MaxConnections, "Maximum concurrent connections")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle client connection timeout (0 for no timeout)")
	fs.IntVar(&cfg.DefaultLgK, "lgk", cfg.DefaultLgK, "Precision of sketches created without an explicit lgK")
	fs.BoolVar(&cfg.Persistence, "persistence", cfg.Persistence, "Enable the journal (false for memory-only mode)")
	fs.StringVar(&cfg.AOFPath, "aof", cfg.AOFPath, "Journal file path")
	fs.Var(&cfg.AOFMinSize, "aof-min-size", "Minimum journal size before an automatic rewrite")
	fs.IntVar(&cfg.AOFRewritePercent, "aof-rewrite-percent", cfg.AOFRewritePercent, "Journal growth percentage that triggers a rewrite")
	fs.BoolVar(&cfg.AOFLoadTruncated, "aof-load-truncated", cfg.AOFLoadTruncated, "Recover from a journal with a partial final command")
	fs.DurationVar(&cfg.FsyncInterval, "fsync-interval", cfg.FsyncInterval, "How often the journal is synced to disk")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus /metrics endpoint (empty to disable)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.Float64Var(&cfg.MemLimitRatio, "memlimit-ratio", cfg.MemLimitRatio, "Fraction of the container memory limit to use as GOMEMLIMIT (0 to disable)")
}

// loadConfig parses args (without the program name).
func loadConfig(args []string, stderr io.Writer) (config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("cardinal-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML config file")
	bindFlags(fs, &cfg)

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if *path != "" {
		fileCfg, err := loadConfigFile(*path)
		if err != nil {
			return config{}, err
		}

		// Re-apply the flags the user actually typed on top of the file.
		overlay := flag.NewFlagSet("overlay", flag.ContinueOnError)
		bindFlags(overlay, &fileCfg)
		var setErr error
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "config" || setErr != nil {
				return
			}
			setErr = overlay.Set(f.Name, f.Value.String())
		})
		if setErr != nil {
			return config{}, setErr
		}
		cfg = fileCfg
	}

	return cfg, cfg.Validate()
}

func loadConfigFile(path string) (config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if c.DefaultLgK < hll.MinLgK || c.DefaultLgK > hll.MaxLgK {
		errs = append(errs, fmt.Errorf("default_lgk must be in [%d, %d], got %d", hll.MinLgK, hll.MaxLgK, c.DefaultLgK))
	}
	if c.Persistence && c.AOFPath == "" {
		errs = append(errs, errors.New("aof path is required when persistence is enabled"))
	}
	if c.AOFRewritePercent < 0 {
		errs = append(errs, errors.New("aof_rewrite_percent must not be negative"))
	}
	if c.FsyncInterval <= 0 {
		errs = append(errs, errors.New("fsync_interval must be positive"))
	}
	if c.MemLimitRatio < 0 || c.MemLimitRatio > 1 {
		errs = append(errs, fmt.Errorf("memlimit_ratio must be in [0, 1], got %g", c.MemLimitRatio))
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}

// newLogger builds the slog logger described by cfg. cfg must be valid.
func newLogger(cfg config, w io.Writer) *slog.Logger {
	level, _ := parseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
