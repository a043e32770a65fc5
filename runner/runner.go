// Package runner holds the process configuration and the run modes.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Vector/docbatch/archive"
	"github.com/Vector/docbatch/converter"
	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/redis/config"
	"github.com/Vector/docbatch/tlmt"
	"github.com/Vector/docbatch/tlmt/gonoop"
	"github.com/Vector/docbatch/tlmt/goposthog"
)

// Run modes
const (
	RunModeWeb    = "web"
	RunModeWorker = "worker"
	RunModeAll    = "all"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

var ErrInvalidRunMode = errors.New("invalid run mode")

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Mode              string        `validate:"required,oneof=web worker all"`
	Addr              string        `validate:"required_unless=Mode worker"`
	StorageDir        string        `validate:"required"`
	Store             string        `validate:"required,oneof=memory sqlite postgres"`
	DSN               string        `validate:"required_if=Store postgres"`
	Workers           int           `validate:"min=1,max=256"`
	QueueSize         int           `validate:"gte=0"`
	EngineBinary      string        `validate:"required"`
	ValidateOutput    bool
	ConversionTimeout time.Duration `validate:"gt=0"`
	MaxAttempts       int           `validate:"min=1,max=10"`
	RetryBackoff      time.Duration `validate:"gte=0"`
	TargetFormat      string        `validate:"required,alphanum"`
	MaxUploadSize     int64         `validate:"gt=0"`
	MaxFilesPerJob    int           `validate:"gt=0"`
	MaxFileSize       int64         `validate:"gt=0"`
	AllowedExtensions []string      `validate:"dive,startswith=."`
	AllowedOrigins    []string
	Retention         time.Duration `validate:"gte=0"`
	CleanupInterval   time.Duration `validate:"gt=0"`
	RecoverInterval   time.Duration `validate:"gt=0"`
	Debug             bool

	// Redis is loaded from the environment for the web and worker modes.
	Redis *config.RedisConfig `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct rules and the rules spanning several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}

			return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
		}

		return err
	}

	for _, ext := range c.AllowedExtensions {
		if !archive.Known(ext) {
			return fmt.Errorf("invalid configuration: unsupported source extension %q", ext)
		}
	}

	// web and worker processes only meet through the store
	if c.Mode != RunModeAll && c.Store == StoreMemory {
		return fmt.Errorf("invalid configuration: store %q cannot be shared between processes in mode %q", c.Store, c.Mode)
	}

	return nil
}

// ParseConfig reads flags from args. Every flag falls back to an environment
// variable, and the Redis settings come from the REDIS_* variables.
func ParseConfig(args []string) (*Config, error) {
	cfg := Config{}
	fs := flag.NewFlagSet("docbatch", flag.ContinueOnError)

	var origins, extensions string

	fs.StringVar(&cfg.Mode, "mode", envString("MODE", RunModeAll), "run mode: web, worker or all")
	fs.StringVar(&cfg.Addr, "addr", envString("ADDR", ":8080"), "address to listen on")
	fs.StringVar(&cfg.StorageDir, "storage", envString("STORAGE_DIR", "data"), "directory holding uploads, outputs and archives")
	fs.StringVar(&cfg.Store, "store", envString("STORE", StoreSQLite), "job store: memory, sqlite or postgres")
	fs.StringVar(&cfg.DSN, "dsn", envString("DATABASE_URL", ""), "database connection string (postgres) or file path (sqlite)")
	fs.IntVar(&cfg.Workers, "workers", envInt("WORKERS", max(runtime.NumCPU()/2, 1)), "number of parallel conversions")
	fs.IntVar(&cfg.QueueSize, "queue-size", envInt("QUEUE_SIZE", 0), "backlog of the in-process queue (0 uses the default)")
	fs.StringVar(&cfg.EngineBinary, "engine", envString("LIBREOFFICE_BINARY", converter.DefaultBinary), "conversion engine executable")
	fs.BoolVar(&cfg.ValidateOutput, "validate-output", envBool("VALIDATE_OUTPUT", true), "check that converted files are well formed")
	fs.DurationVar(&cfg.ConversionTimeout, "timeout", envDuration("CONVERSION_TIMEOUT", converter.DefaultTimeout), "time limit of one conversion")
	fs.IntVar(&cfg.MaxAttempts, "attempts", envInt("MAX_ATTEMPTS", 2), "conversion attempts per file on transient failures")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", envDuration("RETRY_BACKOFF", 0), "pause between conversion attempts")
	fs.StringVar(&cfg.TargetFormat, "format", envString("TARGET_FORMAT", orchestrator.DefaultTargetFormat), "output format")
	fs.Int64Var(&cfg.MaxUploadSize, "max-upload", envInt64("MAX_UPLOAD_SIZE", orchestrator.DefaultMaxUploadSize), "maximum upload size in bytes")
	fs.IntVar(&cfg.MaxFilesPerJob, "max-files", envInt("MAX_FILES_PER_JOB", orchestrator.DefaultMaxFilesPerJob), "maximum documents per archive")
	fs.Int64Var(&cfg.MaxFileSize, "max-file-size", envInt64("MAX_FILE_SIZE", orchestrator.DefaultMaxFileSize), "maximum uncompressed document size in bytes")
	fs.StringVar(&extensions, "extensions", envString("ALLOWED_EXTENSIONS", strings.Join(orchestrator.DefaultAllowedExtensions, ",")), "comma separated source extensions accepted in uploads")
	fs.StringVar(&origins, "origins", envString("ALLOWED_ORIGINS", ""), "comma separated CORS origins (empty allows any)")
	fs.DurationVar(&cfg.Retention, "retention", envDuration("RETENTION", 7*24*time.Hour), "age after which finished jobs are removed (0 keeps them)")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", envDuration("CLEANUP_INTERVAL", time.Hour), "how often finished jobs are swept")
	fs.DurationVar(&cfg.RecoverInterval, "recover-interval", envDuration("RECOVER_INTERVAL", time.Minute), "how often unfinished files are checked for lost deliveries")
	fs.BoolVar(&cfg.Debug, "debug", envBool("DEBUG", false), "development logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	cfg.AllowedOrigins = splitList(origins)

	for _, ext := range splitList(extensions) {
		cfg.AllowedExtensions = append(cfg.AllowedExtensions, "."+strings.TrimPrefix(strings.ToLower(ext), "."))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mode != RunModeAll {
		redisCfg, err := config.NewRedisConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load redis configuration: %w", err)
		}

		redisCfg.Workers = cfg.Workers
		cfg.Redis = redisCfg
	}

	return &cfg, nil
}

func splitList(v string) []string {
	var ans []string

	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			ans = append(ans, item)
		}
	}

	return ans
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}

	return def
}

func envInt64(key string, def int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}

	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}

	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}

	return def
}

// NewLogger returns a development logger in debug mode and a production one
// otherwise.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

// Telemetry sends to PostHog when POSTHOG_API_KEY is set and DISABLE_TELEMETRY
// is not 1. Otherwise nothing leaves the process.
func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		key := os.Getenv("POSTHOG_API_KEY")

		if key == "" || os.Getenv("DISABLE_TELEMETRY") == "1" {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New(key, os.Getenv("POSTHOG_ENDPOINT"))
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})

	return telemetry
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(int(os.Stderr.Fd()))
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		paddingRight := max(contentWidth-runewidth.StringWidth(line), 0)

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

// Banner prints the startup box to stderr.
func Banner(cfg *Config) {
	messages := []string{
		"📄 docbatch: bulk document conversion",
		fmt.Sprintf("⚙️  mode=%s store=%s workers=%d format=%s", cfg.Mode, cfg.Store, cfg.Workers, cfg.TargetFormat),
	}

	if cfg.Mode != RunModeWorker {
		messages = append(messages, "🌐 listening on "+cfg.Addr)
	}

	fmt.Fprintln(os.Stderr, banner(messages, 0))
}
