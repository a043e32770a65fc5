package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/aggregator"
	"github.com/Vector/docbatch/assembler"
	"github.com/Vector/docbatch/converter"
	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/memory"
	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/postgres"
	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/sqlite"
	"github.com/Vector/docbatch/web/handlers"
)

var ErrEngineUnavailable = errors.New("conversion engine is not available")

// Stack holds the components every run mode shares.
type Stack struct {
	Repo       models.JobRepository
	Aggregator *aggregator.Aggregator
	Assembler  *assembler.Assembler
	Engine     *converter.LibreOffice
	Task       *filetask.Task

	// ClaimLease is how long a file may stay PROCESSING before it is handed
	// to another worker.
	ClaimLease time.Duration

	closers []func() error
}

// NewStack opens the store and wires the aggregator, the assembler and the
// conversion task. Outcomes are published to publisher.
func NewStack(ctx context.Context, cfg *Config, logger *zap.Logger, publisher progress.Publisher) (*Stack, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &Stack{}

	repo, closer, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	s.Repo = repo

	s.Assembler = assembler.New(repo, cfg.StorageDir, logger.Named("assembler"))

	taskCfg := filetask.DefaultConfig()
	taskCfg.ConversionTimeout = cfg.ConversionTimeout
	taskCfg.MaxAttempts = cfg.MaxAttempts
	taskCfg.RetryBackoff = cfg.RetryBackoff

	s.ClaimLease = taskCfg.ClaimLease()

	s.Aggregator = aggregator.New(repo,
		aggregator.WithClaimLease(s.ClaimLease),
		aggregator.WithPublisher(publisher),
		aggregator.WithTelemetry(Telemetry()),
		aggregator.WithLogger(logger.Named("aggregator")),
	)
	s.Aggregator.OnTerminal(s.Assembler.Hook)

	s.Engine = converter.NewLibreOffice(
		converter.WithBinary(cfg.EngineBinary),
		converter.WithWorkDir(filepath.Join(cfg.StorageDir, "tmp")),
		converter.WithOutputValidation(cfg.ValidateOutput),
		converter.WithLogger(logger.Named("converter")),
	)

	s.Task = filetask.New(taskCfg, repo, s.Aggregator, s.Engine, cfg.StorageDir, logger.Named("task"))

	return s, nil
}

// OpenStore returns the configured JobRepository and, when the store holds a
// connection, the function releasing it.
func OpenStore(ctx context.Context, cfg *Config, logger *zap.Logger) (models.JobRepository, func() error, error) {
	switch cfg.Store {
	case StoreMemory:
		repo, err := memory.New()

		return repo, nil, err
	case StoreSQLite:
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(cfg.StorageDir, "jobs.db")
		}

		repo, err := sqlite.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}

		return repo, nil, nil
	case StorePostgres:
		migrations := postgres.NewMigrationRunner(cfg.DSN, logger)

		if paths := postgres.GetMigrationPaths(); len(paths) > 0 {
			if err := migrations.SetMigrationsDir(paths[0]); err != nil {
				return nil, nil, err
			}
		}

		if err := migrations.RunMigrations(); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}

		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()

			return nil, nil, fmt.Errorf("failed to reach postgres store: %w", err)
		}

		repo, err := postgres.NewRepository(db)
		if err != nil {
			_ = db.Close()

			return nil, nil, err
		}

		return repo, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// NewOrchestrator builds the intake side on top of the stack.
func (s *Stack) NewOrchestrator(cfg *Config, queue orchestrator.Queue, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	orch := orchestrator.New(orchestrator.Config{
		StorageDir:        cfg.StorageDir,
		TargetFormat:      cfg.TargetFormat,
		MaxUploadSize:     cfg.MaxUploadSize,
		MaxFilesPerJob:    cfg.MaxFilesPerJob,
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
	}, s.Repo, queue, s.Aggregator,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTelemetry(Telemetry()),
	)

	if err := orch.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("failed to prepare storage layout: %w", err)
	}

	return orch, nil
}

// Checks returns the health checks of the store and the engine.
func (s *Stack) Checks() map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"store": s.Repo.Ping,
		"engine": func(ctx context.Context) error {
			if !s.Engine.Available(ctx) {
				return ErrEngineUnavailable
			}

			return nil
		},
	}
}

func (s *Stack) Close() error {
	var err error

	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}

	return err
}
