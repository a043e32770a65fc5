package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

/*
MigrationRunner executes postgres schema migrations using the golang-migrate library.
The migrations compiled into the binary are used unless a directory holding
{version}_{description}.up.sql / .down.sql files is set with SetMigrationsDir.
Applied migrations are tracked in the schema_migrations table.
*/
type MigrationRunner struct {
	dsn           string
	migrationsDir string
	logger        *zap.Logger
	timeout       time.Duration
}

func NewMigrationRunner(dsn string, logger *zap.Logger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MigrationRunner{
		dsn:     dsn,
		logger:  logger.Named("migration"),
		timeout: 30 * time.Second,
	}
}

func (m *MigrationRunner) SetMigrationsDir(dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid directory path: %w", err)
	}

	fileInfo, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}

	if !fileInfo.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	m.migrationsDir = absPath

	return nil
}

func (m *MigrationRunner) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

func (m *MigrationRunner) RunMigrations() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	migrator, err := m.createMigrator(ctx)
	if err != nil {
		return err
	}

	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to apply, database is up to date")

			return nil
		}

		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, _ := migrator.Version()
	m.logger.Info("applied migrations", zap.Uint("version", version), zap.Bool("dirty", dirty))

	return nil
}

func (m *MigrationRunner) createMigrator(ctx context.Context) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", m.formatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Minute * 5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbInstance, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	if m.migrationsDir != "" {
		m.logger.Info("using migrations from directory", zap.String("dir", m.migrationsDir))

		migrator, err := migrate.NewWithDatabaseInstance("file://"+m.migrationsDir, "postgres", dbInstance)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}

		return migrator, nil
	}

	source, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", dbInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return migrator, nil
}

func (m *MigrationRunner) formatDSN() string {
	if !strings.HasPrefix(m.dsn, "postgres://") && !strings.HasPrefix(m.dsn, "postgresql://") {
		return "postgres://" + m.dsn
	}

	return m.dsn
}
