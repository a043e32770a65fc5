package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/Vector/docbatch/models"
)

const (
	codeUniqueViolation  = "23505"
	codeInvalidTextValue = "22P02"
)

type repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new PostgreSQL implementation of models.JobRepository.
// The schema is expected to be in place, see MigrationRunner.
func NewRepository(db *sql.DB) (models.JobRepository, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const jobColumns = `id, status, source_name, target_format, file_count, completed_count,
	failed_count, archive_path, created_at, updated_at, completed_at`

const fileColumns = `id, job_id, filename, input_path, output_path, status, error_kind,
	error_message, attempts, size_bytes, created_at, updated_at, completed_at`

// CreateJob inserts the job and all of its files in one transaction
func (repo *repository) CreateJob(ctx context.Context, job *models.Job, files []models.File) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if len(files) != job.FileCount {
		return models.ErrInvalidJob
	}

	return repo.withTx(ctx, func(tx *sql.Tx) error {
		const qj = `INSERT INTO jobs (` + jobColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

		_, err := tx.ExecContext(ctx, qj, job.ID, job.Status, job.SourceName, job.TargetFormat,
			job.FileCount, job.CompletedCount, job.FailedCount, job.ArchivePath,
			job.CreatedAt, job.UpdatedAt, job.CompletedAt)
		if err != nil {
			return translate(fmt.Errorf("failed to create job: %w", err))
		}

		const qf = `INSERT INTO job_files (` + fileColumns + `, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

		stmt, err := tx.PrepareContext(ctx, qf)
		if err != nil {
			return err
		}

		defer stmt.Close()

		for i := range files {
			f := &files[i]

			_, err = stmt.ExecContext(ctx, f.ID, job.ID, f.Filename, f.InputPath, f.OutputPath, f.Status,
				f.ErrorKind, f.ErrorMessage, f.Attempts, f.SizeBytes, f.CreatedAt, f.UpdatedAt, f.CompletedAt, i)
			if err != nil {
				return translate(fmt.Errorf("failed to create file %s: %w", f.Filename, err))
			}
		}

		return nil
	})
}

// GetJob retrieves a job by ID
func (repo *repository) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(ctx, repo.db, id, false)
}

// ListJobs finds jobs based on the provided parameters, newest first
func (repo *repository) ListJobs(ctx context.Context, params models.SelectParams) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`

	var (
		args       []any
		conditions []string
	)

	if params.Status != "" {
		args = append(args, params.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if !params.CreatedBefore.IsZero() {
		args = append(args, params.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}

	q += " ORDER BY created_at DESC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}

	defer rows.Close()

	var ans []models.Job

	for rows.Next() {
		job, err := rowToJob(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ans, nil
}

// DeleteJob removes a job; its files go with it through the foreign key cascade.
func (repo *repository) DeleteJob(ctx context.Context, id string) error {
	result, err := repo.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return translate(fmt.Errorf("failed to delete job: %w", err))
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (repo *repository) GetFile(ctx context.Context, jobID, fileID string) (models.File, error) {
	return getFile(ctx, repo.db, jobID, fileID)
}

func (repo *repository) ListFiles(ctx context.Context, jobID string) ([]models.File, error) {
	if _, err := repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	const q = `SELECT ` + fileColumns + ` FROM job_files WHERE job_id = $1 ORDER BY position`

	rows, err := repo.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, translate(err)
	}

	defer rows.Close()

	var ans []models.File

	for rows.Next() {
		f, err := rowToFile(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, f)
	}

	return ans, rows.Err()
}

// ClaimFile locks the job row so a claim never races a concurrent report.
func (repo *repository) ClaimFile(ctx context.Context, jobID, fileID string, lease time.Duration) (bool, error) {
	var claimed bool

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}

		f, err := getFile(ctx, tx, jobID, fileID)
		if err != nil {
			return err
		}

		if claimed = job.Claim(&f, repo.now(), lease); !claimed {
			return nil
		}

		if err := updateFile(ctx, tx, &f); err != nil {
			return err
		}

		return updateJob(ctx, tx, &job)
	})

	return claimed, err
}

func (repo *repository) RecordAttempt(ctx context.Context, jobID, fileID string) (int, error) {
	const q = `UPDATE job_files SET attempts = attempts + 1, updated_at = $1
		WHERE job_id = $2 AND id = $3 RETURNING attempts`

	var attempts int

	err := repo.db.QueryRowContext(ctx, q, repo.now(), jobID, fileID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}

	if err != nil {
		return 0, translate(err)
	}

	return attempts, nil
}

// ApplyOutcome is the per-job critical section: the job row is held with
// SELECT ... FOR UPDATE while the file and the counters change.
func (repo *repository) ApplyOutcome(ctx context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error) {
	var job models.Job

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		job, err = getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}

		f, err := getFile(ctx, tx, jobID, fileID)
		if err != nil {
			return err
		}

		if err := job.Record(&f, outcome, repo.now()); err != nil {
			return err
		}

		if err := updateFile(ctx, tx, &f); err != nil {
			return err
		}

		return updateJob(ctx, tx, &job)
	})
	if err != nil {
		return models.Job{}, err
	}

	return job, nil
}

func (repo *repository) SetArchivePath(ctx context.Context, jobID, path string) error {
	const q = `UPDATE jobs SET archive_path = $1, updated_at = $2 WHERE id = $3`

	result, err := repo.db.ExecContext(ctx, q, path, repo.now(), jobID)
	if err != nil {
		return translate(err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (repo *repository) Ping(ctx context.Context) error {
	return repo.db.PingContext(ctx)
}

func (repo *repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

// translate maps driver errors onto the repository sentinels. Malformed ids
// cannot name an existing row, so they read as not found.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, pgErr.Detail)
	case codeInvalidTextValue:
		return models.ErrNotFound
	default:
		return err
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q querier, id string, forUpdate bool) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	job, err := rowToJob(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}

	if err != nil {
		return models.Job{}, translate(err)
	}

	return job, nil
}

func getFile(ctx context.Context, q querier, jobID, fileID string) (models.File, error) {
	const query = `SELECT ` + fileColumns + ` FROM job_files WHERE job_id = $1 AND id = $2`

	f, err := rowToFile(q.QueryRowContext(ctx, query, jobID, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.File{}, models.ErrNotFound
	}

	if err != nil {
		return models.File{}, translate(err)
	}

	return f, nil
}

func updateJob(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	const q = `UPDATE jobs SET status = $1, completed_count = $2, failed_count = $3,
		updated_at = $4, completed_at = $5 WHERE id = $6`

	_, err := tx.ExecContext(ctx, q, job.Status, job.CompletedCount, job.FailedCount,
		job.UpdatedAt, job.CompletedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

func updateFile(ctx context.Context, tx *sql.Tx, f *models.File) error {
	const q = `UPDATE job_files SET status = $1, output_path = $2, error_kind = $3, error_message = $4,
		attempts = $5, updated_at = $6, completed_at = $7 WHERE job_id = $8 AND id = $9`

	_, err := tx.ExecContext(ctx, q, f.Status, f.OutputPath, f.ErrorKind, f.ErrorMessage,
		f.Attempts, f.UpdatedAt, f.CompletedAt, f.JobID, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}

	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func rowToJob(row scannable) (models.Job, error) {
	var (
		j         models.Job
		status    string
		completed sql.NullTime
	)

	err := row.Scan(&j.ID, &status, &j.SourceName, &j.TargetFormat, &j.FileCount, &j.CompletedCount,
		&j.FailedCount, &j.ArchivePath, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return models.Job{}, err
	}

	j.Status = models.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.CompletedAt = nullTime(completed)

	return j, nil
}

func rowToFile(row scannable) (models.File, error) {
	var (
		f         models.File
		status    string
		completed sql.NullTime
	)

	err := row.Scan(&f.ID, &f.JobID, &f.Filename, &f.InputPath, &f.OutputPath, &status, &f.ErrorKind,
		&f.ErrorMessage, &f.Attempts, &f.SizeBytes, &f.CreatedAt, &f.UpdatedAt, &completed)
	if err != nil {
		return models.File{}, err
	}

	f.Status = models.FileStatus(status)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	f.CompletedAt = nullTime(completed)

	return f, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	t := v.Time.UTC()

	return &t
}
