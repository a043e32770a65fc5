// Package sqlite is an embedded JobRepository backed by modernc.org/sqlite.
// A single connection serializes writers, which makes every transaction the
// per-job exclusive section ApplyOutcome needs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/Vector/docbatch/models"
)

type repo struct {
	db  *sql.DB
	now func() time.Time
}

func New(path string) (models.JobRepository, error) {
	db, err := initDatabase(path)
	if err != nil {
		return nil, err
	}

	return &repo{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const jobColumns = `id, status, source_name, target_format, file_count, completed_count,
	failed_count, archive_path, created_at, updated_at, completed_at`

const fileColumns = `id, job_id, filename, input_path, output_path, status, error_kind,
	error_message, attempts, size_bytes, created_at, updated_at, completed_at`

func (repo *repo) CreateJob(ctx context.Context, job *models.Job, files []models.File) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if len(files) != job.FileCount {
		return models.ErrInvalidJob
	}

	return repo.withTx(ctx, func(tx *sql.Tx) error {
		var exists int

		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
		if err != nil {
			return err
		}

		if exists > 0 {
			return models.ErrAlreadyExists
		}

		const qj = `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err = tx.ExecContext(ctx, qj, job.ID, job.Status, job.SourceName, job.TargetFormat,
			job.FileCount, job.CompletedCount, job.FailedCount, job.ArchivePath,
			toMillis(job.CreatedAt), toMillis(job.UpdatedAt), nullableMillis(job.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		const qf = `INSERT INTO files (` + fileColumns + `, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		stmt, err := tx.PrepareContext(ctx, qf)
		if err != nil {
			return err
		}

		defer stmt.Close()

		for i := range files {
			f := &files[i]

			_, err = stmt.ExecContext(ctx, f.ID, job.ID, f.Filename, f.InputPath, f.OutputPath, f.Status,
				f.ErrorKind, f.ErrorMessage, f.Attempts, f.SizeBytes,
				toMillis(f.CreatedAt), toMillis(f.UpdatedAt), nullableMillis(f.CompletedAt), i)
			if err != nil {
				return fmt.Errorf("failed to insert file %s: %w", f.Filename, err)
			}
		}

		return nil
	})
}

func (repo *repo) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(ctx, repo.db, id)
}

func (repo *repo) ListJobs(ctx context.Context, params models.SelectParams) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`

	var (
		where []string
		args  []any
	)

	if params.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, params.Status)
	}

	if !params.CreatedBefore.IsZero() {
		where = append(where, `created_at < ?`)
		args = append(args, toMillis(params.CreatedBefore))
	}

	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}

	q += " ORDER BY created_at DESC"

	if params.Limit > 0 {
		q += " LIMIT ?"

		args = append(args, params.Limit)
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
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

func (repo *repo) DeleteJob(ctx context.Context, id string) error {
	return repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE job_id = ?`, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			return models.ErrNotFound
		}

		return nil
	})
}

func (repo *repo) GetFile(ctx context.Context, jobID, fileID string) (models.File, error) {
	return getFile(ctx, repo.db, jobID, fileID)
}

func (repo *repo) ListFiles(ctx context.Context, jobID string) ([]models.File, error) {
	if _, err := repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	const q = `SELECT ` + fileColumns + ` FROM files WHERE job_id = ? ORDER BY position`

	rows, err := repo.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, err
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

func (repo *repo) ClaimFile(ctx context.Context, jobID, fileID string, lease time.Duration) (bool, error) {
	var claimed bool

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, jobID)
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

func (repo *repo) RecordAttempt(ctx context.Context, jobID, fileID string) (int, error) {
	var attempts int

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		const q = `UPDATE files SET attempts = attempts + 1, updated_at = ? WHERE job_id = ? AND id = ?`

		res, err := tx.ExecContext(ctx, q, toMillis(repo.now()), jobID, fileID)
		if err != nil {
			return err
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrNotFound
		}

		return tx.QueryRowContext(ctx, `SELECT attempts FROM files WHERE job_id = ? AND id = ?`, jobID, fileID).Scan(&attempts)
	})

	return attempts, err
}

func (repo *repo) ApplyOutcome(ctx context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error) {
	var job models.Job

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		job, err = getJob(ctx, tx, jobID)
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

func (repo *repo) SetArchivePath(ctx context.Context, jobID, path string) error {
	const q = `UPDATE jobs SET archive_path = ?, updated_at = ? WHERE id = ?`

	res, err := repo.db.ExecContext(ctx, q, path, toMillis(repo.now()), jobID)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (repo *repo) Ping(ctx context.Context) error {
	return repo.db.PingContext(ctx)
}

func (repo *repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q querier, id string) (models.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := rowToJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}

	return job, err
}

func getFile(ctx context.Context, q querier, jobID, fileID string) (models.File, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE job_id = ? AND id = ?`, jobID, fileID)

	f, err := rowToFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.File{}, models.ErrNotFound
	}

	return f, err
}

func updateJob(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	const q = `UPDATE jobs SET status = ?, completed_count = ?, failed_count = ?, updated_at = ?,
		completed_at = ? WHERE id = ?`

	_, err := tx.ExecContext(ctx, q, job.Status, job.CompletedCount, job.FailedCount,
		toMillis(job.UpdatedAt), nullableMillis(job.CompletedAt), job.ID)

	return err
}

func updateFile(ctx context.Context, tx *sql.Tx, f *models.File) error {
	const q = `UPDATE files SET status = ?, output_path = ?, error_kind = ?, error_message = ?,
		attempts = ?, updated_at = ?, completed_at = ? WHERE job_id = ? AND id = ?`

	_, err := tx.ExecContext(ctx, q, f.Status, f.OutputPath, f.ErrorKind, f.ErrorMessage,
		f.Attempts, toMillis(f.UpdatedAt), nullableMillis(f.CompletedAt), f.JobID, f.ID)

	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func rowToJob(row scannable) (models.Job, error) {
	var (
		j                models.Job
		status           string
		created, updated int64
		completed        sql.NullInt64
	)

	err := row.Scan(&j.ID, &status, &j.SourceName, &j.TargetFormat, &j.FileCount, &j.CompletedCount,
		&j.FailedCount, &j.ArchivePath, &created, &updated, &completed)
	if err != nil {
		return models.Job{}, err
	}

	j.Status = models.JobStatus(status)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.CompletedAt = fromNullMillis(completed)

	return j, nil
}

func rowToFile(row scannable) (models.File, error) {
	var (
		f                models.File
		status           string
		created, updated int64
		completed        sql.NullInt64
	)

	err := row.Scan(&f.ID, &f.JobID, &f.Filename, &f.InputPath, &f.OutputPath, &status, &f.ErrorKind,
		&f.ErrorMessage, &f.Attempts, &f.SizeBytes, &created, &updated, &completed)
	if err != nil {
		return models.File{}, err
	}

	f.Status = models.FileStatus(status)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	f.CompletedAt = fromNullMillis(completed)

	return f, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := fromMillis(v.Int64)

	return &t
}

func initDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	err = db.Ping()
	if err != nil {
		return nil, err
	}

	return db, createSchema(db)
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			source_name TEXT NOT NULL DEFAULT '',
			target_format TEXT NOT NULL,
			file_count INT NOT NULL,
			completed_count INT NOT NULL DEFAULT 0,
			failed_count INT NOT NULL DEFAULT 0,
			archive_path TEXT NOT NULL DEFAULT '',
			created_at INT NOT NULL,
			updated_at INT NOT NULL,
			completed_at INT,
			CHECK (completed_count + failed_count <= file_count)
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);

		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
			position INT NOT NULL,
			filename TEXT NOT NULL,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			size_bytes INT NOT NULL DEFAULT 0,
			created_at INT NOT NULL,
			updated_at INT NOT NULL,
			completed_at INT
		);

		CREATE INDEX IF NOT EXISTS idx_files_job ON files (job_id, position);
	`)

	return err
}
