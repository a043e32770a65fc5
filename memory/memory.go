// Package memory is an in-process JobRepository for single binary deployments
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Vector/docbatch/models"
)

type entry struct {
	mu    sync.Mutex
	job   models.Job
	files map[string]models.File
	order []string
}

type repo struct {
	mu    *sync.RWMutex
	items map[string]*entry
	now   func() time.Time
}

func New() (models.JobRepository, error) {
	ans := repo{
		mu:    &sync.RWMutex{},
		items: make(map[string]*entry),
		now:   func() time.Time { return time.Now().UTC() },
	}

	return &ans, nil
}

func (r *repo) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	return e, nil
}

func (r *repo) CreateJob(_ context.Context, job *models.Job, files []models.File) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if len(files) != job.FileCount {
		return models.ErrInvalidJob
	}

	e := &entry{
		job:   *job,
		files: make(map[string]models.File, len(files)),
		order: make([]string, 0, len(files)),
	}

	for i := range files {
		if _, dup := e.files[files[i].ID]; dup {
			return models.ErrAlreadyExists
		}

		e.files[files[i].ID] = files[i]
		e.order = append(e.order, files[i].ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[job.ID]; ok {
		return models.ErrAlreadyExists
	}

	r.items[job.ID] = e

	return nil
}

func (r *repo) GetJob(_ context.Context, id string) (models.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.job, nil
}

func (r *repo) ListJobs(_ context.Context, params models.SelectParams) ([]models.Job, error) {
	r.mu.RLock()

	entries := make([]*entry, 0, len(r.items))
	for _, e := range r.items {
		entries = append(entries, e)
	}

	r.mu.RUnlock()

	filtered := make([]models.Job, 0, len(entries))

	for _, e := range entries {
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()

		if params.Status != "" && job.Status != params.Status {
			continue
		}

		if !params.CreatedBefore.IsZero() && !job.CreatedAt.Before(params.CreatedBefore) {
			continue
		}

		filtered = append(filtered, job)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return filtered, nil
}

func (r *repo) DeleteJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return models.ErrNotFound
	}

	delete(r.items, id)

	return nil
}

func (r *repo) GetFile(_ context.Context, jobID, fileID string) (models.File, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return models.File{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[fileID]
	if !ok {
		return models.File{}, models.ErrNotFound
	}

	return f, nil
}

func (r *repo) ListFiles(_ context.Context, jobID string) ([]models.File, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ans := make([]models.File, 0, len(e.order))
	for _, id := range e.order {
		ans = append(ans, e.files[id])
	}

	return ans, nil
}

func (r *repo) ClaimFile(_ context.Context, jobID, fileID string, lease time.Duration) (bool, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[fileID]
	if !ok {
		return false, models.ErrNotFound
	}

	job := e.job
	if !job.Claim(&f, r.now(), lease) {
		return false, nil
	}

	e.job = job
	e.files[fileID] = f

	return true, nil
}

func (r *repo) RecordAttempt(_ context.Context, jobID, fileID string) (int, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[fileID]
	if !ok {
		return 0, models.ErrNotFound
	}

	f.Attempts++
	f.UpdatedAt = r.now()
	e.files[fileID] = f

	return f.Attempts, nil
}

// ApplyOutcome works on copies so a rejected outcome leaves the entry untouched.
func (r *repo) ApplyOutcome(_ context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return models.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.files[fileID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}

	job := e.job
	if err := job.Record(&f, outcome, r.now()); err != nil {
		return models.Job{}, err
	}

	e.job = job
	e.files[fileID] = f

	return job, nil
}

func (r *repo) SetArchivePath(_ context.Context, jobID, path string) error {
	e, err := r.lookup(jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.job.ArchivePath = path
	e.job.UpdatedAt = r.now()

	return nil
}

func (r *repo) Ping(context.Context) error {
	return nil
}
