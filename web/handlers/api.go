package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/orchestrator"
)

// multipart framing on top of the archive itself
const multipartOverhead = 1 << 20

const multipartMemory = 32 << 20

// Submit accepts a zip archive as the multipart field "file" or as a raw
// application/zip body.
func (h *APIHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	limit := h.Deps.MaxUploadSize
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	up, cleanup, err := h.readUpload(r, limit)
	if cleanup != nil {
		defer cleanup()
	}

	if err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	res, err := h.Deps.Jobs.Submit(r.Context(), up)
	if err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	renderJSON(w, http.StatusAccepted, res)
}

func (h *APIHandlers) readUpload(r *http.Request, limit int64) (orchestrator.Upload, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return orchestrator.Upload{}, nil, uploadError(err)
		}

		cleanup := func() { _ = r.MultipartForm.RemoveAll() }

		file, header, err := r.FormFile("file")
		if err != nil {
			return orchestrator.Upload{}, cleanup, &models.ValidationError{Problems: []string{"missing multipart field \"file\""}}
		}

		closeAll := func() {
			_ = file.Close()
			cleanup()
		}

		if header.Size > limit {
			return orchestrator.Upload{}, closeAll, &http.MaxBytesError{Limit: limit}
		}

		return orchestrator.Upload{Name: header.Filename, Reader: file, Size: header.Size}, closeAll, nil
	}

	// raw body, spooled to disk so the archive can be read at random offsets
	r.Body = http.MaxBytesReader(nil, r.Body, limit)

	tmp, err := os.CreateTemp(h.Deps.SpoolDir, "upload-*.zip")
	if err != nil {
		return orchestrator.Upload{}, nil, fmt.Errorf("failed to spool upload: %w", err)
	}

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, r.Body)
	if err != nil {
		return orchestrator.Upload{}, cleanup, uploadError(err)
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = "upload.zip"
	}

	return orchestrator.Upload{Name: name, Reader: tmp, Size: n}, cleanup, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}

	return &models.ValidationError{Problems: []string{"unreadable upload: " + err.Error()}}
}

// GetJob returns the status of one job and its files.
func (h *APIHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.Deps.Jobs.GetStatus(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	renderJSON(w, http.StatusOK, view)
}

// ListJobs returns the newest jobs, filtered by ?status= and bounded by ?limit=.
func (h *APIHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			renderError(w, h.Deps.Logger, &models.ValidationError{Problems: []string{"limit must be a positive integer"}})

			return
		}

		limit = n
	}

	jobs, err := h.Deps.Jobs.ListJobs(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	renderJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Download streams the result archive of a finished job.
func (h *APIHandlers) Download(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	if _, err := uuid.Parse(jobID); err != nil {
		renderError(w, h.Deps.Logger, models.ErrNotFound)

		return
	}

	rc, name, err := h.Deps.Archives.Open(r.Context(), jobID)
	if err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	defer rc.Close()

	modtime := time.Time{}
	if f, ok := rc.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			modtime = info.ModTime()
		}
	}

	h.Deps.Logger.Debug("serving archive", zap.String("job_id", jobID), zap.String("name", name))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, modtime, rc)
}
