package web

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/docbatch/aggregator"
	"github.com/Vector/docbatch/assembler"
	"github.com/Vector/docbatch/converter"
	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/internal/testutils"
	"github.com/Vector/docbatch/memory"
	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/web/handlers"
	"github.com/Vector/docbatch/worker"
)

type stack struct {
	srv    *httptest.Server
	repo   models.JobRepository
	engine *testutils.FakeEngine
	hub    *progress.Hub
}

type stackOptions struct {
	orch       orchestrator.Config
	task       filetask.Config
	checks     map[string]handlers.HealthCheck
	noStart    bool
	pingPeriod time.Duration
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()

	storage := t.TempDir()
	engine := testutils.NewFakeEngine(t)

	repo, err := memory.New()
	require.NoError(t, err)

	hub := progress.NewHub()
	agg := aggregator.New(repo, aggregator.WithPublisher(hub))
	asm := assembler.New(repo, storage, nil)
	agg.OnTerminal(asm.Hook)

	exec := converter.NewLibreOffice(converter.WithBinary(engine.Binary), converter.WithWorkDir(t.TempDir()))

	taskCfg := opts.task
	if taskCfg == (filetask.Config{}) {
		taskCfg = filetask.DefaultConfig()
	}

	pool := worker.New(filetask.New(taskCfg, repo, agg, exec, storage, nil), 4, 0, nil)

	opts.orch.StorageDir = storage
	orch := orchestrator.New(opts.orch, repo, pool, agg)
	require.NoError(t, orch.EnsureLayout())

	if !opts.noStart {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			_ = pool.Start(ctx)
		}()

		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	checks := opts.checks
	if checks == nil {
		checks = map[string]handlers.HealthCheck{"store": repo.Ping}
	}

	s := New(Config{
		Deps: handlers.Dependencies{
			Jobs:          orch,
			Archives:      asm,
			Events:        hub,
			Checks:        checks,
			MaxUploadSize: orch.Config().MaxUploadSize,
			SpoolDir:      t.TempDir(),
			PingPeriod:    opts.pingPeriod,
		},
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &stack{srv: srv, repo: repo, engine: engine, hub: hub}
}

func docs(t *testing.T, markers map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(markers))
	for n := range markers {
		names = append(names, n)
	}

	sort.Strings(names)

	members := make([]testutils.Member, 0, len(names))
	for _, n := range names {
		members = append(members, testutils.Member{Name: n, Body: testutils.Document(markers[n])})
	}

	return testutils.Archive(t, members...)
}

func (s *stack) submit(t *testing.T, data []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "batch.zip")
	require.NoError(t, err)

	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.srv.URL+"/api/v1/jobs", mw.FormDataContentType(), &body)
	require.NoError(t, err)

	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (s *stack) submitOK(t *testing.T, data []byte) orchestrator.SubmitResult {
	t.Helper()

	resp := s.submit(t, data)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res orchestrator.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	return res
}

func (s *stack) status(t *testing.T, jobID string) (int, orchestrator.JobView) {
	t.Helper()

	resp, err := http.Get(s.srv.URL + "/api/v1/jobs/" + jobID)
	require.NoError(t, err)

	defer resp.Body.Close()

	var view orchestrator.JobView
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	}

	return resp.StatusCode, view
}

func (s *stack) waitTerminal(t *testing.T, jobID string) orchestrator.JobView {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)

	for time.Now().Before(deadline) {
		code, view := s.status(t, jobID)
		require.Equal(t, http.StatusOK, code)

		if view.Status.IsTerminal() {
			return view
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("job %s did not finish", jobID)

	return orchestrator.JobView{}
}

func (s *stack) download(t *testing.T, jobID string) (*http.Response, []string) {
	t.Helper()

	resp, err := http.Get(s.srv.URL + "/api/v1/jobs/" + jobID + "/download")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}

	sort.Strings(names)

	return resp, names
}

func TestAllFilesConvert(t *testing.T) {
	s := newStack(t, stackOptions{})

	res := s.submitOK(t, docs(t, map[string]string{"a.docx": "a", "b.docx": "b", "dir/c.docx": "c"}))
	assert.Equal(t, 3, res.FileCount)

	view := s.waitTerminal(t, res.JobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 3, view.CompletedCount)
	assert.Equal(t, 0, view.FailedCount)
	assert.Equal(t, "/api/v1/jobs/"+res.JobID+"/download", view.DownloadURL)
	assert.NotNil(t, view.CompletedAt)

	for _, f := range view.Files {
		assert.Equal(t, models.FileStatusCompleted, f.Status)
		assert.Empty(t, f.ErrorMessage)
	}

	resp, names := s.download(t, res.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="converted_files_`+res.JobID+`.zip"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, []string{"a.pdf", "b.pdf", "dir/c.pdf"}, names)
}

func TestCorruptFileIsolated(t *testing.T) {
	s := newStack(t, stackOptions{})

	res := s.submitOK(t, docs(t, map[string]string{
		"a.docx":   "a",
		"b.docx":   "b",
		"bad.docx": testutils.MarkerCorrupt,
	}))

	view := s.waitTerminal(t, res.JobID)
	assert.Equal(t, models.JobStatusPartiallyCompleted, view.Status)
	assert.Equal(t, 2, view.CompletedCount)
	assert.Equal(t, 1, view.FailedCount)

	for _, f := range view.Files {
		if f.Filename == "bad.docx" {
			assert.Equal(t, models.FileStatusFailed, f.Status)
			assert.True(t, strings.HasPrefix(f.ErrorMessage, "InvalidInput: "), f.ErrorMessage)

			continue
		}

		assert.Equal(t, models.FileStatusCompleted, f.Status)
	}

	resp, names := s.download(t, res.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, names)
}

func TestEveryFileTimesOut(t *testing.T) {
	cfg := filetask.DefaultConfig()
	cfg.ConversionTimeout = 300 * time.Millisecond

	s := newStack(t, stackOptions{task: cfg})

	res := s.submitOK(t, docs(t, map[string]string{
		"a.docx": testutils.MarkerSleep,
		"b.docx": testutils.MarkerSleep,
	}))

	view := s.waitTerminal(t, res.JobID)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.Equal(t, 2, view.FailedCount)
	assert.Empty(t, view.DownloadURL)

	for _, f := range view.Files {
		assert.Equal(t, models.FileStatusFailed, f.Status)
		assert.True(t, strings.HasPrefix(f.ErrorMessage, "Timeout: "), f.ErrorMessage)
	}

	resp, names := s.download(t, res.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, names)
}

func TestSubmitOverLimits(t *testing.T) {
	s := newStack(t, stackOptions{orch: orchestrator.Config{MaxFilesPerJob: 2}})

	resp := s.submit(t, docs(t, map[string]string{"a.docx": "a", "b.docx": "b", "c.docx": "c"}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error  string   `json:"error"`
		Detail []string `json:"detail"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation failed", body.Error)
	require.Len(t, body.Detail, 1)
	assert.Contains(t, body.Detail[0], "too many")

	jobs, err := s.repo.ListJobs(context.Background(), models.SelectParams{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	code, _ := s.status(t, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubmitTooLarge(t *testing.T) {
	s := newStack(t, stackOptions{orch: orchestrator.Config{MaxUploadSize: 256}})

	big := make([]byte, 2<<20)
	resp := s.submit(t, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSubmitRawBody(t *testing.T) {
	s := newStack(t, stackOptions{})

	data := docs(t, map[string]string{"a.docx": "a"})

	resp, err := http.Post(s.srv.URL+"/api/v1/jobs?filename=raw.zip", "application/zip", bytes.NewReader(data))
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res orchestrator.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 1, res.FileCount)

	view := s.waitTerminal(t, res.JobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, "raw.zip", view.SourceName)
}

func TestSubmitMissingField(t *testing.T) {
	s := newStack(t, stackOptions{})

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "x"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.srv.URL+"/api/v1/jobs", mw.FormDataContentType(), &body)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadBeforeTerminal(t *testing.T) {
	s := newStack(t, stackOptions{noStart: true})

	res := s.submitOK(t, docs(t, map[string]string{"a.docx": "a"}))

	resp, _ := s.download(t, res.JobID)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	code, view := s.status(t, res.JobID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.JobStatusPending, view.Status)
	assert.Empty(t, view.DownloadURL)

	files, err := s.repo.ListFiles(context.Background(), res.JobID)
	require.NoError(t, err)

	_, err = s.repo.ClaimFile(context.Background(), res.JobID, files[0].ID, 0)
	require.NoError(t, err)

	_, err = s.repo.ApplyOutcome(context.Background(), res.JobID, files[0].ID, models.Failure("Timeout", "Timeout: slow"))
	require.NoError(t, err)

	resp, names := s.download(t, res.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, names)
}

func TestUnknownJob(t *testing.T) {
	s := newStack(t, stackOptions{})

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		code, _ := s.status(t, id)
		assert.Equal(t, http.StatusNotFound, code, id)

		resp, _ := s.download(t, id)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, id)
	}
}

func TestListJobs(t *testing.T) {
	s := newStack(t, stackOptions{noStart: true})

	s.submitOK(t, docs(t, map[string]string{"a.docx": "a"}))
	s.submitOK(t, docs(t, map[string]string{"b.docx": "b"}))

	get := func(query string) (int, []orchestrator.JobView) {
		resp, err := http.Get(s.srv.URL + "/api/v1/jobs" + query)
		require.NoError(t, err)

		defer resp.Body.Close()

		var body struct {
			Jobs []orchestrator.JobView `json:"jobs"`
		}

		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		}

		return resp.StatusCode, body.Jobs
	}

	code, jobs := get("")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, jobs, 2)

	code, jobs = get("?status=PENDING&limit=1")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, jobs, 1)

	code, _ = get("?status=nope")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get("?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	healthy := newStack(t, stackOptions{})

	resp, err := http.Get(healthy.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sick := newStack(t, stackOptions{checks: map[string]handlers.HealthCheck{
		"engine": func(context.Context) error { return errors.New("not installed") },
	}})

	resp, err = http.Get(sick.srv.URL + "/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])
}

func TestCORSPreflight(t *testing.T) {
	s := newStack(t, stackOptions{})

	req, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsStream(t *testing.T) {
	s := newStack(t, stackOptions{noStart: true})
	ctx := context.Background()

	res := s.submitOK(t, docs(t, map[string]string{"a.docx": "a", "b.docx": "b"}))

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/jobs/" + res.JobID + "/events"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	defer conn.Close()

	var first progress.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.JobStatusPending, first.JobStatus)
	assert.Equal(t, 2, first.Total)

	files, err := s.repo.ListFiles(ctx, res.JobID)
	require.NoError(t, err)

	agg := aggregator.New(s.repo, aggregator.WithPublisher(s.hub))

	for _, f := range files {
		_, err := agg.Claim(ctx, res.JobID, f.ID)
		require.NoError(t, err)

		_, err = agg.Report(ctx, res.JobID, f.ID, models.Failure("InvalidInput", "InvalidInput: bad"))
		require.NoError(t, err)
	}

	var events []progress.Event

	for {
		var ev progress.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)

			break
		}

		events = append(events, ev)
	}

	require.Len(t, events, 2)
	assert.Equal(t, models.FileStatusFailed, events[0].FileStatus)
	assert.Equal(t, models.JobStatusFailed, events[1].JobStatus)
	assert.Equal(t, 2, events[1].Failed)
}

func TestEventsCloseWhenTerminalEventIsLost(t *testing.T) {
	s := newStack(t, stackOptions{noStart: true, pingPeriod: 20 * time.Millisecond})
	ctx := context.Background()

	res := s.submitOK(t, docs(t, map[string]string{"a.docx": "a"}))

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/jobs/" + res.JobID + "/events"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	defer conn.Close()

	var first progress.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.Terminal())

	files, err := s.repo.ListFiles(ctx, res.JobID)
	require.NoError(t, err)

	// no publisher: the subscriber never hears about the outcome
	silent := aggregator.New(s.repo)

	_, err = silent.Claim(ctx, res.JobID, files[0].ID)
	require.NoError(t, err)

	_, err = silent.Report(ctx, res.JobID, files[0].ID, models.Failure("InvalidInput", "InvalidInput: bad"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var last progress.Event
	require.NoError(t, conn.ReadJSON(&last))
	assert.True(t, last.Terminal())
	assert.Equal(t, models.JobStatusFailed, last.JobStatus)
	assert.Equal(t, 1, last.Failed)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
}

func TestEventsUnknownJob(t *testing.T) {
	s := newStack(t, stackOptions{})

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/jobs/" + uuid.NewString() + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
