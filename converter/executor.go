// Package converter wraps a single invocation of the external document
// conversion engine.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one engine invocation.
	DefaultTimeout = 5 * time.Minute
	DefaultBinary  = "soffice"

	probeTimeout = 10 * time.Second
	waitDelay    = 5 * time.Second
	maxTailBytes = 512
)

// loadFailureMarkers are engine messages that mean the source document itself is unreadable.
var loadFailureMarkers = []string{
	"source file could not be loaded",
	"general input/output error",
	"file format error",
	"could not be loaded",
}

// Request describes one conversion.
type Request struct {
	InputPath    string
	OutputPath   string
	TargetFormat string
	Timeout      time.Duration
}

//go:generate mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks

// Executor converts one document. It never retries and leaves nothing at
// OutputPath when it fails.
type Executor interface {
	Convert(ctx context.Context, req Request) (string, error)
}

// LibreOffice runs a headless LibreOffice (or any CLI with the same flags).
type LibreOffice struct {
	binary   string
	workDir  string
	validate bool
	logger   *zap.Logger
}

// Option configures a LibreOffice executor
type Option func(*LibreOffice)

// WithBinary sets the engine executable
func WithBinary(binary string) Option {
	return func(l *LibreOffice) {
		l.binary = binary
	}
}

// WithWorkDir sets the directory used for scratch output and engine profiles
func WithWorkDir(dir string) Option {
	return func(l *LibreOffice) {
		l.workDir = dir
	}
}

// WithOutputValidation toggles the post-conversion output check
func WithOutputValidation(enabled bool) Option {
	return func(l *LibreOffice) {
		l.validate = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *LibreOffice) {
		l.logger = logger
	}
}

// NewLibreOffice creates an executor with the provided options.
func NewLibreOffice(opts ...Option) *LibreOffice {
	l := &LibreOffice{
		binary:   DefaultBinary,
		workDir:  os.TempDir(),
		validate: true,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Convert runs the engine on req.InputPath and moves the produced document to
// req.OutputPath.
func (l *LibreOffice) Convert(ctx context.Context, req Request) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	format := strings.TrimPrefix(strings.ToLower(req.TargetFormat), ".")
	if format == "" {
		return "", newError(InvalidInput, "missing target format", nil)
	}

	if req.OutputPath == "" {
		req.OutputPath = replaceExt(req.InputPath, format)
	}

	if info, err := os.Stat(req.InputPath); err != nil {
		return "", newError(InvalidInput, "input not readable", err)
	} else if info.IsDir() || info.Size() == 0 {
		return "", newError(InvalidInput, "input is empty", nil)
	}

	if err := os.MkdirAll(l.workDir, 0o755); err != nil {
		return "", newError(EngineUnavailable, "work dir unavailable", err)
	}

	scratch, err := os.MkdirTemp(l.workDir, "convert-*")
	if err != nil {
		return "", newError(EngineUnavailable, "cannot create scratch dir", err)
	}

	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			l.logger.Warn("failed to remove scratch dir", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	outDir := filepath.Join(scratch, "out")
	profileDir := filepath.Join(scratch, "profile")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", newError(EngineUnavailable, "cannot create output dir", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.binary,
		"-env:UserInstallation=file://"+filepath.ToSlash(profileDir),
		"--headless",
		"--norestore",
		"--convert-to", format,
		"--outdir", outDir,
		req.InputPath,
	)
	configureProcess(cmd)
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	t0 := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(t0)

	l.logger.Debug("engine finished",
		zap.String("input", req.InputPath),
		zap.String("format", format),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr),
	)

	if cerr := l.classify(ctx, runCtx, runErr, output.Bytes(), req.Timeout); cerr != nil {
		return "", cerr
	}

	produced, err := findOutput(outDir, req.InputPath, format)
	if err != nil {
		if isLoadFailure(output.Bytes()) {
			return "", newError(InvalidInput, tail(output.Bytes()), nil)
		}

		return "", newError(EngineFault, "engine produced no output", err)
	}

	if l.validate {
		if err := ValidateOutput(produced, format); err != nil {
			return "", newError(EngineFault, "invalid output", err)
		}
	}

	if err := moveFile(produced, req.OutputPath); err != nil {
		_ = os.Remove(req.OutputPath)

		return "", newError(EngineFault, "cannot store output", err)
	}

	return req.OutputPath, nil
}

func (l *LibreOffice) classify(parent, runCtx context.Context, runErr error, output []byte, timeout time.Duration) error {
	if runErr == nil {
		return nil
	}

	if errors.Is(parent.Err(), context.Canceled) {
		return newError(EngineUnavailable, "conversion interrupted", parent.Err())
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return newError(Timeout, fmt.Sprintf("engine exceeded %s", timeout), runCtx.Err())
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return newError(EngineUnavailable, "engine failed to start", runErr)
	}

	if isLoadFailure(output) {
		return newError(InvalidInput, tail(output), runErr)
	}

	msg := tail(output)
	if msg == "" {
		msg = fmt.Sprintf("engine exited with code %d", exitErr.ExitCode())
	}

	return newError(EngineFault, msg, runErr)
}

// Available reports whether the engine binary can be started.
func (l *LibreOffice) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.binary, "--version")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	return cmd.Run() == nil
}

func findOutput(outDir, input, format string) (string, error) {
	expected := filepath.Join(outDir, stem(input)+"."+format)
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "*."+format))
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%s not found", filepath.Base(expected))
	}

	return matches[0], nil
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}

	defer in.Close()

	tmp := dst + ".part"

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)

		return err
	}

	return os.Rename(tmp, dst)
}

func isLoadFailure(output []byte) bool {
	lower := strings.ToLower(string(output))

	for _, marker := range loadFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

// tail returns the last non-empty line of the engine output, trimmed.
func tail(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		if len(line) > maxTailBytes {
			line = line[len(line)-maxTailBytes:]
		}

		return line
	}

	return ""
}

func stem(path string) string {
	base := filepath.Base(path)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

func replaceExt(path, format string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + format
}
