// Package testutils provides fixtures shared by package tests: fake conversion
// engines, minimal documents and upload archives.
package testutils

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Markers understood by the fake engine. A document whose bytes contain a
// marker makes the engine behave accordingly.
const (
	MarkerCorrupt  = "CORRUPT"
	MarkerSleep    = "SLEEP"
	MarkerCrash    = "CRASH"
	MarkerNoOutput = "NOOUTPUT"
	MarkerFlaky    = "FLAKY"
)

const fakeEngineScript = `#!/bin/sh
outdir=""
fmt=""
prev=""
input=""
for a in "$@"; do
  case "$prev" in
    --outdir) outdir="$a" ;;
    --convert-to) fmt="$a" ;;
  esac
  prev="$a"
  input="$a"
done
if [ "$1" = "--version" ]; then
  echo "FakeOffice 1.0"
  exit 0
fi
echo "$input" >> "{{dir}}/calls.log"
name=$(basename "$input")
stem="${name%.*}"
if grep -a -q CORRUPT "$input"; then
  echo "Error: source file could not be loaded"
  exit 0
fi
if grep -a -q SLEEP "$input"; then
  sleep 30
fi
if grep -a -q CRASH "$input"; then
  echo "engine crashed" >&2
  exit 134
fi
if grep -a -q NOOUTPUT "$input"; then
  exit 0
fi
if grep -a -q FLAKY "$input"; then
  if [ ! -f "$input.seen" ]; then
    : > "$input.seen"
    echo "temporary failure" >&2
    exit 1
  fi
fi
cp "{{pdf}}" "$outdir/$stem.$fmt"
`

// FakeEngine is a shell script that mimics the LibreOffice command line.
type FakeEngine struct {
	Binary string
	dir    string
}

// NewFakeEngine writes the fake engine into a temporary directory. Tests
// using it are skipped on platforms without /bin/sh.
func NewFakeEngine(t *testing.T) *FakeEngine {
	t.Helper()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("fake engine requires /bin/sh")
	}

	dir := t.TempDir()

	pdfPath := filepath.Join(dir, "fixture.pdf")
	if err := os.WriteFile(pdfPath, MinimalPDF(), 0o644); err != nil {
		t.Fatalf("failed to write pdf fixture: %v", err)
	}

	script := strings.NewReplacer("{{dir}}", dir, "{{pdf}}", pdfPath).Replace(fakeEngineScript)
	binary := filepath.Join(dir, "fakeoffice")

	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake engine: %v", err)
	}

	return &FakeEngine{Binary: binary, dir: dir}
}

// Calls returns the inputs the engine was invoked with, in order.
func (f *FakeEngine) Calls() []string {
	fd, err := os.Open(filepath.Join(f.dir, "calls.log"))
	if err != nil {
		return nil
	}

	defer fd.Close()

	var calls []string

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			calls = append(calls, line)
		}
	}

	return calls
}
