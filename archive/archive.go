// Package archive inspects uploaded zip archives and packs converted outputs.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrEmptyUpload   = errors.New("upload is empty")
	ErrNotZip        = errors.New("upload is not a valid zip archive")
	ErrNoDocuments   = errors.New("archive contains no convertible documents")
	ErrTooManyFiles  = errors.New("archive contains too many documents")
	ErrUploadTooBig  = errors.New("upload exceeds the maximum size")
	ErrMemberTooBig  = errors.New("document exceeds the maximum size")
	ErrUnsafePath    = errors.New("unsafe member path")
	ErrBadSignature  = errors.New("content does not match the file extension")
	ErrDuplicateName = errors.New("duplicate member name")
)

var (
	sigZip = []byte("PK\x03\x04")
	sigOLE = []byte("\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1")
	sigRTF = []byte("{\\rtf")
)

// signatures maps a source extension to the leading bytes its content must have.
var signatures = map[string][]byte{
	".docx": sigZip,
	".xlsx": sigZip,
	".pptx": sigZip,
	".odt":  sigZip,
	".ods":  sigZip,
	".odp":  sigZip,
	".doc":  sigOLE,
	".xls":  sigOLE,
	".ppt":  sigOLE,
	".rtf":  sigRTF,
}

// Known reports whether ext is a source format Inspect can verify.
func Known(ext string) bool {
	_, ok := signatures[strings.ToLower(ext)]

	return ok
}

// Limits bound what a submission may contain.
type Limits struct {
	MaxUploadSize     int64
	MaxFiles          int
	MaxFileSize       int64
	AllowedExtensions []string
}

func (l Limits) allowed(ext string) bool {
	for _, a := range l.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			return true
		}
	}

	return false
}

// Entry is a convertible document found in an upload.
type Entry struct {
	Name string
	Ext  string
	Size int64

	file *zip.File
}

// Inspect validates the upload against limits and returns its convertible
// documents. Every problem found is accumulated into the returned error.
func Inspect(r io.ReaderAt, size int64, limits Limits) ([]Entry, error) {
	if size <= 0 {
		return nil, ErrEmptyUpload
	}

	if limits.MaxUploadSize > 0 && size > limits.MaxUploadSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrUploadTooBig, size, limits.MaxUploadSize)
	}

	// insecure names are reported per member below
	zr, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrNotZip, err)
	}

	var (
		entries []Entry
		errs    error
		seen    = make(map[string]struct{})
	)

	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")

		if ignored(name, f) {
			continue
		}

		ext := strings.ToLower(path.Ext(name))
		if !limits.allowed(ext) {
			continue
		}

		if !filepath.IsLocal(filepath.FromSlash(name)) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Name, ErrUnsafePath))

			continue
		}

		clean := path.Clean(name)
		if _, dup := seen[clean]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Name, ErrDuplicateName))

			continue
		}

		seen[clean] = struct{}{}

		usize := int64(f.UncompressedSize64)
		if limits.MaxFileSize > 0 && usize > limits.MaxFileSize {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w (%d > %d bytes)", clean, ErrMemberTooBig, usize, limits.MaxFileSize))

			continue
		}

		if err := checkSignature(f, ext); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", clean, err))

			continue
		}

		entries = append(entries, Entry{Name: clean, Ext: ext, Size: usize, file: f})
	}

	if limits.MaxFiles > 0 && len(entries) > limits.MaxFiles {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(entries), limits.MaxFiles))
	}

	if errs == nil && len(entries) == 0 {
		errs = ErrNoDocuments
	}

	if errs != nil {
		return nil, errs
	}

	return entries, nil
}

func ignored(name string, f *zip.File) bool {
	if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return true
	}

	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}

	return strings.HasPrefix(path.Base(name), ".")
}

func checkSignature(f *zip.File, ext string) error {
	want, ok := signatures[ext]
	if !ok {
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("cannot read member: %w", err)
	}

	defer rc.Close()

	head := make([]byte, len(want))
	if _, err := io.ReadFull(rc, head); err != nil || !bytes.Equal(head, want) {
		return ErrBadSignature
	}

	return nil
}

// ExtractTo writes the entry content to dst, refusing to write more than the
// declared size.
func (e Entry) ExtractTo(dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	rc, err := e.file.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", e.Name, err)
	}

	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, io.LimitReader(rc, e.Size+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err == nil && n > e.Size {
		err = fmt.Errorf("%s: %w", e.Name, ErrMemberTooBig)
	}

	if err != nil {
		_ = os.Remove(dst)

		return 0, err
	}

	return n, nil
}
