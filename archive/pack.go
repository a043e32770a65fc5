package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Member is a file to be stored in an output archive under Name.
type Member struct {
	Name string
	Path string
}

// ConvertedName replaces the extension of a member name with the target format.
func ConvertedName(name, targetFormat string) string {
	name = strings.ReplaceAll(name, "\\", "/")

	return strings.TrimSuffix(name, path.Ext(name)) + "." + strings.TrimPrefix(targetFormat, ".")
}

// UniqueNames returns names where later duplicates get " (2)", " (3)"... suffixes
// before their extension. Input order is preserved.
func UniqueNames(names []string) []string {
	ans := make([]string, len(names))
	used := make(map[string]struct{}, len(names))

	for i, name := range names {
		candidate := name
		ext := path.Ext(name)
		base := strings.TrimSuffix(name, ext)

		for n := 2; ; n++ {
			if _, ok := used[strings.ToLower(candidate)]; !ok {
				break
			}

			candidate = base + " (" + strconv.Itoa(n) + ")" + ext
		}

		used[strings.ToLower(candidate)] = struct{}{}
		ans[i] = candidate
	}

	return ans
}

// Pack writes members into a zip at dst. The archive is assembled in a
// temporary file next to dst and renamed into place.
func Pack(dst string, members []Member) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	zw := zip.NewWriter(tmp)

	for _, m := range members {
		if err := addMember(zw, m); err != nil {
			_ = zw.Close()
			_ = tmp.Close()

			return err
		}
	}

	if err := zw.Close(); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, dst)
}

func addMember(zw *zip.Writer, m Member) error {
	src, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.Name, err)
	}

	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	hdr.Name = m.Name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.Name, err)
	}

	return nil
}
