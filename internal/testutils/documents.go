package testutils

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"
)

// Document returns bytes that pass the OOXML signature check. marker is
// embedded verbatim so the fake engine can react to it.
func Document(marker string) []byte {
	return []byte("PK\x03\x04fake-document:" + marker)
}

// Member is one entry of an upload archive.
type Member struct {
	Name string
	Body []byte
}

// Archive builds a zip upload from members.
func Archive(t *testing.T, members ...Member) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, m := range members {
		w, err := zw.Create(m.Name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", m.Name, err)
		}

		if _, err := w.Write(m.Body); err != nil {
			t.Fatalf("failed to write %s: %v", m.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}

	return buf.Bytes()
}

// MinimalPDF returns a one-page PDF with a valid cross-reference table.
func MinimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>",
	}

	var buf bytes.Buffer

	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects))

	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()

	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")

	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}

	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	return buf.Bytes()
}
