package converter

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF")

// ValidateOutput checks that path holds a plausible document of the target format.
func ValidateOutput(path, targetFormat string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("output is empty")
	}

	if strings.EqualFold(targetFormat, "pdf") {
		return validatePDF(path)
	}

	return nil
}

func validatePDF(path string) (err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable pdf: %v", r)
		}
	}()

	fd, err := os.Open(path)
	if err != nil {
		return err
	}

	header := make([]byte, len(pdfMagic))
	_, err = io.ReadFull(fd, header)
	_ = fd.Close()

	if err != nil || !bytes.Equal(header, pdfMagic) {
		return fmt.Errorf("invalid pdf header")
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return fmt.Errorf("unreadable pdf: %w", err)
	}

	defer f.Close()

	if r.NumPage() < 1 {
		return fmt.Errorf("pdf has no pages")
	}

	return nil
}
