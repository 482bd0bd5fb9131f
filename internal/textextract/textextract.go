// Package textextract turns uploaded PDF documents into plain text for
// the extraction pipeline. The heavy lifting is delegated to the
// pdftotext CLI; this package only shells out and classifies failures.
package textextract

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/chartwise-health/chartwise/internal/config"
	"github.com/chartwise-health/chartwise/internal/resilience"
)

// Extraction is the text content of one document.
type Extraction struct {
	Text      string
	PageCount int
}

// Extractor extracts text content from PDF files.
type Extractor interface {
	Extract(ctx context.Context, pdfPath string) (*Extraction, error)
}

// PdfToText extracts text using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor from config. An empty
// path falls back to "pdftotext" on PATH.
func NewPdfToText(cfg config.ExtractConfig) *PdfToText {
	binPath := cfg.PdfToTextPath
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Extract runs pdftotext -layout on the given PDF. Page count comes
// from the form feeds pdftotext emits between pages. A document that
// yields no text at all is an input error; retrying cannot fix it.
func (p *PdfToText) Extract(ctx context.Context, pdfPath string) (*Extraction, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "textextract: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	raw := stdout.String()
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\f", "\n"))
	if text == "" {
		return nil, resilience.NewInputError(
			eris.Errorf("textextract: %s contains no extractable text", pdfPath))
	}

	pages := strings.Count(raw, "\f")
	if pages == 0 {
		pages = 1
	}

	return &Extraction{Text: text, PageCount: pages}, nil
}
