// Package pdf validates uploaded PDF files and extracts their text page by
// page using pdfcpu.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/text"
)

var magic = []byte("%PDF-")

// headerWindow mirrors common readers, which accept junk before the header.
const headerWindow = 1024

// IsPDF reports whether data carries the %PDF- header near its start.
func IsPDF(data []byte) bool {
	window := data
	if len(window) > headerWindow {
		window = window[:headerWindow]
	}
	return bytes.Contains(window, magic)
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func (e *Extractor) read(data []byte) (*model.Context, error) {
	pctx, err := api.ReadAndValidate(bytes.NewReader(data), newConf())
	if err != nil {
		return nil, err
	}
	if err := pctx.EnsurePageCount(); err != nil {
		return nil, err
	}
	return pctx, nil
}

// Validate checks the document structure and returns its page count.
func (e *Extractor) Validate(data []byte) (int, error) {
	if !IsPDF(data) {
		return 0, fmt.Errorf("missing %%PDF- header")
	}
	pctx, err := e.read(data)
	if err != nil {
		return 0, fmt.Errorf("invalid pdf structure: %w", err)
	}
	if pctx.PageCount == 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pctx.PageCount, nil
}

// Extract returns the text of every page in order. Pages whose content
// cannot be decoded are returned empty rather than failing the document.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]text.Page, error) {
	pctx, err := e.read(data)
	if err != nil {
		return nil, apperr.Parse("cannot read pdf", err)
	}

	pages := make([]text.Page, 0, pctx.PageCount)
	for nr := 1; nr <= pctx.PageCount; nr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(pctx, nr)
		if err != nil {
			slog.WarnContext(ctx, "failed to extract page content", "page", nr, "error", err)
			pages = append(pages, text.Page{Number: nr})
			continue
		}
		var content []byte
		if r != nil {
			if content, err = io.ReadAll(r); err != nil {
				return nil, apperr.Parse(fmt.Sprintf("read page %d", nr), err)
			}
		}
		pages = append(pages, text.Page{Number: nr, Text: ParseContentText(content)})
	}
	return pages, nil
}
