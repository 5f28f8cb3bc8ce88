package pdfcohort

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

const (
	// maxPages bounds the text extraction; cohort criteria live in the
	// opening pages of a study protocol.
	maxPages = 6
	// minTextRunes is the floor below which the document is treated as
	// image-only.
	minTextRunes = 40
)

// extract reads the text of the first pages and the asset counts
// concurrently. Per-page extraction failures are non-fatal and reported
// as notes; the whole document fails only when too little text survives.
func (p *Pipeline) extract(ctx context.Context, data []byte) (string, Document, []string, error) {
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return "", Document{}, nil, ErrNotPDF
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", Document{}, nil, fmt.Errorf("pdfcohort: open: %w", err)
	}

	pages := r.NumPage()
	read := pages
	if read > maxPages {
		read = maxPages
	}

	texts := make([]string, read)
	failed := make([]bool, read)
	var images int

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < read; i++ {
		g.Go(func() error {
			text, err := pageText(r.Page(i + 1))
			if err != nil {
				p.logger.Warn("pdfcohort: page text failed", "page", i+1, "error", err)
				failed[i] = true
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	g.Go(func() error {
		images = countImages(r, pages)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", Document{}, nil, err
	}

	var notes []string
	for i, bad := range failed {
		if bad {
			notes = append(notes, fmt.Sprintf("page %d: text extraction failed", i+1))
		}
	}

	canonical := canonicalText(texts)
	doc := Document{
		Pages:     pages,
		PagesRead: read,
		Images:    images,
		TextChars: utf8.RuneCountInString(canonical),
	}
	if doc.TextChars < minTextRunes {
		return "", doc, notes, ErrNoText
	}
	return canonical, doc, notes, nil
}

// pageText runs the library extractor for one page. The parser panics on
// malformed content streams, so the panic is contained here.
func pageText(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("content stream: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}

// countImages walks every page's XObject dictionary. Inline images and
// vector drawings are not counted; figure-heavy papers embed rasters as
// XObjects. A malformed resource tree aborts the walk, keeping the count
// so far.
func countImages(r *pdf.Reader, pages int) (n int) {
	defer func() { _ = recover() }()
	for i := 1; i <= pages; i++ {
		res := r.Page(i).Resources()
		if res.Kind() != pdf.Dict {
			continue
		}
		xo := res.Key("XObject")
		if xo.Kind() != pdf.Dict {
			continue
		}
		for _, name := range xo.Keys() {
			if xo.Key(name).Key("Subtype").Name() == "Image" {
				n++
			}
		}
	}
	return n
}

// canonicalText collapses all whitespace so layout and line-break
// differences between otherwise identical documents hash the same.
func canonicalText(pages []string) string {
	return strings.Join(strings.Fields(strings.Join(pages, " ")), " ")
}
