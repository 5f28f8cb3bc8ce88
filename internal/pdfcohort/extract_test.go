package pdfcohort

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF assembles a minimal single-font PDF: one content stream per
// page, optionally one image XObject on the first page. Object offsets
// are taken from the buffer as it grows, so the xref table is correct by
// construction.
func buildPDF(pageTexts []string, withImage bool) []byte {
	var buf bytes.Buffer
	offsets := []int{0}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}

	buf.WriteString("%PDF-1.4\n")

	imgObjs := 0
	if withImage {
		imgObjs = 1
	}
	firstPage := 4 + imgObjs
	kids := make([]string, len(pageTexts))
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", firstPage+2*i)
	}

	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pageTexts)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	if withImage {
		obj("<< /Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceGray /BitsPerComponent 8 /Length 1 >>\nstream\nA\nendstream")
	}
	for i, text := range pageTexts {
		res := "<< /Font << /F1 3 0 R >> >>"
		if withImage && i == 0 {
			res = "<< /Font << /F1 3 0 R >> /XObject << /Im1 4 0 R >> >>"
		}
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources %s /Contents %d 0 R >>",
			res, firstPage+2*i+1))
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xrefPos)
	return buf.Bytes()
}

func TestExtractTextAndAssets(t *testing.T) {
	p := New(Deps{Logger: testLogger()})
	data := buildPDF([]string{
		"Inclusion: adult ICU patients with sepsis",
		"Exclusion: age under 18 years",
	}, true)

	canonical, doc, notes, err := p.extract(context.Background(), data)
	require.NoError(t, err)
	require.Empty(t, notes)

	assert.Equal(t, "Inclusion: adult ICU patients with sepsis Exclusion: age under 18 years", canonical)
	assert.Equal(t, 2, doc.Pages)
	assert.Equal(t, 2, doc.PagesRead)
	assert.Equal(t, 1, doc.Images)
	assert.Equal(t, len(canonical), doc.TextChars)
}

func TestExtractCapsPagesRead(t *testing.T) {
	p := New(Deps{Logger: testLogger()})
	texts := make([]string, 8)
	words := []string{"One", "Two", "Three", "Four", "Five", "Six", "Seven", "Eight"}
	for i := range texts {
		texts[i] = fmt.Sprintf("Page%s inclusion criteria for the study cohort", words[i])
	}

	canonical, doc, _, err := p.extract(context.Background(), buildPDF(texts, false))
	require.NoError(t, err)

	assert.Equal(t, 8, doc.Pages)
	assert.Equal(t, 6, doc.PagesRead)
	assert.Contains(t, canonical, "PageSix")
	assert.NotContains(t, canonical, "PageSeven")
}

func TestExtractRejectsNonPDF(t *testing.T) {
	p := New(Deps{Logger: testLogger()})
	_, _, _, err := p.extract(context.Background(), []byte("plain text, not a pdf"))
	require.ErrorIs(t, err, ErrNotPDF)
}

func TestExtractRejectsCorrupt(t *testing.T) {
	p := New(Deps{Logger: testLogger()})
	_, _, _, err := p.extract(context.Background(), []byte("%PDF-1.4 but nothing else"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPDF)
}

func TestExtractImageOnly(t *testing.T) {
	p := New(Deps{Logger: testLogger()})
	_, doc, _, err := p.extract(context.Background(), buildPDF([]string{""}, true))
	require.ErrorIs(t, err, ErrNoText)

	assert.Equal(t, 1, doc.Pages)
	assert.Equal(t, 1, doc.Images)
}

func TestCanonicalText(t *testing.T) {
	assert.Equal(t, "a b c d", canonicalText([]string{"  a\nb ", "c\t d"}))
	assert.Equal(t, "", canonicalText(nil))
}

func TestCacheKeyContentAddressed(t *testing.T) {
	a := cacheKey("Inclusion: sepsis")
	b := cacheKey("Inclusion: sepsis")
	c := cacheKey("Inclusion: pneumonia")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
