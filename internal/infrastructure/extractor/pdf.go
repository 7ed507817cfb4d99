package extractor

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// extractPDF yields one section per page located by its 1-based page number.
// A page that fails to parse yields an empty section so later pages keep their numbers.
func (e *Extractor) extractPDF(doc domain.Document) ([]domain.Section, error) {
	reader, err := openPDF(doc.Content)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}

	pageCount := reader.NumPage()
	sections := make([]domain.Section, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		text, err := pageText(reader, i)
		if err != nil {
			e.logger.Warn("pdf_page_extract_failed", "source", doc.Source, "page", i, "error", err)
			text = ""
		}
		sections = append(sections, domain.Section{
			Location: strconv.Itoa(i),
			Text:     strings.TrimSpace(text),
		})
	}
	return sections, nil
}

func openPDF(content []byte) (reader *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reader, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(content), int64(len(content)))
}

func pageText(reader *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("page %d: %v", num, rec)
		}
	}()

	page := reader.Page(num)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
