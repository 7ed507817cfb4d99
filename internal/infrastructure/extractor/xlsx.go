package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// extractXLSX yields one section per sheet located by sheet name.
// Cells are tab-separated and rows newline-separated.
func extractXLSX(doc domain.Document) ([]domain.Section, error) {
	book, err := excelize.OpenReader(bytes.NewReader(doc.Content))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open xlsx", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	sections := make([]domain.Section, 0, len(sheets))
	for _, sheet := range sheets {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read xlsx sheet", fmt.Errorf("%s: %w", sheet, err))
		}

		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line != "" {
				lines = append(lines, line)
			}
		}
		sections = append(sections, domain.Section{
			Location: sheet,
			Text:     strings.Join(lines, "\n"),
		})
	}
	return sections, nil
}
