package extractor

import (
	"context"
	"log/slog"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// Extractor dispatches on document kind. Unsupported kinds yield no sections and no error.
type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

func (e *Extractor) Extract(ctx context.Context, doc domain.Document) ([]domain.Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch doc.Kind {
	case domain.KindPDF:
		return e.extractPDF(doc)
	case domain.KindDOCX:
		return extractDOCX(doc)
	case domain.KindText:
		return single(DecodeText(doc.Content)), nil
	case domain.KindHTML:
		text, err := HTMLText(doc.Content)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "extract html", err)
		}
		return single(text), nil
	case domain.KindXLSX:
		return extractXLSX(doc)
	default:
		e.logger.Debug("extract_unsupported_kind", "source", doc.Source, "kind", string(doc.Kind))
		return nil, nil
	}
}

func single(text string) []domain.Section {
	if text == "" {
		return nil
	}
	return []domain.Section{{Text: text}}
}
