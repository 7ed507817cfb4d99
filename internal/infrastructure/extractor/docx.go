package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

func extractDOCX(doc domain.Document) ([]domain.Section, error) {
	reader, err := zip.NewReader(bytes.NewReader(doc.Content), int64(len(doc.Content)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open docx", err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "open docx body", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read docx body", err)
		}

		text, err := paragraphsText(content)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse docx body", err)
		}
		return single(text), nil
	}
	return nil, domain.WrapError(domain.ErrInvalidInput, "open docx", fmt.Errorf("word/document.xml not found"))
}

// paragraphsText joins paragraph texts with newlines.
func paragraphsText(content []byte) (string, error) {
	var doc documentXML
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, para := range doc.Body.Paragraphs {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, r := range para.Runs {
			for _, t := range r.Text {
				b.WriteString(t.Content)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
