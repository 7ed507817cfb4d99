package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type DocumentKind string

const (
	KindPDF         DocumentKind = "pdf"
	KindDOCX        DocumentKind = "docx"
	KindText        DocumentKind = "text"
	KindHTML        DocumentKind = "html"
	KindXLSX        DocumentKind = "xlsx"
	KindUnsupported DocumentKind = "unsupported"
)

type Origin string

const (
	OriginUpload Origin = "upload"
	OriginCrawl  Origin = "crawl"
)

// Document is a source handed to the indexer. It lives only for the duration of a run.
type Document struct {
	Source      string       `json:"source"`
	Kind        DocumentKind `json:"kind"`
	Content     []byte       `json:"-"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Origin      Origin       `json:"origin"`
}

// Section is a unit of extracted text with its optional location (page number, sheet name).
type Section struct {
	Location string
	Text     string
}

// Fragment is an immutable chunk of a source's text.
type Fragment struct {
	Source   string `json:"source"`
	Location string `json:"location,omitempty"`
	Text     string `json:"text"`
	Ordinal  int    `json:"ordinal"`
}

// Page is a crawled HTML page reduced to its visible text.
type Page struct {
	URL       string    `json:"url"`
	Depth     int       `json:"depth"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// KindFromName derives the document kind from a filename extension,
// falling back to the declared content type.
func KindFromName(name, contentType string) DocumentKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".docx":
		return KindDOCX
	case ".txt", ".md", ".markdown", ".csv", ".log":
		return KindText
	case ".html", ".htm":
		return KindHTML
	case ".xlsx":
		return KindXLSX
	}

	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	switch mediaType {
	case "application/pdf":
		return KindPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return KindXLSX
	case "text/html", "application/xhtml+xml":
		return KindHTML
	}
	if strings.HasPrefix(mediaType, "text/") {
		return KindText
	}
	return KindUnsupported
}

type CrawlRequest struct {
	Seed     string `json:"seed"`
	MaxPages int    `json:"max_pages"`
	MaxDepth int    `json:"max_depth"`
}

type CrawlResult struct {
	Pages   []Page   `json:"pages"`
	Fetched int      `json:"fetched"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// StoredObject describes an uploaded file in object storage.
type StoredObject struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}
