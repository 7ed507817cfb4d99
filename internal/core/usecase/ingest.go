package usecase

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

// UploadUseCase stores uploaded files and turns the upload area into reindex requests.
// An upload keeps its sanitized filename as source identity, so re-uploading a file
// under the same name replaces the previous version.
type UploadUseCase struct {
	storage   ports.ObjectStorage
	indexer   ports.IndexService
	requests  ports.JobRequestPublisher
	autoIndex bool
}

func NewUploadUseCase(
	storage ports.ObjectStorage,
	indexer ports.IndexService,
	requests ports.JobRequestPublisher,
	autoIndex bool,
) *UploadUseCase {
	return &UploadUseCase{
		storage:   storage,
		indexer:   indexer,
		requests:  requests,
		autoIndex: autoIndex,
	}
}

func (uc *UploadUseCase) Upload(ctx context.Context, filename string, body io.Reader) (string, error) {
	key := sanitizeFilename(filename)
	if domain.KindFromName(key, "") == domain.KindUnsupported {
		return "", domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("unsupported file type: %s", filename))
	}

	if err := uc.storage.Save(ctx, key, body); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}

	if uc.autoIndex && uc.requests != nil {
		if err := uc.requests.PublishJobRequest(ctx, domain.JobRequest{Kind: domain.JobReindex}); err != nil {
			return key, fmt.Errorf("publish reindex request: %w", err)
		}
	}
	return key, nil
}

// CollectUploads reads every stored upload into an upload-origin document.
func (uc *UploadUseCase) CollectUploads(ctx context.Context) ([]domain.Document, error) {
	objects, err := uc.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	docs := make([]domain.Document, 0, len(objects))
	for _, obj := range objects {
		content, err := uc.read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		docs = append(docs, domain.Document{
			Source:  obj.Key,
			Kind:    domain.KindFromName(obj.Key, ""),
			Content: content,
			Origin:  domain.OriginUpload,
		})
	}
	return docs, nil
}

// ReindexUploads incrementally indexes the upload area.
func (uc *UploadUseCase) ReindexUploads(ctx context.Context, pruneMissing bool, progress ports.ProgressReporter) (domain.IndexReport, error) {
	docs, err := uc.CollectUploads(ctx)
	if err != nil {
		return domain.IndexReport{State: domain.StateError, Errors: []string{err.Error()}}, err
	}
	return uc.indexer.Reindex(ctx, domain.ReindexRequest{
		Origin:       domain.OriginUpload,
		Documents:    docs,
		PruneMissing: pruneMissing,
	}, progress)
}

// RebuildUploads discards the index and re-embeds the upload area.
func (uc *UploadUseCase) RebuildUploads(ctx context.Context, progress ports.ProgressReporter) (domain.IndexReport, error) {
	docs, err := uc.CollectUploads(ctx)
	if err != nil {
		return domain.IndexReport{State: domain.StateError, Errors: []string{err.Error()}}, err
	}
	return uc.indexer.Rebuild(ctx, domain.ReindexRequest{
		Origin:    domain.OriginUpload,
		Documents: docs,
	}, progress)
}

func (uc *UploadUseCase) read(ctx context.Context, key string) ([]byte, error) {
	reader, err := uc.storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", key, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", key, err)
	}
	return raw, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "document.bin"
	}
	return base
}
