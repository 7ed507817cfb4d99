package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/storage/localfs"
)

// FileStore keeps the source manifest as a single JSON document replaced atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (domain.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewManifest(), nil
	}
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	manifest := domain.NewManifest()
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return domain.Manifest{}, fmt.Errorf("decode manifest %s: %w", s.path, err)
	}
	if manifest.Sources == nil {
		manifest.Sources = make(map[string]domain.ManifestEntry)
	}
	return manifest, nil
}

func (s *FileStore) Save(_ context.Context, manifest domain.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := localfs.WriteFileAtomic(s.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	}); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
