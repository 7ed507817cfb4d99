package filestore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/storage/localfs"
)

const (
	pointerFile  = "index.json"
	vectorMagic  = "KIV1"
	headerLength = 16
)

// pointer names the generation whose data files form the current consistent index.
// It is replaced by rename only after those files are fully written and synced.
type pointer struct {
	Generation uint64    `json:"generation"`
	Dimension  int       `json:"dimension"`
	Rows       int       `json:"rows"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func vectorsPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("vectors-%06d.f32", gen))
}

func entriesPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("entries-%06d.jsonl", gen))
}

// load returns nil when nothing has been persisted yet.
func load(dir string) (*snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, pointerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index pointer: %w", err)
	}

	var ptr pointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return nil, fmt.Errorf("decode index pointer: %w", err)
	}

	vectors, dim, rows, err := readVectors(vectorsPath(dir, ptr.Generation))
	if err != nil {
		return nil, err
	}
	if dim != ptr.Dimension || rows != ptr.Rows {
		return nil, fmt.Errorf("vector file header %dx%d disagrees with pointer %dx%d", rows, dim, ptr.Rows, ptr.Dimension)
	}

	entries, err := readEntries(entriesPath(dir, ptr.Generation))
	if err != nil {
		return nil, err
	}
	if len(entries) != rows {
		return nil, fmt.Errorf("entry count %d does not match vector rows %d", len(entries), rows)
	}

	return &snapshot{
		generation: ptr.Generation,
		dim:        dim,
		vectors:    vectors,
		entries:    entries,
	}, nil
}

func persist(dir string, snap *snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	if err := localfs.WriteFileAtomic(vectorsPath(dir, snap.generation), func(w io.Writer) error {
		return writeVectors(w, snap)
	}); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	if err := localfs.WriteFileAtomic(entriesPath(dir, snap.generation), func(w io.Writer) error {
		return writeEntries(w, snap.entries)
	}); err != nil {
		return fmt.Errorf("write entries: %w", err)
	}

	ptr := pointer{
		Generation: snap.generation,
		Dimension:  snap.dim,
		Rows:       snap.rows(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := localfs.WriteFileAtomic(filepath.Join(dir, pointerFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ptr)
	}); err != nil {
		return fmt.Errorf("write index pointer: %w", err)
	}
	return localfs.SyncDir(dir)
}

// removeGeneration deletes superseded data files. Failures only leave garbage behind.
func removeGeneration(dir string, gen uint64) {
	_ = os.Remove(vectorsPath(dir, gen))
	_ = os.Remove(entriesPath(dir, gen))
}

func writeVectors(w io.Writer, snap *snapshot) error {
	header := make([]byte, headerLength)
	copy(header, vectorMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(snap.dim))
	binary.LittleEndian.PutUint64(header[8:16], uint64(snap.rows()))
	if _, err := w.Write(header); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, x := range snap.vectors {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readVectors(path string) ([]float32, int, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read vectors: %w", err)
	}
	if len(raw) < headerLength || string(raw[:4]) != vectorMagic {
		return nil, 0, 0, fmt.Errorf("read vectors %s: bad header", filepath.Base(path))
	}
	dim := int(binary.LittleEndian.Uint32(raw[4:8]))
	rows := int(binary.LittleEndian.Uint64(raw[8:16]))
	body := raw[headerLength:]
	if len(body) != dim*rows*4 {
		return nil, 0, 0, fmt.Errorf("read vectors %s: expected %d bytes of data, found %d", filepath.Base(path), dim*rows*4, len(body))
	}

	vectors := make([]float32, dim*rows)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return vectors, dim, rows, nil
}

func writeEntries(w io.Writer, entries []domain.IndexEntry) error {
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func readEntries(path string) ([]domain.IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open entries: %w", err)
	}
	defer f.Close()

	var entries []domain.IndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry domain.IndexEntry
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("entries %s line %d: %w", filepath.Base(path), line, err)
		}
		if err := validateEntry(entry); err != nil {
			return nil, fmt.Errorf("entries %s line %d: %w", filepath.Base(path), line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}
