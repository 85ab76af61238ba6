package specstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/safety"
	"github.com/ventisec/ventiscan/pkg/types"
)

const (
	// MaxSpecBytes caps an uploaded or fetched document as received,
	// before any decompression.
	MaxSpecBytes = 10 << 20

	// maxInflatedBytes guards against decompression bombs.
	maxInflatedBytes = 50 << 20

	// DefaultSpecName is used when the client gives no usable filename.
	DefaultSpecName = "openapi.yaml"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Document is a validated spec ready for partitioning.
type Document struct {
	Root    *yaml.Node // document node
	RelPath string     // canonical copy, relative to the artifact root
	Size    int64
}

// Store persists canonical spec copies under <root>/specs/<scan_id>/.
type Store struct {
	root    string
	fetcher *safety.Fetcher
}

// NewStore creates a spec store rooted at the artifact directory.
func NewStore(root string, fetcher *safety.Fetcher) *Store {
	return &Store{root: root, fetcher: fetcher}
}

// IngestUpload validates client-uploaded bytes (optionally gzipped) and
// persists the canonical copy for the scan.
func (s *Store) IngestUpload(scanID, filename string, data []byte) (*Document, error) {
	return s.ingest(scanID, NormalizeName(filename), data)
}

// IngestURL fetches a spec from a vetted URL and persists it.
func (s *Store) IngestURL(ctx context.Context, scanID, rawURL string) (*Document, error) {
	data, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	name := DefaultSpecName
	if base := NormalizeName(filepath.Base(rawURL)); base != DefaultSpecName {
		name = base
	}
	return s.ingest(scanID, name, data)
}

func (s *Store) ingest(scanID, name string, data []byte) (*Document, error) {
	if int64(len(data)) > MaxSpecBytes {
		return nil, fmt.Errorf("spec is %d bytes, cap %d: %w", len(data), MaxSpecBytes, types.ErrSpecTooLarge)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty spec: %w", types.ErrSpecMalformed)
	}

	raw, err := inflate(data)
	if err != nil {
		return nil, err
	}

	root, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, "specs", scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spec dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write spec: %w", err)
	}

	log.WithScanID(scanID).Debug().
		Str("spec", name).
		Int("bytes", len(raw)).
		Msg("spec ingested")

	return &Document{
		Root:    root,
		RelPath: filepath.Join("specs", scanID, name),
		Size:    int64(len(raw)),
	}, nil
}

// inflate transparently decompresses gzipped input, bounding the output.
func inflate(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bad gzip stream: %w", types.ErrSpecMalformed)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflate spec: %w", types.ErrSpecMalformed)
	}
	if int64(len(out)) > maxInflatedBytes {
		return nil, fmt.Errorf("inflated spec exceeds %d bytes: %w", maxInflatedBytes, types.ErrSpecTooLarge)
	}
	return out, nil
}

// Remove deletes the canonical spec copies for a scan.
func (s *Store) Remove(scanID string) error {
	return os.RemoveAll(filepath.Join(s.root, "specs", scanID))
}

// Abs resolves a stored relative path against the artifact root.
func (s *Store) Abs(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// NormalizeName reduces a client-supplied filename to a safe basename.
// Anything empty, hidden, or stripped of its extension entirely falls
// back to the default name.
func NormalizeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return DefaultSpecName
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return name
	}
	return name + ".yaml"
}
