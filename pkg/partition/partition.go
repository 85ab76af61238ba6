package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/specstore"
	"github.com/ventisec/ventiscan/pkg/types"
)

// DefaultMaxChunks caps the chunk count when no limit is configured.
const DefaultMaxChunks = 5

// Planner splits a validated spec into per-chunk mini-specs on disk.
type Planner struct {
	root      string // artifact root
	maxChunks int    // ceiling on chunks per scan
}

// NewPlanner creates a planner writing mini-specs under the artifact root.
// maxChunks bounds how many chunks a plan produces; zero or negative means
// the default.
func NewPlanner(root string, maxChunks int) *Planner {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Planner{root: root, maxChunks: maxChunks}
}

// Plan partitions the document's paths into chunks and writes one
// self-contained mini-spec per chunk. Path order follows the document, so
// the same document and options always produce the same plan. With
// parallel mode off the whole spec becomes a single chunk.
func (p *Planner) Plan(scanID string, doc *specstore.Document, opts types.ScanOptions) ([]*types.Chunk, error) {
	rootMap := doc.Root.Content[0]
	pairs := pathEntries(rootMap)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("spec has no scannable paths: %w", types.ErrSpecMalformed)
	}

	chunkSize := opts.ChunkSize
	if !opts.ParallelMode || chunkSize >= len(pairs) {
		chunkSize = len(pairs)
	}
	// More chunks than workers buys nothing; grow the chunk size until
	// the plan fits the parallelism ceiling.
	if min := (len(pairs) + p.maxChunks - 1) / p.maxChunks; chunkSize < min {
		chunkSize = min
	}

	dir := filepath.Join(p.root, "specs", scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	var chunks []*types.Chunk
	for k := 0; k*chunkSize < len(pairs); k++ {
		lo := k * chunkSize
		hi := lo + chunkSize
		if hi > len(pairs) {
			hi = len(pairs)
		}
		group := pairs[lo:hi]

		data, err := marshalMiniSpec(rootMap, group)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", k, err)
		}
		name := fmt.Sprintf("chunk-%d.yaml", k)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", k, err)
		}

		paths := make([]string, len(group))
		for i, pe := range group {
			paths[i] = pe.path
		}
		chunks = append(chunks, &types.Chunk{
			ScanID:   scanID,
			Index:    k,
			Paths:    paths,
			SpecPath: filepath.Join("specs", scanID, name),
			State:    types.ChunkStatePending,
		})
	}

	log.WithScanID(scanID).Info().
		Int("paths", len(pairs)).
		Int("chunks", len(chunks)).
		Bool("parallel", opts.ParallelMode).
		Msg("scan partitioned")

	return chunks, nil
}

type pathEntry struct {
	path  string
	key   *yaml.Node
	value *yaml.Node
}

// pathEntries lists the paths mapping in document order, skipping
// extension keys.
func pathEntries(rootMap *yaml.Node) []pathEntry {
	paths := mapValue(rootMap, "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return nil
	}
	var out []pathEntry
	for i := 0; i+1 < len(paths.Content); i += 2 {
		k, v := paths.Content[i], paths.Content[i+1]
		if strings.HasPrefix(k.Value, "x-") {
			continue
		}
		out = append(out, pathEntry{path: k.Value, key: k, value: v})
	}
	return out
}

// marshalMiniSpec re-emits the document with the paths mapping narrowed to
// the given group. Every other top-level section (components, servers,
// security) is carried verbatim so local refs keep resolving.
func marshalMiniSpec(rootMap *yaml.Node, group []pathEntry) ([]byte, error) {
	narrowed := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, pe := range group {
		narrowed.Content = append(narrowed.Content, pe.key, pe.value)
	}

	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(rootMap.Content); i += 2 {
		k, v := rootMap.Content[i], rootMap.Content[i+1]
		if k.Value == "paths" {
			v = narrowed
		}
		out.Content = append(out.Content, k, v)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal mini-spec: %w", err)
	}
	return data, nil
}

func mapValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
