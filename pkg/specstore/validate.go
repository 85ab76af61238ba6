package specstore

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ventisec/ventiscan/pkg/types"
)

// maxRefDepth bounds transitive $ref resolution. Legitimate specs nest a
// handful of levels; anything deeper is treated as hostile.
const maxRefDepth = 16

// scalar tags acceptable in a spec document. Anything else (custom
// application tags, language-specific object tags) is rejected.
var allowedTags = map[string]struct{}{
	"!!null":      {},
	"!!bool":      {},
	"!!int":       {},
	"!!float":     {},
	"!!str":       {},
	"!!map":       {},
	"!!seq":       {},
	"!!timestamp": {},
	"!!merge":     {},
}

// Parse decodes and validates an OpenAPI document. Syntactic failures map
// to ErrSpecMalformed; structurally valid YAML that is dangerous to
// process (custom tags, external or runaway $refs) maps to ErrSpecUnsafe.
func Parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %v: %w", err, types.ErrSpecMalformed)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty document: %w", types.ErrSpecMalformed)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level is not a mapping: %w", types.ErrSpecMalformed)
	}

	if err := checkTags(root); err != nil {
		return nil, err
	}
	if err := checkHostilePatterns(root); err != nil {
		return nil, err
	}

	if mapValue(root, "openapi") == nil && mapValue(root, "swagger") == nil {
		return nil, fmt.Errorf("missing openapi/swagger version field: %w", types.ErrSpecMalformed)
	}
	paths := mapValue(root, "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("missing or invalid paths object: %w", types.ErrSpecMalformed)
	}

	if err := checkRefs(root); err != nil {
		return nil, err
	}

	return &doc, nil
}

func checkTags(n *yaml.Node) error {
	if n.Tag != "" && strings.HasPrefix(n.Tag, "!") {
		if _, ok := allowedTags[n.Tag]; !ok {
			return fmt.Errorf("tag %s not allowed: %w", n.Tag, types.ErrSpecUnsafe)
		}
	}
	for _, c := range n.Content {
		if err := checkTags(c); err != nil {
			return err
		}
	}
	return nil
}

// checkHostilePatterns rejects content aimed at downstream consumers of
// the document rather than at this parser: prototype pollution keys and
// embedded script tags that would fire in a browser-rendered report.
func checkHostilePatterns(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == "__proto__" {
				return fmt.Errorf("prototype pollution key: %w", types.ErrSpecUnsafe)
			}
		}
	}
	if n.Kind == yaml.ScalarNode && strings.Contains(strings.ToLower(n.Value), "<script") {
		return fmt.Errorf("embedded script tag: %w", types.ErrSpecUnsafe)
	}
	for _, c := range n.Content {
		if err := checkHostilePatterns(c); err != nil {
			return err
		}
	}
	return nil
}

// checkRefs verifies every $ref is a local pointer that resolves, with no
// cycles and bounded transitive depth.
func checkRefs(root *yaml.Node) error {
	state := make(map[string]int) // 0 unvisited, 1 in progress, 2 done
	depth := make(map[string]int)

	var resolve func(ptr string) (int, error)

	// refDepth returns the deepest transitive resolution below a node.
	var refDepth func(n *yaml.Node) (int, error)
	refDepth = func(n *yaml.Node) (int, error) {
		max := 0
		if n.Kind == yaml.MappingNode {
			if ref := mapValue(n, "$ref"); ref != nil {
				if !strings.HasPrefix(ref.Value, "#/") {
					return 0, fmt.Errorf("non-local $ref %q: %w", ref.Value, types.ErrSpecUnsafe)
				}
				return resolve(ref.Value)
			}
		}
		for _, c := range n.Content {
			d, err := refDepth(c)
			if err != nil {
				return 0, err
			}
			if d > max {
				max = d
			}
		}
		return max, nil
	}

	resolve = func(ptr string) (int, error) {
		switch state[ptr] {
		case 1:
			return 0, fmt.Errorf("$ref cycle through %q: %w", ptr, types.ErrSpecUnsafe)
		case 2:
			return depth[ptr], nil
		}
		target := lookupPointer(root, ptr)
		if target == nil {
			return 0, fmt.Errorf("unresolvable $ref %q: %w", ptr, types.ErrSpecMalformed)
		}
		state[ptr] = 1
		inner, err := refDepth(target)
		if err != nil {
			return 0, err
		}
		d := inner + 1
		if d > maxRefDepth {
			return 0, fmt.Errorf("$ref chain deeper than %d at %q: %w", maxRefDepth, ptr, types.ErrSpecUnsafe)
		}
		state[ptr] = 2
		depth[ptr] = d
		return d, nil
	}

	_, err := refDepth(root)
	return err
}

// lookupPointer resolves a "#/a/b" JSON pointer against the root mapping.
func lookupPointer(root *yaml.Node, ptr string) *yaml.Node {
	n := root
	for _, part := range strings.Split(strings.TrimPrefix(ptr, "#/"), "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		if n.Kind != yaml.MappingNode {
			return nil
		}
		n = mapValue(n, part)
		if n == nil {
			return nil
		}
	}
	return n
}

// mapValue returns the value node for a key in a mapping node, or nil.
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
