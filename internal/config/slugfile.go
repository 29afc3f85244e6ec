package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSlugFile reads a slug → page mapping from a YAML or JSON document.
// Entries are returned in document order, which decides the inverse lookup
// when several slugs share a page.
func LoadSlugFile(path string) ([]SlugEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slug file %s: %w", path, err)
	}

	entries, err := parseSlugs(data)
	if err != nil {
		return nil, fmt.Errorf("parse slug file %s: %w", path, err)
	}
	return entries, nil
}

func parseSlugs(data []byte) ([]SlugEntry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return nil, nil // empty document
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of slug to page id", root.Line)
	}

	entries := make([]SlugEntry, 0, len(root.Content)/2)
	seen := make(map[string]int, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: slug and page id must be scalars", k.Line)
		}
		if line, ok := seen[k.Value]; ok {
			return nil, fmt.Errorf("line %d: slug %q already defined at line %d", k.Line, k.Value, line)
		}
		seen[k.Value] = k.Line
		entries = append(entries, SlugEntry{Slug: k.Value, Page: v.Value})
	}
	return entries, nil
}
