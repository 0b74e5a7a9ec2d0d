package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seed/catalog.yaml
var defaultCatalog []byte

type seedFile struct {
	Products []createProductRequest `yaml:"products"`
}

// parseSeed decodes and validates every product in a seed document.
func parseSeed(raw []byte) ([]product, error) {
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}
	out := make([]product, 0, len(doc.Products))
	seen := make(map[string]bool, len(doc.Products))
	for i, req := range doc.Products {
		p, err := buildCreateProduct(req)
		if err != nil {
			return nil, fmt.Errorf("catalog seed product %d (%s): %w", i, req.Slug, err)
		}
		if seen[p.Slug] {
			return nil, fmt.Errorf("catalog seed product %d: %w: %s", i, errDuplicateSlug, p.Slug)
		}
		seen[p.Slug] = true
		out = append(out, p)
	}
	return out, nil
}

// seed loads the catalog into an empty store. path overrides the embedded
// default. It returns the number of products inserted.
func (s *service) seed(ctx context.Context, path string) (int, error) {
	n, err := s.countProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	raw := defaultCatalog
	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read catalog seed: %w", err)
		}
	}
	products, err := parseSeed(raw)
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		if err := s.createProduct(ctx, p); err != nil {
			return 0, fmt.Errorf("insert %s: %w", p.Slug, err)
		}
	}
	return len(products), nil
}
