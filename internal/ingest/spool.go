package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// spoolFile is the layout of one spool document. JSON files decode through
// the same YAML parser.
type spoolFile struct {
	Items []spoolItem `yaml:"items"`
}

type spoolItem struct {
	ExternalID  string `yaml:"external_id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
	Category    string `yaml:"category"`
}

// SpoolSource reads candidate events from *.yaml, *.yml and *.json files in
// a directory. Files are left in place; the event store ignores items whose
// external id it already holds.
type SpoolSource struct {
	name string
	dir  string
}

func NewSpoolSource(name, dir string) *SpoolSource {
	if name == "" {
		name = "spool"
	}
	return &SpoolSource{name: name, dir: dir}
}

func (s *SpoolSource) Name() string { return s.name }

// Fetch returns the items of every spool file in name order. A missing
// directory yields no items. A malformed file fails the whole fetch.
func (s *SpoolSource) Fetch(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var items []Item
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !isSpoolFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spool file %s: %w", e.Name(), err)
		}
		var doc spoolFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse spool file %s: %w", e.Name(), err)
		}
		for _, it := range doc.Items {
			items = append(items, Item{
				ExternalID:  it.ExternalID,
				Title:       it.Title,
				Description: it.Description,
				URL:         it.URL,
				Category:    it.Category,
			})
		}
	}
	return items, nil
}

func isSpoolFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
