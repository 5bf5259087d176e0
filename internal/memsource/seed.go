package memsource

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zot/livequery/internal/query"
)

// Seed is the YAML seed file layout:
//
//	entities:
//	  tasks:
//	    key: [id]
//	    items:
//	      - {id: 1, title: write, completed: false}
type Seed struct {
	Entities map[string]SeedEntity `yaml:"entities"`
}

// SeedEntity is one entity's key fields and initial rows.
type SeedEntity struct {
	Key   []string     `yaml:"key"`
	Items []query.Item `yaml:"items"`
}

// LoadSeedFile reads a YAML seed file into s.
func (s *Source) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.LoadSeed(data)
}

// LoadSeed defines the seed's entities and inserts their rows without
// reporting changes.
func (s *Source) LoadSeed(data []byte) error {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("bad seed data: %w", err)
	}
	for name, ent := range seed.Entities {
		s.Define(name, ent.Key...)

		s.mu.Lock()
		t := s.tables[name]
		for _, item := range ent.Items {
			key, err := query.ItemKey(item, t.keyFields)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("seed %s: %w", name, err)
			}
			if _, exists := t.rows[key]; !exists {
				t.order = append(t.order, key)
			}
			t.rows[key] = item
		}
		s.mu.Unlock()
		logger.Debugf("seeded %s with %d items", name, len(ent.Items))
	}
	return nil
}
