// Package store resolves test identifiers to stored script bodies.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// ErrNotFound is returned for an unknown test id
var ErrNotFound = errors.New("test not found")

// Store looks tests up by id
type Store interface {
	Lookup(ctx context.Context, id string) (models.Test, error)
	Close() error
}

// Writer is implemented by stores that accept new tests
type Writer interface {
	Put(ctx context.Context, t models.Test) error
}

// Open creates the store for driver: memory, sqlite or postgres
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// Memory keeps tests in a map
type Memory struct {
	mu    sync.RWMutex
	tests map[string]models.Test
}

// NewMemory creates a memory store holding tests
func NewMemory(tests ...models.Test) *Memory {
	m := &Memory{tests: make(map[string]models.Test, len(tests))}
	for _, t := range tests {
		m.tests[t.ID] = t
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, id string) (models.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[id]
	if !ok {
		return models.Test{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) Put(_ context.Context, t models.Test) error {
	if t.ID == "" {
		return errors.New("test id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.ID] = t
	return nil
}

func (m *Memory) Close() error { return nil }

// SeedDir puts every .json, .yaml and .yml file of dir into w, keyed by file name
func SeedDir(ctx context.Context, w Writer, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if err := w.Put(ctx, models.Test{ID: id, Name: id, Script: string(body)}); err != nil {
			return 0, fmt.Errorf("failed to seed %s: %w", name, err)
		}
	}
	return len(names), nil
}
