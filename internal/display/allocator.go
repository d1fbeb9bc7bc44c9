package display

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// allocator hands out X display numbers so concurrent runs never share a surface
type allocator struct {
	mu      sync.Mutex
	base    int
	size    int
	lockDir string
	inUse   map[int]struct{}
}

func newAllocator(base, size int, lockDir string) *allocator {
	return &allocator{
		base:    base,
		size:    size,
		lockDir: lockDir,
		inUse:   make(map[int]struct{}),
	}
}

// acquire returns a free display number or ErrDisplayUnavailable.
// Numbers with an X lock file are owned by someone else and skipped.
func (a *allocator) acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := a.base; n < a.base+a.size; n++ {
		if _, taken := a.inUse[n]; taken {
			continue
		}
		if a.lockDir != "" {
			if _, err := os.Stat(filepath.Join(a.lockDir, fmt.Sprintf(".X%d-lock", n))); err == nil {
				continue
			}
		}
		a.inUse[n] = struct{}{}
		return n, nil
	}

	return 0, fmt.Errorf("%w: all %d displays from :%d are in use", ErrDisplayUnavailable, a.size, a.base)
}

func (a *allocator) release(n int) {
	a.mu.Lock()
	delete(a.inUse, n)
	a.mu.Unlock()
}

func (a *allocator) active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
