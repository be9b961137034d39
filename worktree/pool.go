package worktree

import (
	"fmt"
	"path/filepath"
	"sync"
)

// RepoPool hands out one shared handle per repository. Git operations that
// mutate a repository's worktree list or refs are serialized through the
// handle. Handles are reference counted and dropped when the last user
// releases them.
type RepoPool struct {
	mu      sync.Mutex
	handles map[string]*RepoHandle
}

// NewRepoPool returns an empty pool.
func NewRepoPool() *RepoPool {
	return &RepoPool{handles: map[string]*RepoHandle{}}
}

// DefaultPool is shared by managers that are not given a pool.
var DefaultPool = NewRepoPool()

// RepoHandle serializes access to one repository.
type RepoHandle struct {
	pool *RepoPool
	path string
	refs int
	mu   sync.Mutex
}

// Canonical resolves symlinks and makes dir absolute so that different
// spellings of the same repository share a handle.
func Canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

// Acquire returns the handle for dir, creating it on first use.
func (p *RepoPool) Acquire(dir string) (*RepoHandle, error) {
	path, err := Canonical(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path %s: %w", dir, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[path]
	if !ok {
		h = &RepoHandle{pool: p, path: path}
		p.handles[path] = h
	}
	h.refs++
	return h, nil
}

// Len returns the number of live handles.
func (p *RepoPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Path returns the canonical repository path.
func (h *RepoHandle) Path() string {
	return h.path
}

// Do runs fn while holding the repository's lock.
func (h *RepoHandle) Do(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn()
}

// Release drops one reference.
func (h *RepoHandle) Release() {
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.refs == 0 {
		return
	}
	h.refs--
	if h.refs == 0 && p.handles[h.path] == h {
		delete(p.handles, h.path)
	}
}
