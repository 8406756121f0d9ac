package forge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	buildDirPrefix = "_build"
	cacheDirPrefix = "cache"
	rootLockName   = ".wasmforge.lock"
)

// Workspace is the pair of directories a phase works in.
type Workspace struct {
	Build string
	Cache string
}

// Allocator hands out fresh build directories sharing one cache directory.
// It is the scoped handle for everything it created: Release removes all of
// it. Callers defer Release right after NewAllocator succeeds.
type Allocator struct {
	root string
	keep bool

	mu       sync.Mutex
	cache    string
	external bool // cache supplied by the caller; never removed
	owned    []string
	lock     *os.File
	released bool
}

// NewAllocator locks root so concurrent runs cannot share it.
// cacheDir, when set, is a persistent cache used instead of a temp one.
func NewAllocator(root, cacheDir string, keep bool) (*Allocator, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, failf(ErrWorkspaceAllocation, "workspace", err, "create root %s", root)
	}
	lockPath := filepath.Join(root, rootLockName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, failf(ErrWorkspaceAllocation, "workspace", err, "open lock %s", lockPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, failf(ErrWorkspaceAllocation, "workspace", err, "root %s is in use by another run", root)
	}

	a := &Allocator{root: root, keep: keep, lock: f}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			a.unlock()
			return nil, failf(ErrWorkspaceAllocation, "workspace", err, "create cache %s", cacheDir)
		}
		a.cache = cacheDir
		a.external = true
	}
	return a, nil
}

// Allocate creates a new build directory and, on the first call, the cache.
func (a *Allocator) Allocate() (Workspace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return Workspace{}, failf(ErrWorkspaceAllocation, "workspace", nil, "allocator already released")
	}

	if a.cache == "" {
		cache, err := os.MkdirTemp(a.root, cacheDirPrefix)
		if err != nil {
			return Workspace{}, failf(ErrWorkspaceAllocation, "workspace", err, "create cache dir")
		}
		debugf("cache dir: %s\n", cache)
		a.cache = cache
		a.owned = append(a.owned, cache)
	}

	build, err := os.MkdirTemp(a.root, buildDirPrefix)
	if err != nil {
		return Workspace{}, failf(ErrWorkspaceAllocation, "workspace", err, "create build dir")
	}
	debugf("build dir: %s\n", build)
	a.owned = append(a.owned, build)
	return Workspace{Build: build, Cache: a.cache}, nil
}

// Owned returns the directories this allocator created.
func (a *Allocator) Owned() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.owned...)
}

// Release removes every directory the allocator created (unless keep was
// requested) and drops the root lock. Safe to call more than once.
func (a *Allocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	defer a.unlock()

	if a.keep {
		for _, d := range a.owned {
			colArrow.Print("-> ")
			colNote.Printf("Keeping workspace %s\n", d)
		}
		return nil
	}

	var errs []error
	for _, d := range a.owned {
		debugf("removing workspace %s\n", d)
		if err := os.RemoveAll(d); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Allocator) unlock() {
	if a.lock == nil {
		return
	}
	_ = unix.Flock(int(a.lock.Fd()), unix.LOCK_UN)
	a.lock.Close()
	a.lock = nil
}

// MarkSatisfied makes rel (relative to the build dir) look freshly built to
// a timestamp-driven build tool: its modification time is set past both
// now and every listed prerequisite, so the tool will not try to rebuild it.
func (w Workspace) MarkSatisfied(rel string, prerequisites ...string) error {
	target := filepath.Join(w.Build, rel)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("mark satisfied: %w", err)
	}

	stamp := time.Now()
	for _, p := range prerequisites {
		info, err := os.Stat(filepath.Join(w.Build, p))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("mark satisfied: %w", err)
		}
		// a full second clears filesystems with coarse timestamps
		if t := info.ModTime().Add(time.Second); t.After(stamp) {
			stamp = t
		}
	}
	return os.Chtimes(target, stamp, stamp)
}

// Satisfied reports whether rel exists and is newer than all prerequisites.
func (w Workspace) Satisfied(rel string, prerequisites ...string) bool {
	info, err := os.Stat(filepath.Join(w.Build, rel))
	if err != nil {
		return false
	}
	for _, p := range prerequisites {
		pi, err := os.Stat(filepath.Join(w.Build, p))
		if err != nil {
			continue
		}
		if !info.ModTime().After(pi.ModTime()) {
			return false
		}
	}
	return true
}
