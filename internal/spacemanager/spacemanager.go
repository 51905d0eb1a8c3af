// Package spacemanager enforces free-space preconditions and reclaims
// space from caches when possible, per SPEC_FULL.md §4.6. Grounded on
// the donor's filesystem.Allocator.checkDiskSpace/AllocateFile
// (shirou/gopsutil/v3/disk.Usage + a fixed buffer), generalized with the
// cache-eviction branch the donor never implemented.
package spacemanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"downloadengine/internal/store"
)

// Reserved is the minimum headroom always kept free beyond the bytes a
// transfer needs, per SPEC_FULL.md §4.6.
const Reserved = 32 * 1024 * 1024

// MinDeleteAge is how old a Cache-class file must be before the
// oldest-first eviction strategy considers deleting it.
const MinDeleteAge = 24 * time.Hour

// CacheLister finds candidate cache rows to evict, oldest first. The
// SpaceManager never guesses at directory layout itself (filesystem
// layout helpers are out of scope); it asks the Store for rows it is
// allowed to delete.
type CacheLister interface {
	// ListCacheClass returns non-deleted, terminal Cache-class requests
	// older than minAge, oldest LastModified first.
	ListCacheClass(minAge time.Duration) ([]store.Request, error)
}

// FreeCacheFunc is the external "free cache" capability: an
// out-of-process collaborator the data partition can ask to make room.
// EnsureFree waits at most 30s for it to return.
type FreeCacheFunc func() error

// Manager implements ensure_free/reclaim.
type Manager struct {
	lister    CacheLister
	freeCache FreeCacheFunc
	deleter   func(id int64) error
}

// New constructs a Manager. freeCache may be nil if the host offers no
// such capability (ensure_free then skips straight to eviction).
func New(lister CacheLister, freeCache FreeCacheFunc, deleter func(id int64) error) *Manager {
	return &Manager{lister: lister, freeCache: freeCache, deleter: deleter}
}

// PartitionKind tells EnsureFree which shortfall strategy applies. The
// retrieved pack carries no portable "which partition" API, so callers
// pass it explicitly; the Worker always passes PartitionData.
type PartitionKind int

const (
	PartitionData PartitionKind = iota
	PartitionCache
)

// EnsureFree compares available bytes on the backing device of path to
// bytes+Reserved. On shortfall: data partition -> invoke FreeCacheFunc
// (waiting at most 30s for it); cache partition -> evict
// oldest Cache-class rows older than MinDeleteAge until covered. Re-check
// after; if still short, return ErrInsufficientSpace.
func (m *Manager) EnsureFree(path string, bytes int64, partition PartitionKind) error {
	if ok, err := m.hasHeadroom(path, bytes); err != nil {
		return err
	} else if ok {
		return nil
	}

	switch partition {
	case PartitionData:
		if m.freeCache != nil {
			done := make(chan struct{})
			go func() {
				_ = m.freeCache()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(30 * time.Second):
			}
		}
	case PartitionCache:
		if err := m.evictOldest(bytes); err != nil {
			return err
		}
	}

	ok, err := m.hasHeadroom(path, bytes)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientSpace
	}
	return nil
}

// Reclaim runs the same oldest-first eviction strategy used mid-transfer
// when a write fails with ENOSPC.
func (m *Manager) Reclaim(bytes int64) error {
	return m.evictOldest(bytes)
}

func (m *Manager) hasHeadroom(path string, bytes int64) (bool, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create destination directory: %w", err)
		}
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return false, fmt.Errorf("check disk space: %w", err)
	}
	return int64(usage.Free) >= bytes+Reserved, nil
}

func (m *Manager) evictOldest(need int64) error {
	if m.lister == nil {
		return nil
	}
	rows, err := m.lister.ListCacheClass(MinDeleteAge)
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastModified < rows[j].LastModified })

	var freed int64
	for _, row := range rows {
		if freed >= need {
			break
		}
		if fi, err := os.Stat(row.FilePath); err == nil {
			freed += fi.Size()
		}
		if m.deleter != nil {
			_ = m.deleter(row.ID)
		}
	}
	return nil
}

// ErrInsufficientSpace is returned when ensure_free cannot recover
// enough headroom even after invoking the external free-cache
// capability or evicting oldest cache rows.
var ErrInsufficientSpace = fmt.Errorf("insufficient space")
