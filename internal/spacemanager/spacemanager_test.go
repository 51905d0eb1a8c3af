package spacemanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"downloadengine/internal/store"
)

type fakeLister struct {
	rows []store.Request
}

func (f *fakeLister) ListCacheClass(minAge time.Duration) ([]store.Request, error) {
	return f.rows, nil
}

func TestEnsureFreeSucceedsWithHeadroom(t *testing.T) {
	dir := t.TempDir()
	m := New(nil, nil, nil)
	err := m.EnsureFree(filepath.Join(dir, "f.bin"), 1024, PartitionData)
	require.NoError(t, err)
}

func TestEnsureFreeCreatesDestinationDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	m := New(nil, nil, nil)
	err := m.EnsureFree(filepath.Join(dir, "f.bin"), 1024, PartitionData)
	require.NoError(t, err)
	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}

func TestReclaimDeletesOldestFirst(t *testing.T) {
	var deletedOrder []int64
	lister := &fakeLister{rows: []store.Request{
		{ID: 2, LastModified: 200, DestinationClass: store.DestinationCache},
		{ID: 1, LastModified: 100, DestinationClass: store.DestinationCache},
	}}
	m := New(lister, nil, func(id int64) error {
		deletedOrder = append(deletedOrder, id)
		return nil
	})

	require.NoError(t, m.Reclaim(1))
	require.Equal(t, []int64{1, 2}, deletedOrder)
}
