package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"downloadengine/internal/store"
)

func mockDownloadPathFn() (string, error) {
	return "/tmp/downloads/placeholder", nil
}

func TestStatsManager(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	m := New(s, mockDownloadPathFn)
	require.NotNil(t, m)

	m.TrackDownloadBytes(1024)
	m.TrackFileCompleted()
	time.Sleep(50 * time.Millisecond) // let the async tracker goroutines land

	lifetime, err := m.GetLifetimeStats()
	require.NoError(t, err)
	require.Equal(t, int64(1024), lifetime)

	files, err := m.GetTotalFiles()
	require.NoError(t, err)
	require.Equal(t, int64(1), files)

	daily, err := m.GetDailyStats(7)
	require.NoError(t, err)
	require.LessOrEqual(t, len(daily), 7)

	usage := m.GetDiskUsage()
	require.GreaterOrEqual(t, usage.Percent, float64(0))

	data, err := m.GetAnalytics()
	require.NoError(t, err)
	require.LessOrEqual(t, len(data.DailyHistory), 7)
}

func TestCurrentSpeedTracking(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	m := New(s, nil)
	require.Equal(t, int64(0), m.GetCurrentSpeed())
	m.UpdateDownloadSpeed(4096)
	require.Equal(t, int64(4096), m.GetCurrentSpeed())

	usage := m.GetDiskUsage()
	require.Equal(t, DiskUsageInfo{}, usage)
}
