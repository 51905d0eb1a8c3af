// Package analytics aggregates lifetime/daily transfer totals and the
// current instantaneous speed, grounded on the donor's StatsManager but
// rewired onto internal/store.Store instead of the deleted
// internal/storage.Storage.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"downloadengine/internal/store"
)

// DiskUsageInfo mirrors what the donor exposed for the destination
// volume's headroom.
type DiskUsageInfo struct {
	UsedGB  float64
	FreeGB  float64
	TotalGB float64
	Percent float64
}

// Data is the aggregate snapshot callers display.
type Data struct {
	TotalDownloaded int64
	TotalFiles      int64
	DailyHistory    map[string]int64
	DiskUsage       DiskUsageInfo
}

// DownloadPathFunc resolves the directory whose volume DiskUsage should
// report on; the engine supplies its configured default destination.
type DownloadPathFunc func() (string, error)

// Manager tracks live throughput and delegates historical totals to the
// Store's daily_stats table.
type Manager struct {
	store          *store.Store
	downloadPathFn DownloadPathFunc
	currentSpeed   int64 // atomic
}

// New constructs a Manager. downloadPathFn may be nil, in which case
// GetDiskUsage reports a zero DiskUsageInfo.
func New(s *store.Store, downloadPathFn DownloadPathFunc) *Manager {
	return &Manager{store: s, downloadPathFn: downloadPathFn}
}

// UpdateDownloadSpeed records the current aggregate throughput across all
// active Workers, in bytes/sec.
func (m *Manager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&m.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the most recently recorded throughput.
func (m *Manager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&m.currentSpeed)
}

// TrackDownloadBytes increments today's byte total asynchronously so a
// progress-reporting hot path never blocks on a Store write.
func (m *Manager) TrackDownloadBytes(n int64) {
	go func() {
		_ = m.store.IncrementDailyBytes(n)
	}()
}

// TrackFileCompleted increments today's completed-file total.
func (m *Manager) TrackFileCompleted() {
	go func() {
		_ = m.store.IncrementDailyFiles()
	}()
}

// GetLifetimeStats returns the all-time byte total across every
// daily_stats row.
func (m *Manager) GetLifetimeStats() (int64, error) {
	return m.store.GetTotalLifetime()
}

// GetTotalFiles returns the all-time completed-file count.
func (m *Manager) GetTotalFiles() (int64, error) {
	return m.store.GetTotalFiles()
}

// GetDailyStats returns the last `days` days of byte totals, keyed by
// "2006-01-02".
func (m *Manager) GetDailyStats(days int) (map[string]int64, error) {
	rows, err := m.store.GetDailyHistory(days)
	if err != nil {
		return nil, err
	}
	res := make(map[string]int64, len(rows))
	for _, row := range rows {
		res[row.Date] = row.Bytes
	}
	return res, nil
}

// GetDiskUsage reports free/used space on the configured download
// volume.
func (m *Manager) GetDiskUsage() DiskUsageInfo {
	if m.downloadPathFn == nil {
		return DiskUsageInfo{}
	}
	downloadPath, err := m.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}
	usage, err := disk.Usage(filepath.Dir(downloadPath))
	if err != nil {
		return DiskUsageInfo{}
	}
	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics aggregates every figure above into one snapshot.
func (m *Manager) GetAnalytics() (Data, error) {
	lifetime, err := m.GetLifetimeStats()
	if err != nil {
		return Data{}, err
	}
	totalFiles, err := m.GetTotalFiles()
	if err != nil {
		return Data{}, err
	}
	daily, err := m.GetDailyStats(7)
	if err != nil {
		return Data{}, err
	}
	return Data{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		DailyHistory:    daily,
		DiskUsage:       m.GetDiskUsage(),
	}, nil
}
