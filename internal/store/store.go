package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Change is one notification fired after a committed write. Deleted rows
// carry Request == nil; everything else carries the post-write snapshot.
type Change struct {
	ID      int64
	Request *Request
	Deleted bool
}

// Store is a typed view over the persistent request table: read/update/
// delete/notify, generalizing the donor's storage.Storage (gorm+sqlite).
type Store struct {
	db *gorm.DB

	mu          sync.Mutex
	subscribers map[int]chan Change
	nextSubID   int
}

// Open creates or migrates the database at path. Pass ":memory:" for an
// ephemeral in-process store, matching the donor's own test pattern.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&Request{}, &RequestHeader{}, &AppSetting{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, subscribers: make(map[int]chan Change)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, used on graceful shutdown so a
// crash immediately after does not lose committed rows.
func (s *Store) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Insert creates a new request row and returns its assigned id.
func (s *Store) Insert(r *Request) (int64, error) {
	if err := s.db.Create(r).Error; err != nil {
		return 0, err
	}
	s.notify(Change{ID: r.ID, Request: r})
	return r.ID, nil
}

// Get returns a single request snapshot, or (nil, nil) if absent.
func (s *Store) Get(id int64) (*Request, error) {
	var r Request
	err := s.db.Where("id = ? AND deleted = ?", id, false).First(&r).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActive returns all non-deleted rows ordered by id, per
// SPEC_FULL.md §4.1.
func (s *Store) ListActive() ([]Request, error) {
	var rows []Request
	if err := s.db.Where("deleted = ?", false).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Patch describes a targeted, atomic per-field update. Only non-nil
// fields are written.
type Patch struct {
	Status        *Status
	Control       *Control
	Deleted       *bool
	SourceURI     *string
	FilePath      *string
	MimeType      *string
	TotalBytes    *int64
	CurrentBytes  *int64
	ETag          *string
	NumFailed     *int
	RetryAfterMs  *int64
	RedirectCount *int
	LastModified  *int64
	ExpectedHash  *string
}

func (p Patch) toMap() map[string]interface{} {
	m := map[string]interface{}{}
	if p.Status != nil {
		m["status"] = *p.Status
	}
	if p.Control != nil {
		m["control"] = *p.Control
	}
	if p.Deleted != nil {
		m["deleted"] = *p.Deleted
	}
	if p.SourceURI != nil {
		m["source_uri"] = *p.SourceURI
	}
	if p.FilePath != nil {
		m["file_path"] = *p.FilePath
	}
	if p.MimeType != nil {
		m["mime_type"] = *p.MimeType
	}
	if p.TotalBytes != nil {
		m["total_bytes"] = *p.TotalBytes
	}
	if p.CurrentBytes != nil {
		m["current_bytes"] = *p.CurrentBytes
	}
	if p.ETag != nil {
		m["etag"] = *p.ETag
	}
	if p.NumFailed != nil {
		m["num_failed"] = *p.NumFailed
	}
	if p.RetryAfterMs != nil {
		m["retry_after_ms"] = *p.RetryAfterMs
	}
	if p.RedirectCount != nil {
		m["redirect_count"] = *p.RedirectCount
	}
	if p.LastModified != nil {
		m["last_modified"] = *p.LastModified
	}
	if p.ExpectedHash != nil {
		m["expected_hash"] = *p.ExpectedHash
	}
	return m
}

// Update applies patch atomically to the row with the given id and
// notifies observers. A fresh Get immediately after Update sees the new
// value (read-your-writes). A patch that sets Deleted notifies with
// Change.Deleted==true even though the row itself is not physically
// removed yet (soft delete), since Get/ListActive already hide it.
func (s *Store) Update(id int64, patch Patch) error {
	fields := patch.toMap()
	if len(fields) == 0 {
		return nil
	}
	if err := s.db.Model(&Request{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return err
	}

	var row Request
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		s.notify(Change{ID: id, Deleted: true})
		return nil
	}
	if err != nil {
		return err
	}
	if row.Deleted {
		s.notify(Change{ID: id, Deleted: true})
		return nil
	}
	s.notify(Change{ID: id, Request: &row})
	return nil
}

// Delete physically removes the row (and cascades its header rows) and
// notifies observers.
func (s *Store) Delete(id int64) error {
	if err := s.db.Where("request_id = ?", id).Delete(&RequestHeader{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("id = ?", id).Delete(&Request{}).Error; err != nil {
		return err
	}
	s.notify(Change{ID: id, Deleted: true})
	return nil
}

// SetHeaders replaces the full ordered header set for a request.
func (s *Store) SetHeaders(requestID int64, headers []RequestHeader) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("request_id = ?", requestID).Delete(&RequestHeader{}).Error; err != nil {
			return err
		}
		for i := range headers {
			headers[i].RequestID = requestID
			headers[i].Position = i
		}
		if len(headers) == 0 {
			return nil
		}
		return tx.Create(&headers).Error
	})
}

// ListCacheClass returns non-deleted, terminal Cache-class requests at
// least minAge old, oldest LastModified first, backing
// internal/spacemanager's eviction sweep.
func (s *Store) ListCacheClass(minAge time.Duration) ([]Request, error) {
	var rows []Request
	if err := s.db.Where("deleted = ? AND destination_class = ? AND status >= ?", false, DestinationCache, 200).
		Order("last_modified ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-minAge).UnixMilli()
	var out []Request
	for _, r := range rows {
		if r.LastModified <= cutoff {
			out = append(out, r)
		}
	}
	return out, nil
}

// Headers returns the ordered header rows for a request.
func (s *Store) Headers(requestID int64) ([]RequestHeader, error) {
	var rows []RequestHeader
	err := s.db.Where("request_id = ?", requestID).Order("position ASC").Find(&rows).Error
	return rows, err
}

// Observe registers a new subscriber and returns its channel plus a
// cancel function that must be called to stop receiving and release the
// channel.
func (s *Store) Observe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Change, 64)
	s.subscribers[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- c:
		default:
			// Slow subscriber: drop rather than block the writer. The
			// Scheduler and Notifier always re-derive state from
			// ListActive on wake, so a dropped notification only
			// delays, never loses, a reconciliation.
		}
	}
}

// --- Config table accessors (internal/config builds its typed API on these) ---

// SetString upserts a string setting.
func (s *Store) SetString(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// GetString returns a string setting, or "" if unset.
func (s *Store) GetString(key string) (string, error) {
	var row AppSetting
	err := s.db.Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetStringList stores a string slice as JSON under key.
func (s *Store) SetStringList(key string, values []string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return s.SetString(key, string(data))
}

// GetStringList reads back a JSON-encoded string slice.
func (s *Store) GetStringList(key string) ([]string, error) {
	raw, err := s.GetString(key)
	if err != nil || raw == "" {
		return nil, err
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// --- Daily statistics (enrichment carried from the donor's analytics package) ---

// IncrementDailyBytes adds n bytes to today's counter.
func (s *Store) IncrementDailyBytes(n int64) error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Bytes += n })
}

// IncrementDailyFiles adds one to today's completed-file counter.
func (s *Store) IncrementDailyFiles() error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Files++ })
}

func (s *Store) bumpDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.Where("date = ?", today).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			row = DailyStat{Date: today}
		} else if err != nil {
			return err
		}
		mutate(&row)
		return tx.Save(&row).Error
	})
}

// GetTotalLifetime sums Bytes across all recorded days.
func (s *Store) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// GetTotalFiles sums Files across all recorded days.
func (s *Store) GetTotalFiles() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// GetDailyHistory returns the last n days of stats, most recent last.
func (s *Store) GetDailyHistory(days int) ([]DailyStat, error) {
	var rows []DailyStat
	err := s.db.Order("date DESC").Limit(days).Find(&rows).Error
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, err
}
