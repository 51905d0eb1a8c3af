package store

import "gorm.io/gorm"

// Request is the persistent, authoritative record for one download.
// Field-for-field this is SPEC_FULL.md §3's Request, generalizing the
// donor's storage.DownloadTask.
type Request struct {
	ID     int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner  string `gorm:"index" json:"owner"`
	UID    int64  `json:"uid"`

	SourceURI string `json:"source_uri"`
	HintName  string `json:"hint_name"`
	Referer   string `json:"referer"`
	Cookies   string `json:"cookies"`
	UserAgent string `json:"user_agent"`

	DestinationClass DestinationClass `json:"destination_class"`
	// DestDir is the directory NameAllocator resolves the final file
	// name into. Mapping destination_class to a concrete directory is a
	// filesystem-layout-helper concern (out of scope per SPEC_FULL.md
	// §1); the caller submitting the request supplies the directory
	// directly instead.
	DestDir  string `json:"dest_dir"`
	FilePath string `json:"file_path"`
	MimeType string `json:"mime_type"`

	TotalBytes   int64  `json:"total_bytes"` // -1 = unknown
	CurrentBytes int64  `json:"current_bytes"`
	ETag         string `json:"etag"`
	NoIntegrity  bool   `json:"no_integrity"`

	Status  Status  `gorm:"index" json:"status"`
	Control Control `json:"control"`

	Visibility Visibility `json:"visibility"`

	AllowedNetworkTypes       AllowedNetworkTypes `json:"allowed_network_types"`
	AllowRoaming              bool                `json:"allow_roaming"`
	AllowMetered              bool                `json:"allow_metered"`
	BypassRecommendedSizeLimit bool               `json:"bypass_recommended_size_limit"`
	Flags                     NetworkFlags        `json:"flags"`

	NumFailed    int   `json:"num_failed"`
	RetryAfterMs int64 `json:"retry_after_ms"` // 0 = use exponential backoff
	LastModified int64 `json:"last_modified"`  // wall-clock ms

	RedirectCount int `json:"redirect_count"` // 0-5

	Deleted       bool         `gorm:"index" json:"deleted"`
	MediaScanned  MediaScanned `json:"media_scanned"`
	MediaStoreURI string       `json:"media_store_uri"`

	// Supplementary fields (SPEC_FULL.md §3.1). Inert metadata; never
	// participate in the state machine or the seven invariants.
	ExpectedHash  string `json:"expected_hash"`
	HashAlgorithm string `json:"hash_algorithm"`

	CreatedAt gorm.DeletedAt `json:"-"` // unused timestamp column, kept for schema parity with the donor
}

// TableName pins the table name independent of the Go type name.
func (Request) TableName() string { return "requests" }

// RequestHeader is one (name, value) pair attached to a Request, ordered
// by Position so replay is deterministic.
type RequestHeader struct {
	RequestID int64  `gorm:"primaryKey;index" json:"request_id"`
	Position  int    `gorm:"primaryKey" json:"position"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

func (RequestHeader) TableName() string { return "request_headers" }

// AppSetting is a key-value row backing internal/config's typed accessors.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// DailyStat tracks daily completed-byte and completed-file counts, an
// enrichment carried from the donor's analytics package.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }
