// Package config exposes typed accessors over the Store's key-value
// settings table, generalizing the donor's ConfigManager from AI-
// interface/integrity toggles to the engine's own tunables: concurrency
// cap, mobile-data size thresholds, and the optional custom User-Agent.
package config

import (
	"strconv"

	"downloadengine/internal/store"
)

// Keys for AppSettings rows.
const (
	KeyMaxConcurrent          = "max_concurrent"
	KeyMaxOverMobile          = "max_over_mobile"
	KeyRecommendedOverMobile  = "recommended_over_mobile"
	KeyUserAgent              = "user_agent"
	KeyEnableIntegrityCheck   = "enable_integrity_check"
	KeyGlobalBandwidthLimit   = "global_bandwidth_limit"
)

// Defaults mirror SPEC_FULL.md's stated defaults (MAX_CONCURRENT=3) and
// reasonable mobile-data thresholds (10 MiB recommended, 100 MiB hard
// cap), matching the donor's own convention of sensible built-in numbers
// that settings can override.
const (
	DefaultMaxConcurrent         = 3
	DefaultMaxOverMobile         = 100 * 1024 * 1024
	DefaultRecommendedOverMobile = 10 * 1024 * 1024
)

// Manager wraps a Store's settings table with typed getters/setters.
type Manager struct {
	store *store.Store
}

// New constructs a Manager over s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

func (c *Manager) getInt(key string, def int64) int64 {
	val, err := c.store.GetString(key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (c *Manager) GetMaxConcurrent() int {
	return int(c.getInt(KeyMaxConcurrent, DefaultMaxConcurrent))
}

func (c *Manager) SetMaxConcurrent(n int) error {
	if n < 1 {
		n = 1
	}
	return c.store.SetString(KeyMaxConcurrent, strconv.Itoa(n))
}

func (c *Manager) GetMaxOverMobile() int64 {
	return c.getInt(KeyMaxOverMobile, DefaultMaxOverMobile)
}

func (c *Manager) SetMaxOverMobile(bytes int64) error {
	return c.store.SetString(KeyMaxOverMobile, strconv.FormatInt(bytes, 10))
}

func (c *Manager) GetRecommendedOverMobile() int64 {
	return c.getInt(KeyRecommendedOverMobile, DefaultRecommendedOverMobile)
}

func (c *Manager) SetRecommendedOverMobile(bytes int64) error {
	return c.store.SetString(KeyRecommendedOverMobile, strconv.FormatInt(bytes, 10))
}

// GetUserAgent returns the operator-configured default User-Agent, or ""
// if the Worker should fall back to its built-in default.
func (c *Manager) GetUserAgent() string {
	val, _ := c.store.GetString(KeyUserAgent)
	return val
}

func (c *Manager) SetUserAgent(ua string) error {
	return c.store.SetString(KeyUserAgent, ua)
}

func (c *Manager) GetEnableIntegrityCheck() bool {
	val, err := c.store.GetString(KeyEnableIntegrityCheck)
	if err != nil || val == "" {
		return true
	}
	return val != "false"
}

func (c *Manager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.store.SetString(KeyEnableIntegrityCheck, val)
}

// GetGlobalBandwidthLimit returns the configured global speed cap in
// bytes/sec, or 0 for unlimited.
func (c *Manager) GetGlobalBandwidthLimit() int64 {
	return c.getInt(KeyGlobalBandwidthLimit, 0)
}

func (c *Manager) SetGlobalBandwidthLimit(bytesPerSec int64) error {
	return c.store.SetString(KeyGlobalBandwidthLimit, strconv.FormatInt(bytesPerSec, 10))
}

// FactoryReset clears every configured key back to its default.
func (c *Manager) FactoryReset() error {
	keys := []string{
		KeyMaxConcurrent,
		KeyMaxOverMobile,
		KeyRecommendedOverMobile,
		KeyUserAgent,
		KeyEnableIntegrityCheck,
		KeyGlobalBandwidthLimit,
	}
	for _, key := range keys {
		if err := c.store.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
