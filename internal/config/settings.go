// Package config loads the orchestrator's tunables (pool size, heartbeat
// cadence, failure budget, shutdown grace) with environment-variable
// overrides, and keeps a small set of persisted runtime settings (API
// token, bandwidth cap, user agent) in the same Badger handle the journal
// package owns, under a distinct key prefix — generalized from the
// teacher's ConfigManager, which kept typed getters over its own
// key-value store.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const settingsPrefix = "appsettings/"

// Keys for persisted settings.
const (
	KeyAPIToken             = "api_token"
	KeyEnableControlAPI     = "enable_control_api"
	KeyControlAPIPort       = "control_api_port"
	KeyControlAPIMaxConcurrent = "control_api_max_concurrent"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyBandwidthLimitBytes  = "bandwidth_limit_bytes"
	KeyUserAgent            = "user_agent"
)

// Tunables are the engine/scheduler constants from the runtime
// configuration, overridable via environment variables so a deployment can
// tune them without touching the binary.
type Tunables struct {
	PoolSize          int
	HeartbeatInterval time.Duration
	HeartbeatMinDelta int64
	StallWindow       time.Duration
	MaxFailures       int
	PeerIdleTimeout   time.Duration
	ShutdownGrace     time.Duration
}

// DefaultTunables matches the documented defaults: a 15s heartbeat cadence,
// a 1KiB coalescing threshold, three strikes before dead-lettering, and a
// 60s stall window (four missed heartbeats).
func DefaultTunables() Tunables {
	return Tunables{
		PoolSize:          4,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatMinDelta: 1024,
		StallWindow:       60 * time.Second,
		MaxFailures:       3,
		PeerIdleTimeout:   30 * time.Second,
		ShutdownGrace:     5 * time.Second,
	}
}

// LoadTunables starts from DefaultTunables and applies any TACHYON_*
// environment overrides present.
func LoadTunables() Tunables {
	t := DefaultTunables()
	if v, ok := envInt("TACHYON_POOL_SIZE"); ok {
		t.PoolSize = v
	}
	if v, ok := envDuration("TACHYON_HEARTBEAT_INTERVAL"); ok {
		t.HeartbeatInterval = v
	}
	if v, ok := envInt64("TACHYON_HEARTBEAT_MIN_DELTA"); ok {
		t.HeartbeatMinDelta = v
	}
	if v, ok := envDuration("TACHYON_STALL_WINDOW"); ok {
		t.StallWindow = v
	}
	if v, ok := envInt("TACHYON_MAX_FAILURES"); ok {
		t.MaxFailures = v
	}
	if v, ok := envDuration("TACHYON_PEER_IDLE_TIMEOUT"); ok {
		t.PeerIdleTimeout = v
	}
	if v, ok := envDuration("TACHYON_SHUTDOWN_GRACE"); ok {
		t.ShutdownGrace = v
	}
	return t
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// Manager persists a handful of mutable runtime settings — the control-API
// token, whether it's enabled, the bandwidth cap — in the journal's own
// Badger handle, read and written on demand rather than cached, since these
// change rarely.
type Manager struct {
	db *badger.DB
}

// NewManager wraps an already-open Badger handle (the journal's).
func NewManager(db *badger.DB) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getString(key string) (string, bool) {
	var out string
	found := false
	_ = m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingsPrefix + key))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			found = true
			return nil
		})
	})
	return out, found
}

func (m *Manager) setString(key, value string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(settingsPrefix+key), []byte(value))
	})
}

// GetAPIToken returns the persisted control-API bearer token, generating
// and persisting one on first use.
func (m *Manager) GetAPIToken() string {
	if v, ok := m.getString(KeyAPIToken); ok && v != "" {
		return v
	}
	token := generateSecureToken()
	_ = m.setString(KeyAPIToken, token)
	return token
}

// GetEnableControlAPI reports whether the REST control plane should listen.
func (m *Manager) GetEnableControlAPI() bool {
	v, ok := m.getString(KeyEnableControlAPI)
	return !ok || v != "false" // default enabled
}

func (m *Manager) SetEnableControlAPI(enabled bool) error {
	return m.setString(KeyEnableControlAPI, strconv.FormatBool(enabled))
}

// GetControlAPIPort returns the configured listen port, defaulting to 4444.
func (m *Manager) GetControlAPIPort() int {
	if v, ok := m.getString(KeyControlAPIPort); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 4444
}

func (m *Manager) SetControlAPIPort(port int) error {
	return m.setString(KeyControlAPIPort, strconv.Itoa(port))
}

// GetControlAPIMaxConcurrent bounds simultaneous control-API requests.
func (m *Manager) GetControlAPIMaxConcurrent() int {
	if v, ok := m.getString(KeyControlAPIMaxConcurrent); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 5
}

func (m *Manager) SetControlAPIMaxConcurrent(max int) error {
	return m.setString(KeyControlAPIMaxConcurrent, strconv.Itoa(max))
}

// GetEnableIntegrityCheck returns the persisted integrity-check setting,
// defaulting to true. The engine does not read it: verification runs
// whenever an intent carries a digest, regardless of this value.
func (m *Manager) GetEnableIntegrityCheck() bool {
	v, ok := m.getString(KeyEnableIntegrityCheck)
	return !ok || v != "false"
}

func (m *Manager) SetEnableIntegrityCheck(enabled bool) error {
	return m.setString(KeyEnableIntegrityCheck, strconv.FormatBool(enabled))
}

// GetBandwidthLimitBytes returns the global bandwidth cap in bytes/sec, 0
// meaning unlimited.
func (m *Manager) GetBandwidthLimitBytes() int {
	if v, ok := m.getString(KeyBandwidthLimitBytes); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func (m *Manager) SetBandwidthLimitBytes(bytesPerSec int) error {
	return m.setString(KeyBandwidthLimitBytes, strconv.Itoa(bytesPerSec))
}

// GetUserAgent returns the configured User-Agent override, or "" to mean
// "use the engine default".
func (m *Manager) GetUserAgent() string {
	v, _ := m.getString(KeyUserAgent)
	return v
}

func (m *Manager) SetUserAgent(ua string) error {
	return m.setString(KeyUserAgent, ua)
}

// FactoryReset clears every persisted setting, reverting getters to their
// defaults.
func (m *Manager) FactoryReset() error {
	keys := []string{
		KeyAPIToken, KeyEnableControlAPI, KeyControlAPIPort, KeyControlAPIMaxConcurrent,
		KeyEnableIntegrityCheck, KeyBandwidthLimitBytes, KeyUserAgent,
	}
	return m.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(settingsPrefix + k)); err != nil && err != badger.ErrKeyNotFound {
				return fmt.Errorf("config: delete %s: %w", k, err)
			}
		}
		return nil
	})
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "tachyon-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}
