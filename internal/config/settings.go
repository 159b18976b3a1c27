// Package config holds the ambient ServiceConfig: device-wide policy knobs
// backed by the same key-value AppSetting table the registry persists to,
// following the donor's ConfigManager pattern.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"transferengine/internal/taskstore"
)

// Keys for AppSettings in DB.
const (
	KeyKTotal            = "k_total"
	KeyKBundle           = "k_bundle"
	KeyBundleQuota       = "bundle_quota"
	KeySocketPath        = "ipc_socket_path"
	KeyDebugPort         = "debug_http_port"
	KeyProgressMs        = "progress_ms"
	KeyProgressBytes     = "progress_bytes"
	KeyResponseBodyCap   = "response_body_cap"
	KeyBandwidthCapBps   = "bandwidth_cap_bps"
	KeyIPCToken          = "ipc_token"
	KeyUserAgent         = "user_agent"
	KeyEnableIntegrity   = "enable_integrity_check"
	KeyRetryCeiling      = "retry_ceiling"
	KeyBaseDir           = "base_dir"
)

// ServiceConfig is the process-wide configuration manager. It is safe for
// concurrent use: every getter re-reads through Storage, whose gorm handle
// serializes access.
type ServiceConfig struct {
	storage *taskstore.Storage
}

func NewServiceConfig(s *taskstore.Storage) *ServiceConfig {
	return &ServiceConfig{storage: s}
}

func (c *ServiceConfig) getInt(key string, def int) int {
	v, err := c.storage.GetString(key)
	if err != nil || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c *ServiceConfig) setInt(key string, v int) error {
	return c.storage.SetString(key, strconv.Itoa(v))
}

// KTotal is the device-wide concurrent-transfer cap.
func (c *ServiceConfig) KTotal() int        { return c.getInt(KeyKTotal, 6) }
func (c *ServiceConfig) SetKTotal(n int) error { return c.setInt(KeyKTotal, n) }

// KBundle is the per-bundle concurrent-transfer cap.
func (c *ServiceConfig) KBundle() int          { return c.getInt(KeyKBundle, 3) }
func (c *ServiceConfig) SetKBundle(n int) error { return c.setInt(KeyKBundle, n) }

// BundleQuota is the maximum number of non-terminal tasks one bundle may
// hold in the registry at once (enforced by Insert, error TaskQueue).
func (c *ServiceConfig) BundleQuota() int { return c.getInt(KeyBundleQuota, 200) }

// SocketPath is the Unix domain socket the IPC surface listens on.
func (c *ServiceConfig) SocketPath() string {
	v, err := c.storage.GetString(KeySocketPath)
	if err != nil || v == "" {
		return "/tmp/transferengine.sock"
	}
	return v
}

// DebugHTTPPort is the loopback-only chi status/debug listener.
func (c *ServiceConfig) DebugHTTPPort() int { return c.getInt(KeyDebugPort, 4499) }

// ProgressInterval / ProgressBytes gate how often Progress frames fire
// during one transfer (P_ms / P_bytes in §4.4).
func (c *ServiceConfig) ProgressInterval() time.Duration {
	return time.Duration(c.getInt(KeyProgressMs, 250)) * time.Millisecond
}
func (c *ServiceConfig) ProgressBytes() int64 { return int64(c.getInt(KeyProgressBytes, 256*1024)) }

// ResponseBodyCap bounds how much of a download's response body is
// retained in Progress for client retrieval. Default 2 MiB, per the Open
// Question resolved in SPEC_FULL.md §9.
func (c *ServiceConfig) ResponseBodyCap() int64 {
	return int64(c.getInt(KeyResponseBodyCap, 2*1024*1024))
}

// BandwidthCapBytesPerSec is 0 (unlimited) unless explicitly configured.
func (c *ServiceConfig) BandwidthCapBytesPerSec() int64 {
	return int64(c.getInt(KeyBandwidthCapBps, 0))
}

// RetryCeiling is the fixed attempt ceiling the retry policy obeys.
func (c *ServiceConfig) RetryCeiling() int { return c.getInt(KeyRetryCeiling, 5) }

// BaseDir is the per-bundle save-file root; path resolution rejects any
// component escaping it.
func (c *ServiceConfig) BaseDir() string {
	v, err := c.storage.GetString(KeyBaseDir)
	if err != nil || v == "" {
		return "/var/lib/transferengine/files"
	}
	return v
}

// IPCToken authenticates local callers against the command dispatcher;
// generated on first use and persisted.
func (c *ServiceConfig) IPCToken() string {
	val, err := c.storage.GetString(KeyIPCToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeyIPCToken, token)
		return token
	}
	return val
}

// GetUserAgent returns the custom User-Agent string, or "" to use the
// Transfer Engine's default.
func (c *ServiceConfig) GetUserAgent() string {
	val, _ := c.storage.GetString(KeyUserAgent)
	return val
}

func (c *ServiceConfig) SetUserAgent(ua string) error {
	return c.storage.SetString(KeyUserAgent, ua)
}

// EnableIntegrityCheck toggles whether completed downloads are hashed.
func (c *ServiceConfig) EnableIntegrityCheck() bool {
	val, err := c.storage.GetString(KeyEnableIntegrity)
	if err != nil {
		return true
	}
	return val != "false"
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "transferengine-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset clears every configuration key; getters fall back to
// defaults afterward.
func (c *ServiceConfig) FactoryReset() error {
	keys := []string{
		KeyKTotal, KeyKBundle, KeyBundleQuota, KeySocketPath, KeyDebugPort,
		KeyProgressMs, KeyProgressBytes, KeyResponseBodyCap, KeyBandwidthCapBps,
		KeyIPCToken, KeyUserAgent, KeyEnableIntegrity, KeyRetryCeiling, KeyBaseDir,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
