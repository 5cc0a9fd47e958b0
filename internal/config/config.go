// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CUSTODY_ADMIN_"

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration that reads and writes as "5m" in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete back-office core configuration.
type Config struct {
	Session SessionConfig `toml:"session" json:"session"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	TOTP    TOTPConfig    `toml:"totp" json:"totp"`
	StepUp  StepUpConfig  `toml:"stepup" json:"stepup"`
	Audit   AuditConfig   `toml:"audit" json:"audit"`
}

// SessionConfig controls the session record store and its monitor.
type SessionConfig struct {
	Key           string   `toml:"key" json:"key"`
	LegacyKey     string   `toml:"legacy_key" json:"legacy_key"`
	AuxKeys       []string `toml:"aux_keys" json:"aux_keys"`
	SignalCookies []string `toml:"signal_cookies" json:"signal_cookies"`
	RefreshWindow Duration `toml:"refresh_window" json:"refresh_window"`

	// MonitorInterval is how often the expiry monitor polls.
	MonitorInterval Duration `toml:"monitor_interval" json:"monitor_interval"`

	// WarningLead is how long before expiry the monitor warns.
	WarningLead Duration `toml:"warning_lead" json:"warning_lead"`

	// SigningKey verifies access tokens projected into session records.
	SigningKey string `toml:"signing_key" json:"signing_key"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	Backend       string   `toml:"backend" json:"backend"`
	Path          string   `toml:"path" json:"path"`
	DSN           string   `toml:"dsn" json:"dsn"`
	RedisAddrs    []string `toml:"redis_addrs" json:"redis_addrs"`
	RedisPassword string   `toml:"redis_password" json:"redis_password"`
	RedisPrefix   string   `toml:"redis_prefix" json:"redis_prefix"`
}

// TOTPConfig controls authenticator enrollment.
type TOTPConfig struct {
	Issuer string `toml:"issuer" json:"issuer"`

	// QRSize is the enrollment QR code edge in pixels.
	QRSize int `toml:"qr_size" json:"qr_size"`
}

// StepUpConfig controls the two-factor approval gate.
type StepUpConfig struct {
	OTPTTL      Duration `toml:"otp_ttl" json:"otp_ttl"`
	SMSTTL      Duration `toml:"sms_ttl" json:"sms_ttl"`
	MaxAttempts int      `toml:"max_attempts" json:"max_attempts"`
	SMSCooldown Duration `toml:"sms_cooldown" json:"sms_cooldown"`

	// APIBaseURL is the admin API root serving the verification endpoints.
	APIBaseURL string   `toml:"api_base_url" json:"api_base_url"`
	Timeout    Duration `toml:"timeout" json:"timeout"`
}

// AuditConfig controls the audit file sink. An empty Path disables it.
type AuditConfig struct {
	Path    string `toml:"path" json:"path"`
	MaxSize int64  `toml:"max_size" json:"max_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Key:             "admin_session",
			LegacyKey:       "admin_auth",
			AuxKeys:         []string{"admin_access_token", "admin_refresh_token", "admin_user"},
			SignalCookies:   []string{"admin_logged_in", "admin_session_expires"},
			RefreshWindow:   D(5 * time.Minute),
			MonitorInterval: D(60 * time.Second),
			WarningLead:     D(2 * time.Minute),
		},
		Storage: StorageConfig{
			Backend:     storage.BackendMemory,
			RedisPrefix: "custody-admin",
		},
		TOTP: TOTPConfig{
			Issuer: "Custody Admin",
			QRSize: 200,
		},
		StepUp: StepUpConfig{
			OTPTTL:      D(10 * time.Minute),
			SMSTTL:      D(3 * time.Minute),
			MaxAttempts: 5,
			SMSCooldown: D(60 * time.Second),
			Timeout:     D(10 * time.Second),
		},
		Audit: AuditConfig{
			MaxSize: 10 << 20,
		},
	}
}

// StorageOptions converts the storage section for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend:       c.Storage.Backend,
		Path:          c.Storage.Path,
		DSN:           c.Storage.DSN,
		RedisAddrs:    append([]string(nil), c.Storage.RedisAddrs...),
		RedisPassword: c.Storage.RedisPassword,
		RedisPrefix:   c.Storage.RedisPrefix,
	}
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads path over the defaults, then applies environment overrides,
// fills zero values and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := ensureSecurePermissions(path); err != nil {
				return nil, err
			}
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode TOML file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overwriting variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Save writes cfg as TOML with owner-only permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# custody admin core configuration\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return os.Rename(tmpName, path)
}

// ensureSecurePermissions tightens a config file to 0600. The file may hold
// the token signing key and database credentials.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// SetDefaults fills zero values from Default.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Session.Key == "" {
		c.Session.Key = d.Session.Key
	}
	if c.Session.LegacyKey == "" {
		c.Session.LegacyKey = d.Session.LegacyKey
	}
	if c.Session.RefreshWindow.Duration == 0 {
		c.Session.RefreshWindow = d.Session.RefreshWindow
	}
	if c.Session.MonitorInterval.Duration == 0 {
		c.Session.MonitorInterval = d.Session.MonitorInterval
	}
	if c.Session.WarningLead.Duration == 0 {
		c.Session.WarningLead = d.Session.WarningLead
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = d.Storage.RedisPrefix
	}

	if c.TOTP.Issuer == "" {
		c.TOTP.Issuer = d.TOTP.Issuer
	}
	if c.TOTP.QRSize == 0 {
		c.TOTP.QRSize = d.TOTP.QRSize
	}

	if c.StepUp.OTPTTL.Duration == 0 {
		c.StepUp.OTPTTL = d.StepUp.OTPTTL
	}
	if c.StepUp.SMSTTL.Duration == 0 {
		c.StepUp.SMSTTL = d.StepUp.SMSTTL
	}
	if c.StepUp.MaxAttempts == 0 {
		c.StepUp.MaxAttempts = d.StepUp.MaxAttempts
	}
	if c.StepUp.SMSCooldown.Duration == 0 {
		c.StepUp.SMSCooldown = d.StepUp.SMSCooldown
	}
	if c.StepUp.Timeout.Duration == 0 {
		c.StepUp.Timeout = d.StepUp.Timeout
	}

	if c.Audit.MaxSize == 0 {
		c.Audit.MaxSize = d.Audit.MaxSize
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Session.Key == c.Session.LegacyKey {
		add("session.legacy_key", "must differ from session.key")
	}
	for _, k := range append([]string{c.Session.Key, c.Session.LegacyKey}, c.Session.AuxKeys...) {
		if k == "" || strings.ContainsAny(k, `/\`) || strings.Contains(k, "..") {
			add("session", "invalid storage key %q", k)
		}
	}
	if c.Session.RefreshWindow.Duration < 0 {
		add("session.refresh_window", "must not be negative")
	}
	if c.Session.MonitorInterval.Duration < time.Second {
		add("session.monitor_interval", "must be at least 1s, got %s", c.Session.MonitorInterval)
	}
	if c.Session.WarningLead.Duration < 0 {
		add("session.warning_lead", "must not be negative")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case storage.BackendMemory:
	case storage.BackendFile, storage.BackendSQLite:
		if c.Storage.Path == "" {
			add("storage.path", "required for backend %q", c.Storage.Backend)
		}
	case storage.BackendPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn", "required for backend %q", c.Storage.Backend)
		}
	case storage.BackendRedis:
		if len(c.Storage.RedisAddrs) == 0 {
			add("storage.redis_addrs", "required for backend %q", c.Storage.Backend)
		}
	default:
		add("storage.backend", "invalid backend %q, must be one of: memory, file, sqlite, postgres, redis", c.Storage.Backend)
	}

	if strings.TrimSpace(c.TOTP.Issuer) == "" || strings.Contains(c.TOTP.Issuer, ":") {
		add("totp.issuer", "must be non-empty and must not contain ':'")
	}
	if c.TOTP.QRSize < 64 || c.TOTP.QRSize > 1024 {
		add("totp.qr_size", "must be between 64 and 1024, got %d", c.TOTP.QRSize)
	}

	if c.StepUp.OTPTTL.Duration <= 0 {
		add("stepup.otp_ttl", "must be positive")
	}
	if c.StepUp.SMSTTL.Duration <= 0 {
		add("stepup.sms_ttl", "must be positive")
	}
	if c.StepUp.MaxAttempts < 1 || c.StepUp.MaxAttempts > 20 {
		add("stepup.max_attempts", "must be between 1 and 20, got %d", c.StepUp.MaxAttempts)
	}
	if c.StepUp.SMSCooldown.Duration <= 0 {
		add("stepup.sms_cooldown", "must be positive")
	}
	if c.StepUp.APIBaseURL != "" {
		u, err := url.Parse(c.StepUp.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("stepup.api_base_url", "must be an absolute http(s) URL")
		}
	}

	if c.Audit.MaxSize < 0 {
		add("audit.max_size", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CUSTODY_ADMIN_* variables:
//   - CUSTODY_ADMIN_STORAGE_BACKEND, _STORAGE_PATH, _STORAGE_DSN
//   - CUSTODY_ADMIN_REDIS_ADDRS (comma separated), _REDIS_PASSWORD
//   - CUSTODY_ADMIN_SIGNING_KEY
//   - CUSTODY_ADMIN_TOTP_ISSUER
//   - CUSTODY_ADMIN_API_BASE_URL
//   - CUSTODY_ADMIN_OTP_TTL, _SMS_TTL, _SMS_COOLDOWN (durations)
//   - CUSTODY_ADMIN_MAX_ATTEMPTS
//   - CUSTODY_ADMIN_AUDIT_PATH
func (c *Config) ApplyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs ValidateErrors
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: err.Error()})
				return
			}
			dst.Duration = d
		}
	}

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_DSN", &c.Storage.DSN)
	if v := os.Getenv(EnvPrefix + "REDIS_ADDRS"); v != "" {
		c.Storage.RedisAddrs = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.Storage.RedisAddrs = append(c.Storage.RedisAddrs, a)
			}
		}
	}
	str("REDIS_PASSWORD", &c.Storage.RedisPassword)
	str("SIGNING_KEY", &c.Session.SigningKey)
	str("TOTP_ISSUER", &c.TOTP.Issuer)
	str("API_BASE_URL", &c.StepUp.APIBaseURL)
	dur("OTP_TTL", &c.StepUp.OTPTTL)
	dur("SMS_TTL", &c.StepUp.SMSTTL)
	dur("SMS_COOLDOWN", &c.StepUp.SMSCooldown)
	if v := os.Getenv(EnvPrefix + "MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "MAX_ATTEMPTS", Message: err.Error()})
		} else {
			c.StepUp.MaxAttempts = n
		}
	}
	str("AUDIT_PATH", &c.Audit.Path)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CLONE / STRING
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Session.AuxKeys = append([]string(nil), c.Session.AuxKeys...)
	clone.Session.SignalCookies = append([]string(nil), c.Session.SignalCookies...)
	clone.Storage.RedisAddrs = append([]string(nil), c.Storage.RedisAddrs...)
	return &clone
}

// String renders the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Session.SigningKey != "" {
		safe.Session.SigningKey = "[REDACTED]"
	}
	if safe.Storage.RedisPassword != "" {
		safe.Storage.RedisPassword = "[REDACTED]"
	}
	if safe.Storage.DSN != "" {
		safe.Storage.DSN = redactDSN(safe.Storage.DSN)
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "[REDACTED]"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// =============================================================================
// GLOBAL
// =============================================================================

var (
	globalConfig   *Config
	globalConfigMu sync.RWMutex
)

// Global returns the process configuration, or the defaults if none was set.
func Global() *Config {
	globalConfigMu.RLock()
	cfg := globalConfig
	globalConfigMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	if globalConfig == nil {
		globalConfig = Default()
	}
	return globalConfig
}

// SetGlobal replaces the process configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the process configuration.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
}
