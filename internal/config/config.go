// Package config loads the caseguard settings. Every value comes from an
// environment variable, then an optional YAML file read with koanf, then a
// built-in default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/caseguard/internal/abuse"
	"github.com/onnwee/caseguard/internal/audit"
	"github.com/onnwee/caseguard/internal/auth"
	"github.com/onnwee/caseguard/internal/counter"
	"github.com/onnwee/caseguard/internal/lockout"
)

// Config is the fully resolved service configuration.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL         string        `koanf:"database_url"`
	RedisURL            string        `koanf:"redis_url"` // Empty = in-process counters only
	CounterStoreTimeout time.Duration `koanf:"counter_store_timeout"`

	// Signing keys; exactly one must be active
	SigningKeys   []auth.SigningKey `koanf:"-"`
	AdminSubjects []string          `koanf:"admin_subjects"`

	// Lockout policy
	LockoutMaxFailures   int           `koanf:"lockout_max_failures"`
	LockoutFailureWindow time.Duration `koanf:"lockout_failure_window"`
	LockoutDuration      time.Duration `koanf:"lockout_duration"`

	// Abuse scoring policy
	AbuseDecayAmount         int           `koanf:"abuse_decay_amount"`
	AbuseDecayInterval       time.Duration `koanf:"abuse_decay_interval"`
	AbuseSuspiciousThreshold int           `koanf:"abuse_suspicious_threshold"`
	AbuseSuspendThreshold    int           `koanf:"abuse_suspend_threshold"`
	AbuseSuspendDuration     time.Duration `koanf:"abuse_suspend_duration"`
	AbuseGeoJumpKm           float64       `koanf:"abuse_geo_jump_km"`
	AbuseGeoJumpWindow       time.Duration `koanf:"abuse_geo_jump_window"`
	AbuseBurstThreshold      int           `koanf:"abuse_burst_threshold"`
	AbuseBurstWindow         time.Duration `koanf:"abuse_burst_window"`

	// Retention and background work
	AuditRetention  time.Duration `koanf:"audit_retention"`
	AuditQueueSize  int           `koanf:"audit_queue_size"`
	SignalRetention time.Duration `koanf:"signal_retention"`
	PurgeInterval   time.Duration `koanf:"purge_interval"`

	// AuditVerifyInterval schedules a full chain verification; 0 disables it.
	AuditVerifyInterval time.Duration `koanf:"audit_verify_interval"`

	// HTTP surface
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL  = errors.New("DATABASE_URL is required")
	ErrMissingSigningKeys  = errors.New("SIGNING_KEYS is required")
	ErrInvalidSigningKeys  = errors.New("SIGNING_KEYS is invalid")
	ErrMissingAdmins       = errors.New("ADMIN_SUBJECTS is required")
	ErrInvalidPort         = errors.New("PORT must be a valid integer")
	ErrInvalidNumber       = errors.New("value must be a valid number")
	ErrInvalidDuration     = errors.New("value must be a valid duration")
	ErrInvalidLockout      = errors.New("lockout policy is invalid")
	ErrInvalidAbuse        = errors.New("abuse policy is invalid")
	ErrInvalidRetention    = errors.New("retention must be > 0")
	ErrInvalidVerifyPeriod = errors.New("AUDIT_VERIFY_INTERVAL must be >= 0")
	ErrInvalidSamplingRate = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort            = 8080
	DefaultEnv             = "development"
	DefaultAuditQueueSize  = 1024
	DefaultPurgeInterval   = time.Hour
	DefaultVerifyInterval  = 6 * time.Hour
	DefaultTracingExporter = "otlp-http"
	DefaultSamplingRate    = 0.1
)

// Load resolves the configuration. An unreadable file is the only error that
// yields a nil Config; parse and validation problems are all collected so the
// operator sees every one at once.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	p := &parser{k: k}
	lockoutDefaults := lockout.DefaultConfig()
	abuseDefaults := abuse.DefaultConfig()

	cfg := &Config{
		Port:                p.port(),
		Env:                 p.string("env", DefaultEnv, "CASEGUARD_ENV", "ENV", "GO_ENV"),
		DatabaseURL:         p.string("database_url", "", "DATABASE_URL"),
		RedisURL:            p.string("redis_url", "", "REDIS_URL"),
		CounterStoreTimeout: p.duration("COUNTER_STORE_TIMEOUT", "counter_store_timeout", counter.DefaultTimeout),
		AdminSubjects:       p.list("ADMIN_SUBJECTS", "admin_subjects"),

		LockoutMaxFailures:   p.int("LOCKOUT_MAX_FAILURES", "lockout_max_failures", lockoutDefaults.MaxFailures),
		LockoutFailureWindow: p.duration("LOCKOUT_FAILURE_WINDOW", "lockout_failure_window", lockoutDefaults.FailureWindow),
		LockoutDuration:      p.duration("LOCKOUT_DURATION", "lockout_duration", lockoutDefaults.LockDuration),

		AbuseDecayAmount:         p.int("ABUSE_DECAY_AMOUNT", "abuse_decay_amount", abuseDefaults.DecayAmount),
		AbuseDecayInterval:       p.duration("ABUSE_DECAY_INTERVAL", "abuse_decay_interval", abuseDefaults.DecayInterval),
		AbuseSuspiciousThreshold: p.int("ABUSE_SUSPICIOUS_THRESHOLD", "abuse_suspicious_threshold", abuseDefaults.SuspiciousThreshold),
		AbuseSuspendThreshold:    p.int("ABUSE_SUSPEND_THRESHOLD", "abuse_suspend_threshold", abuseDefaults.SuspendThreshold),
		AbuseSuspendDuration:     p.duration("ABUSE_SUSPEND_DURATION", "abuse_suspend_duration", abuseDefaults.SuspendDuration),
		AbuseGeoJumpKm:           p.float("ABUSE_GEO_JUMP_KM", "abuse_geo_jump_km", abuseDefaults.GeoJumpDistanceKm),
		AbuseGeoJumpWindow:       p.duration("ABUSE_GEO_JUMP_WINDOW", "abuse_geo_jump_window", abuseDefaults.GeoJumpWindow),
		AbuseBurstThreshold:      p.int("ABUSE_BURST_THRESHOLD", "abuse_burst_threshold", int(abuseDefaults.BurstThreshold)),
		AbuseBurstWindow:         p.duration("ABUSE_BURST_WINDOW", "abuse_burst_window", abuseDefaults.BurstWindow),

		AuditRetention:  p.duration("AUDIT_RETENTION", "audit_retention", audit.DefaultRetention),
		AuditQueueSize:  p.int("AUDIT_QUEUE_SIZE", "audit_queue_size", DefaultAuditQueueSize),
		SignalRetention: p.duration("SIGNAL_RETENTION", "signal_retention", abuse.DefaultSignalRetention),
		PurgeInterval:   p.duration("PURGE_INTERVAL", "purge_interval", DefaultPurgeInterval),

		AuditVerifyInterval: p.duration("AUDIT_VERIFY_INTERVAL", "audit_verify_interval", DefaultVerifyInterval),

		CORSAllowedOrigins: p.list("CORS_ALLOWED_ORIGINS", "cors_allowed_origins"),

		TracingEnabled:      p.bool("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:     p.string("tracing_exporter", DefaultTracingExporter, "TRACING_EXPORTER"),
		TracingEndpoint:     p.string("tracing_endpoint", "", "TRACING_ENDPOINT"),
		TracingSamplingRate: p.float("TRACING_SAMPLING_RATE", "tracing_sampling_rate", DefaultSamplingRate),
	}

	keys, err := loadSigningKeys(k)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.SigningKeys = keys

	return cfg, append(p.errs, cfg.Validate()...)
}

// fileSigningKey is the YAML form of a signing key.
type fileSigningKey struct {
	Kid    string `koanf:"kid"`
	Secret string `koanf:"secret"`
	Active bool   `koanf:"active"`
}

// loadSigningKeys reads SIGNING_KEYS from the environment, or the
// signing_keys list from the config file.
func loadSigningKeys(k *koanf.Koanf) ([]auth.SigningKey, error) {
	if val := os.Getenv("SIGNING_KEYS"); val != "" {
		return ParseSigningKeys(val)
	}
	if !k.Exists("signing_keys") {
		return nil, nil
	}

	var fileKeys []fileSigningKey
	if err := k.Unmarshal("signing_keys", &fileKeys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningKeys, err)
	}
	keys := make([]auth.SigningKey, len(fileKeys))
	for i, fk := range fileKeys {
		keys[i] = auth.SigningKey{Kid: fk.Kid, Secret: fk.Secret, Active: fk.Active}
	}
	return keys, nil
}

// ParseSigningKeys parses a comma-separated list of kid:secret[:active]
// entries. Registry order is list order.
func ParseSigningKeys(s string) ([]auth.SigningKey, error) {
	var keys []auth.SigningKey
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: entry %d must be kid:secret[:active]", ErrInvalidSigningKeys, len(keys)+1)
		}
		key := auth.SigningKey{Kid: parts[0], Secret: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "active" {
				return nil, fmt.Errorf("%w: entry %d has unknown flag %q", ErrInvalidSigningKeys, len(keys)+1, parts[2])
			}
			key.Active = true
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parser reads typed values, env first, collecting parse errors.
type parser struct {
	k    *koanf.Koanf
	errs []error
}

// string returns the first set env var of envKeys, else the file value,
// else def.
func (p *parser) string(koanfKey, def string, envKeys ...string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if val := p.k.String(koanfKey); val != "" {
		return val
	}
	return def
}

// list reads a comma-separated env var or a file list, dropping blanks.
func (p *parser) list(envKey, koanfKey string) []string {
	items := p.k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		items = strings.Split(val, ",")
	}

	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// port reads CASEGUARD_PORT, then PORT, then the file.
func (p *parser) port() int {
	for _, key := range []string{"CASEGUARD_PORT", "PORT"} {
		if val := os.Getenv(key); val != "" {
			port, err := strconv.Atoi(val)
			if err != nil {
				p.errs = append(p.errs, fmt.Errorf("%s: %w", key, ErrInvalidPort))
				return DefaultPort
			}
			return port
		}
	}
	if p.k.Exists("port") {
		return p.k.Int("port")
	}
	return DefaultPort
}

func (p *parser) int(envKey, koanfKey string, def int) int {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber))
			return def
		}
		return i
	}
	if p.k.Exists(koanfKey) {
		return p.k.Int(koanfKey)
	}
	return def
}

func (p *parser) float(envKey, koanfKey string, def float64) float64 {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber))
			return def
		}
		return f
	}
	if p.k.Exists(koanfKey) {
		return p.k.Float64(koanfKey)
	}
	return def
}

func (p *parser) duration(envKey, koanfKey string, def time.Duration) time.Duration {
	val := os.Getenv(envKey)
	if val == "" && p.k.Exists(koanfKey) {
		val = p.k.String(koanfKey)
	}
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration))
		return def
	}
	return d
}

func (p *parser) bool(envKey, koanfKey string, def bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		return def
	}
	if p.k.Exists(koanfKey) {
		return p.k.Bool(koanfKey)
	}
	return def
}

// Validate reports every missing or out-of-range setting.
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if len(c.SigningKeys) == 0 {
		errs = append(errs, ErrMissingSigningKeys)
	} else if _, err := auth.NewKeyRegistry(c.SigningKeys); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidSigningKeys, err))
	}
	if len(c.AdminSubjects) == 0 {
		errs = append(errs, ErrMissingAdmins)
	}
	if err := c.Lockout().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidLockout, err))
	}
	if err := c.Abuse().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidAbuse, err))
	}
	if c.AuditRetention <= 0 || c.SignalRetention <= 0 || c.PurgeInterval <= 0 {
		errs = append(errs, ErrInvalidRetention)
	}
	if c.AuditVerifyInterval < 0 {
		errs = append(errs, ErrInvalidVerifyPeriod)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}

	return errs
}

// Lockout returns the lockout policy. Store timeouts keep their package
// defaults; CounterStoreTimeout bounds only the shared store.
func (c *Config) Lockout() lockout.Config {
	return lockout.Config{
		MaxFailures:   c.LockoutMaxFailures,
		FailureWindow: c.LockoutFailureWindow,
		LockDuration:  c.LockoutDuration,
	}
}

// Abuse returns the abuse scoring policy.
func (c *Config) Abuse() abuse.Config {
	return abuse.Config{
		SuspiciousThreshold: c.AbuseSuspiciousThreshold,
		SuspendThreshold:    c.AbuseSuspendThreshold,
		SuspendDuration:     c.AbuseSuspendDuration,
		DecayAmount:         c.AbuseDecayAmount,
		DecayInterval:       c.AbuseDecayInterval,
		GeoJumpDistanceKm:   c.AbuseGeoJumpKm,
		GeoJumpWindow:       c.AbuseGeoJumpWindow,
		BurstThreshold:      int64(c.AbuseBurstThreshold),
		BurstWindow:         c.AbuseBurstWindow,
		SignalRetention:     c.SignalRetention,
	}
}

// LogSummary is the startup log view of c. Signing secrets are reduced to
// their kids and URL passwords are masked.
func (c *Config) LogSummary() map[string]string {
	kids := make([]string, 0, len(c.SigningKeys))
	for _, key := range c.SigningKeys {
		kid := key.Kid
		if key.Active {
			kid += "(active)"
		}
		kids = append(kids, kid)
	}

	return map[string]string{
		"port":                  strconv.Itoa(c.Port),
		"env":                   c.Env,
		"database_url":          maskDatabaseURL(c.DatabaseURL),
		"redis_url":             maskDatabaseURL(c.RedisURL),
		"counter_store_timeout": c.CounterStoreTimeout.String(),
		"signing_keys":          strings.Join(kids, ","),
		"admin_subjects":        strconv.Itoa(len(c.AdminSubjects)),
		"lockout_max_failures":  strconv.Itoa(c.LockoutMaxFailures),
		"lockout_duration":      c.LockoutDuration.String(),
		"abuse_suspend":         fmt.Sprintf("%d for %s", c.AbuseSuspendThreshold, c.AbuseSuspendDuration),
		"audit_retention":       c.AuditRetention.String(),
		"signal_retention":      c.SignalRetention.String(),
		"audit_verify_interval": c.AuditVerifyInterval.String(),
		"cors_allowed_origins":  strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":       strconv.FormatBool(c.TracingEnabled),
	}
}

// maskSecret keeps at most a 4-character prefix of s.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// URLs.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
