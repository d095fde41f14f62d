// Package config handles loading and validation of edgegate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// EDGEGATE_ prefix:
//
//	server.address → EDGEGATE_SERVER_ADDRESS
//	rate_limit.strict.limit → EDGEGATE_RATE_LIMIT_STRICT_LIMIT
//
// The services list is file-only; it has no env mapping.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via EDGEGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/edgegate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// Algorithm selects how a service pool picks an instance.
type Algorithm string

const (
	AlgorithmRoundRobin         Algorithm = "round_robin"
	AlgorithmWeightedRoundRobin Algorithm = "weighted_round_robin"
	AlgorithmLeastConnections   Algorithm = "least_connections"
	AlgorithmIPHash             Algorithm = "ip_hash"
	AlgorithmFastestResponse    Algorithm = "fastest_response"
	AlgorithmRandom             Algorithm = "random"
)

func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections,
		AlgorithmIPHash, AlgorithmFastestResponse, AlgorithmRandom:
		return true
	}
	return false
}

// HealthCheckType selects the probe used by the health monitor.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckGRPC HealthCheckType = "grpc"
)

func (h HealthCheckType) Valid() bool {
	switch h {
	case HealthCheckHTTP, HealthCheckGRPC:
		return true
	}
	return false
}

// BackendProtocol selects the upstream transport for a service.
type BackendProtocol string

const (
	BackendProtocolHTTP1 BackendProtocol = "h1"
	BackendProtocolH2C   BackendProtocol = "h2c"
)

func (p BackendProtocol) Valid() bool {
	switch p {
	case BackendProtocolHTTP1, BackendProtocolH2C:
		return true
	}
	return false
}

// FallbackMode controls what is served while a service's breaker is open.
type FallbackMode string

const (
	FallbackModeNone   FallbackMode = "none"
	FallbackModeStatic FallbackMode = "static"
	FallbackModeCached FallbackMode = "cached"
)

func (m FallbackMode) Valid() bool {
	switch m {
	case FallbackModeNone, FallbackModeStatic, FallbackModeCached:
		return true
	}
	return false
}

// FailurePolicy controls rate limiting when the store returns an error.
type FailurePolicy string

const (
	FailurePolicyPassThrough FailurePolicy = "passthrough"
	FailurePolicyFailClosed  FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed:
		return true
	}
	return false
}

// KeyStrategyType defines how the client part of a rate-limit key is derived.
type KeyStrategyType string

const (
	KeyStrategyClientIP KeyStrategyType = "clientip"
	KeyStrategyHeader   KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyClientIP, KeyStrategyHeader:
		return true
	}
	return false
}

// StoreBackend selects the shared TTL store implementation.
type StoreBackend string

const (
	StoreBackendRedis  StoreBackend = "redis"
	StoreBackendMemory StoreBackend = "memory"
)

func (b StoreBackend) Valid() bool {
	switch b {
	case StoreBackendRedis, StoreBackendMemory:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Error classes accepted by circuit_breaker.ignore_errors.
const (
	ErrorClassClientCanceled    = "client_canceled"
	ErrorClassTimeout           = "timeout"
	ErrorClassConnectionRefused = "connection_refused"
	ErrorClassDNS               = "dns"
	ErrorClassUnreachable       = "unreachable"
)

var validErrorClasses = map[string]struct{}{
	ErrorClassClientCanceled:    {},
	ErrorClassTimeout:           {},
	ErrorClassConnectionRefused: {},
	ErrorClassDNS:               {},
	ErrorClassUnreachable:       {},
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level edgegate configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"          envPrefix:"SERVER_"`
	Admin          AdminConfig          `yaml:"admin"           envPrefix:"ADMIN_"`
	Proxy          ProxyConfig          `yaml:"proxy"           envPrefix:"PROXY_"`
	Services       []ServiceConfig      `yaml:"services"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"      envPrefix:"RATE_LIMIT_"`
	Versioning     VersioningConfig     `yaml:"versioning"      envPrefix:"VERSIONING_"`
	Sticky         StickyConfig         `yaml:"sticky"          envPrefix:"STICKY_"`
	Store          StoreConfig          `yaml:"store"           envPrefix:"STORE_"`
	Redis          RedisConfig          `yaml:"redis"           envPrefix:"REDIS_"`
	Events         EventsConfig         `yaml:"events"          envPrefix:"EVENTS_"`
	Logging        LoggingConfig        `yaml:"logging"         envPrefix:"LOGGING_"`
	Tracing        TracingConfig        `yaml:"tracing"         envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`

	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For,
	// X-Real-IP, tier and user id headers are believed. Empty trusts nobody.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// ServerTLSConfig holds optional TLS listener settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the probe/metrics listener and admin API settings.
// Token, when set, is required as a bearer token on admin mutations.
type AdminConfig struct {
	Address      string         `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string         `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	Token        RedactedString `yaml:"token"         env:"TOKEN"`
}

// ProxyConfig holds settings shared by every upstream service.
type ProxyConfig struct {
	MaxIdleConns      int             `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string          `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool            `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	ResponseHeaders   []string        `yaml:"response_headers"         env:"RESPONSE_HEADERS" envSeparator:","`
	Transport         TransportConfig `yaml:"transport"                envPrefix:"TRANSPORT_"`
	URLPolicy         URLPolicy       `yaml:"url_policy"               envPrefix:"URL_POLICY_"`
}

// TransportConfig tunes the upstream dialers.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// URLPolicy restricts the instance URLs accepted from the admin API.
type URLPolicy struct {
	AllowedSchemes      []string `yaml:"allowed_schemes"       env:"ALLOWED_SCHEMES" envSeparator:","`
	DenyPrivateNetworks bool     `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
}

// ServiceConfig declares one backend service and its instance pool.
type ServiceConfig struct {
	Name           string            `yaml:"name"`
	Algorithm      Algorithm         `yaml:"algorithm"`
	StickySessions bool              `yaml:"sticky_sessions"`
	Timeout        string            `yaml:"timeout"`
	Protocol       BackendProtocol   `yaml:"protocol"`
	StripPrefix    bool              `yaml:"strip_prefix"`
	HealthCheck    HealthCheckConfig `yaml:"health_check"`
	CircuitBreaker *BreakerConfig    `yaml:"circuit_breaker"`
	Fallback       FallbackConfig    `yaml:"fallback"`
	Instances      []InstanceConfig  `yaml:"instances"`
}

// InstanceConfig declares a single backend instance.
type InstanceConfig struct {
	ID       string           `yaml:"id"       json:"id"`
	URL      string           `yaml:"url"      json:"url"`
	Weight   int              `yaml:"weight"   json:"weight"`
	Metadata InstanceMetadata `yaml:"metadata" json:"metadata"`
}

// InstanceMetadata carries informational instance attributes.
type InstanceMetadata struct {
	Region  string `yaml:"region"  json:"region,omitempty"`
	Version string `yaml:"version" json:"version,omitempty"`
}

// HealthCheckConfig configures the per-service health monitor.
type HealthCheckConfig struct {
	Enabled            *bool           `yaml:"enabled"`
	Type               HealthCheckType `yaml:"type"`
	Path               string          `yaml:"path"`
	GRPCService        string          `yaml:"grpc_service"`
	Interval           string          `yaml:"interval"`
	Timeout            string          `yaml:"timeout"`
	HealthyThreshold   int             `yaml:"healthy_threshold"`
	UnhealthyThreshold int             `yaml:"unhealthy_threshold"`
}

// IsEnabled reports whether health probing is on. Defaults to true.
func (h HealthCheckConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// BreakerConfig holds circuit breaker tunables. Zero fields in a per-service
// override inherit from circuit_breaker.defaults.
type BreakerConfig struct {
	ErrorThresholdPercentage float64  `yaml:"error_threshold_percentage" env:"ERROR_THRESHOLD_PERCENTAGE"`
	VolumeThreshold          int      `yaml:"volume_threshold"           env:"VOLUME_THRESHOLD"`
	ResetTimeout             string   `yaml:"reset_timeout"              env:"RESET_TIMEOUT"`
	RollingWindow            string   `yaml:"rolling_window"             env:"ROLLING_WINDOW"`
	RollingBuckets           int      `yaml:"rolling_buckets"            env:"ROLLING_BUCKETS"`
	HalfOpenMaxCalls         int      `yaml:"half_open_max_calls"        env:"HALF_OPEN_MAX_CALLS"`
	SuccessThreshold         int      `yaml:"success_threshold"          env:"SUCCESS_THRESHOLD"`
	IgnoreErrors             []string `yaml:"ignore_errors"              env:"IGNORE_ERRORS" envSeparator:","`
}

// Merge returns b with every zero-valued field taken from def.
func (b BreakerConfig) Merge(def BreakerConfig) BreakerConfig {
	out := b
	if out.ErrorThresholdPercentage == 0 {
		out.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if out.VolumeThreshold == 0 {
		out.VolumeThreshold = def.VolumeThreshold
	}
	if out.ResetTimeout == "" {
		out.ResetTimeout = def.ResetTimeout
	}
	if out.RollingWindow == "" {
		out.RollingWindow = def.RollingWindow
	}
	if out.RollingBuckets == 0 {
		out.RollingBuckets = def.RollingBuckets
	}
	if out.HalfOpenMaxCalls == 0 {
		out.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if out.SuccessThreshold == 0 {
		out.SuccessThreshold = def.SuccessThreshold
	}
	if out.IgnoreErrors == nil {
		out.IgnoreErrors = def.IgnoreErrors
	}
	return out
}

// CircuitBreakerConfig holds the global breaker defaults and telemetry settings.
type CircuitBreakerConfig struct {
	Defaults      BreakerConfig `yaml:"defaults"       envPrefix:"DEFAULTS_"`
	StatusTTL     string        `yaml:"status_ttl"     env:"STATUS_TTL"`
	SweepInterval string        `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// BreakerFor returns the effective breaker settings for a service.
func (c *Config) BreakerFor(svc ServiceConfig) BreakerConfig {
	if svc.CircuitBreaker == nil {
		return c.CircuitBreaker.Defaults
	}
	return svc.CircuitBreaker.Merge(c.CircuitBreaker.Defaults)
}

// FallbackConfig configures the response served while a breaker is open.
type FallbackConfig struct {
	Mode        FallbackMode `yaml:"mode"`
	Status      int          `yaml:"status"`
	ContentType string       `yaml:"content_type"`
	Body        string       `yaml:"body"`
	CacheTTL    string       `yaml:"cache_ttl"`
	MaxBodySize int64        `yaml:"max_body_size"`
}

// RateLimitConfig holds the tiered and strict limiter settings.
type RateLimitConfig struct {
	Enabled       bool              `yaml:"enabled"        env:"ENABLED"`
	Window        string            `yaml:"window"         env:"WINDOW"`
	Tiers         map[string]int64  `yaml:"tiers"          env:"TIERS"`
	DefaultTier   string            `yaml:"default_tier"   env:"DEFAULT_TIER"`
	TierHeader    string            `yaml:"tier_header"    env:"TIER_HEADER"`
	UserIDHeader  string            `yaml:"user_id_header" env:"USER_ID_HEADER"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	FailurePolicy FailurePolicy     `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`
	Strict        StrictLimitConfig `yaml:"strict"         envPrefix:"STRICT_"`
}

// KeyStrategyConfig controls how the client key is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// Fingerprint appends a short User-Agent hash to the client key.
	Fingerprint bool `yaml:"fingerprint" env:"FINGERPRINT"`
}

// StrictLimitConfig configures the extra limiter for sensitive routes.
type StrictLimitConfig struct {
	Enabled      bool     `yaml:"enabled"       env:"ENABLED"`
	Limit        int64    `yaml:"limit"         env:"LIMIT"`
	Window       string   `yaml:"window"        env:"WINDOW"`
	PathPrefixes []string `yaml:"path_prefixes" env:"PATH_PREFIXES" envSeparator:","`
	ExemptTiers  []string `yaml:"exempt_tiers"  env:"EXEMPT_TIERS"  envSeparator:","`
}

// VersioningConfig holds the API version table and resolution settings.
type VersioningConfig struct {
	Product    string          `yaml:"product"     env:"PRODUCT"`
	Default    string          `yaml:"default"     env:"DEFAULT"`
	QueryParam string          `yaml:"query_param" env:"QUERY_PARAM"`
	Versions   []VersionConfig `yaml:"versions"`
}

// VersionConfig describes one API version.
type VersionConfig struct {
	Version     string   `yaml:"version"`
	Supported   *bool    `yaml:"supported"`
	Deprecated  bool     `yaml:"deprecated"`
	SunsetDate  string   `yaml:"sunset_date"`
	Replacement string   `yaml:"replacement"`
	Features    []string `yaml:"features"`
}

// IsSupported defaults to true when unset.
func (v VersionConfig) IsSupported() bool {
	return v.Supported == nil || *v.Supported
}

// StickyConfig controls how session keys are derived and how long bindings live.
type StickyConfig struct {
	Header string `yaml:"header" env:"HEADER"`
	Cookie string `yaml:"cookie" env:"COOKIE"`
	TTL    string `yaml:"ttl"    env:"TTL"`
}

// StoreConfig selects the shared TTL store and its degraded mode.
type StoreConfig struct {
	Backend          StoreBackend       `yaml:"backend"           env:"BACKEND"`
	MemoryFallback   bool               `yaml:"memory_fallback"   env:"MEMORY_FALLBACK"`
	MemoryMaxCost    int64              `yaml:"memory_max_cost"   env:"MEMORY_MAX_COST"`
	OperationTimeout string             `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Breaker          StoreBreakerConfig `yaml:"breaker"           envPrefix:"BREAKER_"`
}

// StoreBreakerConfig tunes the breaker that guards the primary store.
type StoreBreakerConfig struct {
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" env:"CONSECUTIVE_FAILURES"`
	OpenTimeout         string `yaml:"open_timeout"         env:"OPEN_TIMEOUT"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds state-change event delivery settings.
type EventsConfig struct {
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	RecentSize    int              `yaml:"recent_size"    env:"RECENT_SIZE"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
}

// EventsHTTPConfig holds the optional webhook receiver.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
// Services are left empty; at least one must be configured.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Proxy: ProxyConfig{
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "5s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
			URLPolicy: URLPolicy{
				AllowedSchemes:      []string{"http", "https"},
				DenyPrivateNetworks: true,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Defaults: BreakerConfig{
				ErrorThresholdPercentage: 50,
				VolumeThreshold:          10,
				ResetTimeout:             "30s",
				RollingWindow:            "10s",
				RollingBuckets:           10,
				HalfOpenMaxCalls:         1,
				SuccessThreshold:         2,
				IgnoreErrors:             []string{ErrorClassClientCanceled},
			},
			StatusTTL:     "5m",
			SweepInterval: "500ms",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Window:  "1h",
			Tiers: map[string]int64{
				"free":    100,
				"basic":   1000,
				"premium": 10000,
				"admin":   -1,
			},
			DefaultTier:   "free",
			TierHeader:    "X-User-Tier",
			UserIDHeader:  "X-User-ID",
			KeyPrefix:     "ratelimit:",
			FailurePolicy: FailurePolicyPassThrough,
			KeyStrategy: KeyStrategyConfig{
				Type:        KeyStrategyClientIP,
				Fingerprint: true,
			},
			Strict: StrictLimitConfig{
				Enabled:      true,
				Limit:        20,
				Window:       "15m",
				PathPrefixes: []string{"/api/auth", "/admin"},
			},
		},
		Versioning: VersioningConfig{
			Product:    "edgegate",
			Default:    "v2",
			QueryParam: "version",
			Versions: []VersionConfig{
				{
					Version:     "v1",
					Deprecated:  true,
					SunsetDate:  "2027-06-30",
					Replacement: "v2",
					Features:    []string{"basic_crud"},
				},
				{
					Version:  "v2",
					Features: []string{"basic_crud", "pagination", "filtering", "bulk_operations"},
				},
			},
		},
		Sticky: StickyConfig{
			Header: "X-Session-ID",
			Cookie: "session_id",
			TTL:    "1h",
		},
		Store: StoreConfig{
			Backend:          StoreBackendRedis,
			MemoryFallback:   true,
			MemoryMaxCost:    64 << 20,
			OperationTimeout: "250ms",
			Breaker: StoreBreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         "5s",
			},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Events: EventsConfig{
			BufferSize:    1024,
			BatchSize:     50,
			FlushInterval: "1s",
			RecentSize:    100,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "edgegate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("EDGEGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/edgegate/config.yaml and
// can be overridden via EDGEGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		// Lists and maps from the file replace the defaults instead of merging.
		cfg.Versioning.Versions = nil
		cfg.RateLimit.Tiers = nil
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
		defaults := Defaults()
		if cfg.Versioning.Versions == nil {
			cfg.Versioning.Versions = defaults.Versioning.Versions
		}
		if cfg.RateLimit.Tiers == nil {
			cfg.RateLimit.Tiers = defaults.RateLimit.Tiers
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "EDGEGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and fills per-service defaults so that
// the rest of the program never has to guess.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.RateLimit.KeyStrategy.Type)))
	cfg.RateLimit.DefaultTier = strings.ToLower(cfg.RateLimit.DefaultTier)
	if len(cfg.RateLimit.Tiers) > 0 {
		tiers := make(map[string]int64, len(cfg.RateLimit.Tiers))
		for k, v := range cfg.RateLimit.Tiers {
			tiers[strings.ToLower(k)] = v
		}
		cfg.RateLimit.Tiers = tiers
	}
	cfg.Store.Backend = StoreBackend(strings.ToLower(string(cfg.Store.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	cfg.Versioning.Default = normalizeVersion(cfg.Versioning.Default)

	for i := range cfg.Versioning.Versions {
		cfg.Versioning.Versions[i].Version = normalizeVersion(cfg.Versioning.Versions[i].Version)
		cfg.Versioning.Versions[i].Replacement = normalizeVersion(cfg.Versioning.Versions[i].Replacement)
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		svc.Name = strings.ToLower(strings.TrimSpace(svc.Name))
		svc.Algorithm = Algorithm(strings.ToLower(string(svc.Algorithm)))
		if svc.Algorithm == "" {
			svc.Algorithm = AlgorithmRoundRobin
		}
		svc.Protocol = BackendProtocol(strings.ToLower(string(svc.Protocol)))
		if svc.Protocol == "" {
			svc.Protocol = BackendProtocolHTTP1
		}
		if svc.Timeout == "" {
			svc.Timeout = "30s"
		}
		svc.HealthCheck.normalize()
		svc.Fallback.normalize()
		for j := range svc.Instances {
			if svc.Instances[j].Weight == 0 {
				svc.Instances[j].Weight = 1
			}
		}
	}
}

func (h *HealthCheckConfig) normalize() {
	h.Type = HealthCheckType(strings.ToLower(string(h.Type)))
	if h.Type == "" {
		h.Type = HealthCheckHTTP
	}
	if h.Path == "" {
		h.Path = "/health"
	}
	if h.Interval == "" {
		h.Interval = "10s"
	}
	if h.Timeout == "" {
		h.Timeout = "2s"
	}
	if h.HealthyThreshold <= 0 {
		h.HealthyThreshold = 1
	}
	if h.UnhealthyThreshold <= 0 {
		h.UnhealthyThreshold = 1
	}
}

func (f *FallbackConfig) normalize() {
	f.Mode = FallbackMode(strings.ToLower(string(f.Mode)))
	if f.Mode == "" {
		f.Mode = FallbackModeNone
	}
	if f.Status == 0 {
		f.Status = 200
	}
	if f.ContentType == "" {
		f.ContentType = "application/json"
	}
	if f.CacheTTL == "" {
		f.CacheTTL = "5m"
	}
	if f.MaxBodySize <= 0 {
		f.MaxBodySize = 1 << 20
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// normalizeVersion maps "2", "V2" and "v2" to "v2". Other input is returned
// lowercased so validation can reject it.
func normalizeVersion(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if v[0] >= '0' && v[0] <= '9' {
		return "v" + v
	}
	return v
}

var (
	serviceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionRe     = regexp.MustCompile(`^v[0-9]+$`)
)

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateServices(cfg); err != nil {
		return err
	}
	if err := validateBreaker("circuit_breaker.defaults", cfg.CircuitBreaker.Defaults); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateVersioning(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateServices(cfg *Config) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("services: at least one service is required")
	}
	seen := make(map[string]struct{}, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := fmt.Sprintf("services[%d]", i)
		if !serviceNameRe.MatchString(svc.Name) {
			return fmt.Errorf("invalid %s.name %q: must match %s", prefix, svc.Name, serviceNameRe)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
		prefix = "services." + svc.Name

		if !svc.Algorithm.Valid() {
			return fmt.Errorf("invalid %s.algorithm %q: must be round_robin, weighted_round_robin, "+
				"least_connections, ip_hash, fastest_response, or random", prefix, svc.Algorithm)
		}
		if !svc.Protocol.Valid() {
			return fmt.Errorf("invalid %s.protocol %q: must be h1 or h2c", prefix, svc.Protocol)
		}
		if err := validateDuration(prefix+".timeout", svc.Timeout, true); err != nil {
			return err
		}
		if err := validateHealthCheck(prefix+".health_check", svc.HealthCheck); err != nil {
			return err
		}
		if svc.CircuitBreaker != nil {
			if err := validateBreaker(prefix+".circuit_breaker", svc.CircuitBreaker.Merge(cfg.CircuitBreaker.Defaults)); err != nil {
				return err
			}
		}
		if err := validateFallback(prefix+".fallback", svc.Fallback); err != nil {
			return err
		}
		if err := validateInstances(prefix, svc); err != nil {
			return err
		}
	}
	return nil
}

func validateInstances(prefix string, svc *ServiceConfig) error {
	if len(svc.Instances) == 0 {
		return fmt.Errorf("%s.instances: at least one instance is required", prefix)
	}
	ids := make(map[string]struct{}, len(svc.Instances))
	for j := range svc.Instances {
		inst := &svc.Instances[j]
		if inst.ID == "" {
			inst.ID = fmt.Sprintf("%s-%d", svc.Name, j+1)
		}
		if _, dup := ids[inst.ID]; dup {
			return fmt.Errorf("%s.instances: duplicate instance id %q", prefix, inst.ID)
		}
		ids[inst.ID] = struct{}{}
		if inst.Weight < 0 {
			return fmt.Errorf("%s.instances[%s].weight must be >= 0", prefix, inst.ID)
		}
		normalized, err := NormalizeURL(inst.URL)
		if err != nil {
			return fmt.Errorf("invalid %s.instances[%s].url %q: %w", prefix, inst.ID, inst.URL, err)
		}
		inst.URL = normalized
	}
	return nil
}

func validateHealthCheck(prefix string, hc HealthCheckConfig) error {
	if !hc.Type.Valid() {
		return fmt.Errorf("invalid %s.type %q: must be http or grpc", prefix, hc.Type)
	}
	if err := validateDuration(prefix+".interval", hc.Interval, true); err != nil {
		return err
	}
	if err := validateDuration(prefix+".timeout", hc.Timeout, true); err != nil {
		return err
	}
	if hc.Type == HealthCheckHTTP && !strings.HasPrefix(hc.Path, "/") {
		return fmt.Errorf("invalid %s.path %q: must start with /", prefix, hc.Path)
	}
	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.ErrorThresholdPercentage <= 0 || b.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("invalid %s.error_threshold_percentage %v: must be in (0, 100]", prefix, b.ErrorThresholdPercentage)
	}
	if b.VolumeThreshold < 1 {
		return fmt.Errorf("invalid %s.volume_threshold %d: must be >= 1", prefix, b.VolumeThreshold)
	}
	if b.RollingBuckets < 1 {
		return fmt.Errorf("invalid %s.rolling_buckets %d: must be >= 1", prefix, b.RollingBuckets)
	}
	if b.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("invalid %s.half_open_max_calls %d: must be >= 1", prefix, b.HalfOpenMaxCalls)
	}
	if b.SuccessThreshold < 1 {
		return fmt.Errorf("invalid %s.success_threshold %d: must be >= 1", prefix, b.SuccessThreshold)
	}
	if err := validateDuration(prefix+".reset_timeout", b.ResetTimeout, true); err != nil {
		return err
	}
	if err := validateDuration(prefix+".rolling_window", b.RollingWindow, true); err != nil {
		return err
	}
	for _, class := range b.IgnoreErrors {
		if _, ok := validErrorClasses[strings.ToLower(class)]; !ok {
			return fmt.Errorf("invalid %s.ignore_errors entry %q: must be one of client_canceled, "+
				"timeout, connection_refused, dns, unreachable", prefix, class)
		}
	}
	return nil
}

func validateFallback(prefix string, f FallbackConfig) error {
	if !f.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q: must be none, static, or cached", prefix, f.Mode)
	}
	if f.Status < 100 || f.Status > 599 {
		return fmt.Errorf("invalid %s.status %d", prefix, f.Status)
	}
	return validateDuration(prefix+".cache_ttl", f.CacheTTL, true)
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if fp := rl.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough or failclosed", fp)
	}
	if ks := rl.KeyStrategy; ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_strategy.type %q", ks.Type)
	}
	if rl.KeyStrategy.Type == KeyStrategyHeader && rl.KeyStrategy.HeaderName == "" {
		return fmt.Errorf("rate_limit.key_strategy.header_name is required when type is %q", rl.KeyStrategy.Type)
	}
	if !rl.Enabled {
		return nil
	}
	if err := validateDuration("rate_limit.window", rl.Window, true); err != nil {
		return err
	}
	if len(rl.Tiers) == 0 {
		return fmt.Errorf("rate_limit.tiers: at least one tier is required")
	}
	for name, limit := range rl.Tiers {
		if limit < -1 {
			return fmt.Errorf("invalid rate_limit.tiers.%s %d: must be >= 0 or -1 for unlimited", name, limit)
		}
	}
	if _, ok := rl.Tiers[rl.DefaultTier]; !ok {
		return fmt.Errorf("rate_limit.default_tier %q is not a configured tier", rl.DefaultTier)
	}
	if rl.Strict.Enabled {
		if rl.Strict.Limit < 1 {
			return fmt.Errorf("invalid rate_limit.strict.limit %d: must be >= 1", rl.Strict.Limit)
		}
		if err := validateDuration("rate_limit.strict.window", rl.Strict.Window, true); err != nil {
			return err
		}
		for _, p := range rl.Strict.PathPrefixes {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("invalid rate_limit.strict.path_prefixes entry %q: must start with /", p)
			}
		}
	}
	return nil
}

func validateVersioning(cfg *Config) error {
	v := cfg.Versioning
	if len(v.Versions) == 0 {
		return fmt.Errorf("versioning.versions: at least one version is required")
	}
	known := make(map[string]VersionConfig, len(v.Versions))
	for _, vc := range v.Versions {
		if !versionRe.MatchString(vc.Version) {
			return fmt.Errorf("invalid versioning.versions entry %q: must look like v1", vc.Version)
		}
		if _, dup := known[vc.Version]; dup {
			return fmt.Errorf("duplicate versioning.versions entry %q", vc.Version)
		}
		if vc.SunsetDate != "" {
			if _, err := time.Parse(time.DateOnly, vc.SunsetDate); err != nil {
				return fmt.Errorf("invalid versioning.versions[%s].sunset_date %q: must be YYYY-MM-DD", vc.Version, vc.SunsetDate)
			}
		}
		known[vc.Version] = vc
	}
	def, ok := known[v.Default]
	if !ok {
		return fmt.Errorf("versioning.default %q is not a configured version", v.Default)
	}
	if !def.IsSupported() {
		return fmt.Errorf("versioning.default %q must be a supported version", v.Default)
	}
	return nil
}

func validateStore(cfg *Config) error {
	if !cfg.Store.Backend.Valid() {
		return fmt.Errorf("invalid store.backend %q: must be redis or memory", cfg.Store.Backend)
	}
	if cfg.Store.Backend != StoreBackendRedis {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

// NormalizeURL parses an instance URL and ensures the host always has an
// explicit port (80 for http, 443 for https).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDuration(name, val string, positive bool) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, val, err)
	}
	if positive && d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", name, val)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"proxy.idle_conn_timeout", cfg.Proxy.IdleConnTimeout},
		{"proxy.transport.dial_timeout", cfg.Proxy.Transport.DialTimeout},
		{"proxy.transport.dial_keep_alive", cfg.Proxy.Transport.DialKeepAlive},
		{"proxy.transport.tls_handshake_timeout", cfg.Proxy.Transport.TLSHandshakeTimeout},
		{"proxy.transport.expect_continue_timeout", cfg.Proxy.Transport.ExpectContinueTimeout},
		{"proxy.transport.h2_read_idle_timeout", cfg.Proxy.Transport.H2ReadIdleTimeout},
		{"proxy.transport.h2_ping_timeout", cfg.Proxy.Transport.H2PingTimeout},
		{"circuit_breaker.status_ttl", cfg.CircuitBreaker.StatusTTL},
		{"circuit_breaker.sweep_interval", cfg.CircuitBreaker.SweepInterval},
		{"sticky.ttl", cfg.Sticky.TTL},
		{"store.operation_timeout", cfg.Store.OperationTimeout},
		{"store.breaker.open_timeout", cfg.Store.Breaker.OpenTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if err := validateDuration(d.name, d.val, false); err != nil {
			return err
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	for i, e := range cfg.Server.TrustedProxies {
		e = strings.TrimSpace(e)
		var err error
		if strings.Contains(e, "/") {
			_, err = netip.ParsePrefix(e)
		} else {
			_, err = netip.ParseAddr(e)
		}
		if err != nil {
			return fmt.Errorf("invalid server.trusted_proxies[%d] %q: must be a CIDR or IP address", i, e)
		}
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// Service returns the named service config.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Store.Backend != old.Store.Backend {
		fields = append(fields, "store.backend")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if !sameServiceShape(c.Services, old.Services) {
		fields = append(fields, "services")
	}
	return fields
}

// sameServiceShape reports whether both lists declare the same services with
// the same algorithm, protocol, and instance set. Breaker tunables are
// hot-reloadable and ignored here.
func sameServiceShape(a, b []ServiceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Algorithm != y.Algorithm || x.Protocol != y.Protocol ||
			x.StickySessions != y.StickySessions || len(x.Instances) != len(y.Instances) {
			return false
		}
		for j := range x.Instances {
			if x.Instances[j] != y.Instances[j] {
				return false
			}
		}
	}
	return true
}
