package wsforge

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the runtime: built-in
// defaults, overridden by framework-provided config, overridden again by
// environment variables. Loading never mutates its inputs.
// Enabled, Compression, and the other pointer-typed bool fields below are
// *bool rather than bool so a partial override config (as passed to
// MergeConfig) can distinguish "not set, inherit the base" (nil) from
// "explicitly set to false" (non-nil, false). A plain bool can't make
// that distinction, and merge(default, {}) must equal default exactly.
type Config struct {
	Enabled        *bool
	MaxConnections int
	Timeout        time.Duration
	Compression    *bool
	Security       SecurityConfig
	Performance    PerformanceConfig
	Monitoring     MonitoringConfig
	Routes         map[string]RouteOverride
	CircuitBreaker CircuitBreakerConfig
}

type SecurityConfig struct {
	AllowedOrigins   []string
	MaxPayloadSize   int64
	ValidateProtocol *bool
	AllowedProtocols []string
}

type PerformanceConfig struct {
	PerMessageDeflate          *bool
	CompressionThreshold       int
	ServerMaxWindowBits        int
	ServerMaxNoContextTakeover bool
	Backlog                    int
	KeepAlive                  KeepAliveConfig
}

type KeepAliveConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	Interval     time.Duration
	Probes       int
}

type MonitoringConfig struct {
	Metrics         *bool
	DetailedLogging *bool
	HealthCheck     HealthCheckConfig
}

// boolPtr is a convenience constructor for the tri-state bool fields above.
func boolPtr(b bool) *bool { return &b }

// boolVal dereferences p, falling back to def if p is nil (unset).
func boolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

type HealthCheckConfig struct {
	Enabled  bool
	Path     string
	Interval time.Duration
}

// RouteOverride shadows global values for a single route pattern. Nil
// pointer fields mean "inherit the global value".
type RouteOverride struct {
	MaxConnections int
	Timeout        time.Duration
	Compression    *bool
	RateLimit      *RateLimitRule
}

type RateLimitRule struct {
	WindowMs    int64
	MaxRequests int
}

type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringWindow time.Duration
	SuccessThreshold int
}

// DefaultConfig returns the built-in defaults of spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        boolPtr(true),
		MaxConnections: 1000,
		Timeout:        30 * time.Second,
		Compression:    boolPtr(true),
		Security: SecurityConfig{
			MaxPayloadSize: 1 << 20, // 1 MiB
		},
		Performance: PerformanceConfig{
			PerMessageDeflate: boolPtr(true),
			Backlog:           511,
			KeepAlive: KeepAliveConfig{
				Enabled:      true,
				InitialDelay: 0,
				Interval:     30 * time.Second,
				Probes:       3,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics:         boolPtr(true),
			DetailedLogging: boolPtr(false),
			HealthCheck: HealthCheckConfig{
				Enabled:  true,
				Path:     "/ws/health",
				Interval: 30 * time.Second,
			},
		},
		Routes: map[string]RouteOverride{},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			MonitoringWindow: 5 * time.Minute,
			SuccessThreshold: 3,
		},
	}
}

// CloneConfig returns a deep-enough copy of cfg: safe to mutate without
// affecting the original, including its Routes map.
func CloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	clone := *cfg
	clone.Security.AllowedOrigins = append([]string(nil), cfg.Security.AllowedOrigins...)
	clone.Security.AllowedProtocols = append([]string(nil), cfg.Security.AllowedProtocols...)
	clone.Routes = make(map[string]RouteOverride, len(cfg.Routes))
	for k, v := range cfg.Routes {
		clone.Routes[k] = v
	}
	return &clone
}

// MergeConfig deep-merges configs left to right; later configs win on any
// field they set. Non-overlapping keys in Routes accumulate from every
// input rather than replacing wholesale, so merge is associative.
func MergeConfig(configs ...*Config) *Config {
	if len(configs) == 0 {
		return DefaultConfig()
	}
	result := CloneConfig(configs[0])
	if result == nil {
		result = DefaultConfig()
	}
	for _, cfg := range configs[1:] {
		if cfg == nil {
			continue
		}
		if cfg.Enabled != nil {
			result.Enabled = cfg.Enabled
		}
		if cfg.MaxConnections > 0 {
			result.MaxConnections = cfg.MaxConnections
		}
		if cfg.Timeout > 0 {
			result.Timeout = cfg.Timeout
		}
		if cfg.Compression != nil {
			result.Compression = cfg.Compression
		}
		if len(cfg.Security.AllowedOrigins) > 0 {
			result.Security.AllowedOrigins = cfg.Security.AllowedOrigins
		}
		if cfg.Security.MaxPayloadSize > 0 {
			result.Security.MaxPayloadSize = cfg.Security.MaxPayloadSize
		}
		if cfg.Security.ValidateProtocol != nil {
			result.Security.ValidateProtocol = cfg.Security.ValidateProtocol
		}
		if len(cfg.Security.AllowedProtocols) > 0 {
			result.Security.AllowedProtocols = cfg.Security.AllowedProtocols
		}
		if cfg.Performance.Backlog > 0 {
			result.Performance.Backlog = cfg.Performance.Backlog
		}
		if cfg.Performance.PerMessageDeflate != nil {
			result.Performance.PerMessageDeflate = cfg.Performance.PerMessageDeflate
		}
		if cfg.Performance.KeepAlive.Interval > 0 {
			result.Performance.KeepAlive = cfg.Performance.KeepAlive
		}
		if cfg.Monitoring.Metrics != nil {
			result.Monitoring.Metrics = cfg.Monitoring.Metrics
		}
		if cfg.Monitoring.DetailedLogging != nil {
			result.Monitoring.DetailedLogging = cfg.Monitoring.DetailedLogging
		}
		if cfg.Monitoring.HealthCheck.Path != "" {
			result.Monitoring.HealthCheck = cfg.Monitoring.HealthCheck
		}
		if cfg.CircuitBreaker.FailureThreshold > 0 {
			result.CircuitBreaker = cfg.CircuitBreaker
		}
		for pattern, override := range cfg.Routes {
			result.Routes[pattern] = override
		}
	}
	return result
}

// envBinding ties one WSFORGE_-prefixed env var to the setter that
// applies it if present.
type envBinding struct {
	key   string
	apply func(v *viper.Viper, cfg *Config)
}

var envBindings = []envBinding{
	{"enabled", func(v *viper.Viper, cfg *Config) { cfg.Enabled = boolPtr(v.GetBool("enabled")) }},
	{"max_connections", func(v *viper.Viper, cfg *Config) {
		if n := v.GetInt("max_connections"); n > 0 {
			cfg.MaxConnections = n
		} else {
			logrus.Debug("wsforge: ignoring invalid WSFORGE_MAX_CONNECTIONS")
		}
	}},
	{"timeout_ms", func(v *viper.Viper, cfg *Config) {
		if ms := v.GetInt64("timeout_ms"); ms >= 1000 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		} else {
			logrus.Debug("wsforge: ignoring invalid WSFORGE_TIMEOUT_MS")
		}
	}},
	{"compression", func(v *viper.Viper, cfg *Config) { cfg.Compression = boolPtr(v.GetBool("compression")) }},
	{"max_payload_bytes", func(v *viper.Viper, cfg *Config) {
		if n := v.GetInt64("max_payload_bytes"); n > 0 {
			cfg.Security.MaxPayloadSize = n
		} else {
			logrus.Debug("wsforge: ignoring invalid WSFORGE_MAX_PAYLOAD_BYTES")
		}
	}},
	{"metrics_enabled", func(v *viper.Viper, cfg *Config) { cfg.Monitoring.Metrics = boolPtr(v.GetBool("metrics_enabled")) }},
}

// LoadConfigFromEnv overlays environment variables onto base (which may
// be nil, meaning the built-in defaults), via a viper instance scoped to
// the WSFORGE_ prefix (WSFORGE_MAX_CONNECTIONS -> "max_connections", and
// so on). Invalid numeric/bool tokens are discarded with a debug log,
// per spec.md §6. Keys absent from the environment are left untouched
// rather than overwritten with viper's zero value.
func LoadConfigFromEnv(base *Config) *Config {
	cfg := CloneConfig(base)
	if cfg == nil {
		cfg = DefaultConfig()
	}

	v := viper.New()
	v.SetEnvPrefix("wsforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		b.apply(v, cfg)
	}

	return cfg
}

// ValidateConfig returns every violation it finds, as human-readable
// strings. It never mutates cfg and a non-empty result does not prevent
// the caller from running with defaults layered back in.
func ValidateConfig(cfg *Config) []string {
	var errs []string
	if cfg == nil {
		return []string{"config must not be nil"}
	}
	if cfg.MaxConnections <= 0 {
		errs = append(errs, "maxConnections must be > 0")
	}
	if cfg.Timeout < time.Second {
		errs = append(errs, "timeout must be >= 1000ms")
	}
	if cfg.Security.MaxPayloadSize <= 0 {
		errs = append(errs, "security.maxPayloadSize must be > 0")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "circuitBreaker.failureThreshold must be > 0")
	}
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		errs = append(errs, "circuitBreaker.successThreshold must be > 0")
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		errs = append(errs, "circuitBreaker.resetTimeout must be > 0")
	}
	for pattern, r := range cfg.Routes {
		if r.MaxConnections < 0 {
			errs = append(errs, "routes["+pattern+"].maxConnections must be >= 0")
		}
		if r.RateLimit != nil && r.RateLimit.MaxRequests <= 0 {
			errs = append(errs, "routes["+pattern+"].rateLimit.maxRequests must be > 0")
		}
	}
	return errs
}

// effectiveRoute is a route's max connections, timeout, compression and
// rate-limit rule, resolved against the global config by
// resolveRouteConfig.
type effectiveRoute struct {
	maxConnections int
	timeout        time.Duration
	compression    bool
	rateLimit      *RateLimitRule
}

func resolveRouteConfig(cfg *Config, pattern string) effectiveRoute {
	eff := effectiveRoute{
		maxConnections: cfg.MaxConnections,
		timeout:        cfg.Timeout,
		compression:    boolVal(cfg.Compression, true),
	}
	override, ok := cfg.Routes[pattern]
	if !ok {
		return eff
	}
	if override.MaxConnections > 0 {
		eff.maxConnections = override.MaxConnections
	}
	if override.Timeout > 0 {
		eff.timeout = override.Timeout
	}
	if override.Compression != nil {
		eff.compression = *override.Compression
	}
	eff.rateLimit = override.RateLimit
	return eff
}
