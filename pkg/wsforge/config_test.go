package wsforge

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	errs := ValidateConfig(cfg)
	assert.Empty(t, errs)
}

func TestMergeConfigIdempotentOnEmpty(t *testing.T) {
	def := DefaultConfig()
	merged := MergeConfig(def, &Config{})
	// merge(default, {}) should not erase the baseline for zero-value fields.
	assert.Equal(t, def.MaxConnections, merged.MaxConnections)
	assert.Equal(t, def.Timeout, merged.Timeout)
	// An empty override must not flip any bool field to its zero value;
	// an unset *bool field means "inherit", not "set to false".
	assert.Equal(t, boolVal(def.Enabled, false), boolVal(merged.Enabled, false))
	assert.Equal(t, boolVal(def.Compression, false), boolVal(merged.Compression, false))
	assert.Equal(t, boolVal(def.Performance.PerMessageDeflate, false), boolVal(merged.Performance.PerMessageDeflate, false))
	assert.Equal(t, boolVal(def.Monitoring.Metrics, false), boolVal(merged.Monitoring.Metrics, false))
	assert.True(t, boolVal(merged.Enabled, false))
	assert.True(t, boolVal(merged.Compression, false))
}

func TestMergeConfigExplicitFalseOverridesDefault(t *testing.T) {
	def := DefaultConfig()
	merged := MergeConfig(def, &Config{Enabled: boolPtr(false), Compression: boolPtr(false)})
	assert.False(t, boolVal(merged.Enabled, true))
	assert.False(t, boolVal(merged.Compression, true))
}

func TestMergeConfigAssociative(t *testing.T) {
	a := DefaultConfig()
	b := &Config{MaxConnections: 50}
	c := &Config{Timeout: 5 * time.Second}

	left := MergeConfig(MergeConfig(a, b), c)
	right := MergeConfig(a, MergeConfig(b, c))

	assert.Equal(t, left.MaxConnections, right.MaxConnections)
	assert.Equal(t, left.Timeout, right.Timeout)
}

func TestEnvOverrideWinsOverFileConfig(t *testing.T) {
	fileCfg := DefaultConfig()
	fileCfg.MaxConnections = 42

	require.NoError(t, os.Setenv("WSFORGE_MAX_CONNECTIONS", "777"))
	defer os.Unsetenv("WSFORGE_MAX_CONNECTIONS")

	result := LoadConfigFromEnv(fileCfg)
	assert.Equal(t, 777, result.MaxConnections)
}

func TestEnvOverrideDiscardsInvalidToken(t *testing.T) {
	fileCfg := DefaultConfig()
	fileCfg.MaxConnections = 42

	require.NoError(t, os.Setenv("WSFORGE_MAX_CONNECTIONS", "not-a-number"))
	defer os.Unsetenv("WSFORGE_MAX_CONNECTIONS")

	result := LoadConfigFromEnv(fileCfg)
	assert.Equal(t, 42, result.MaxConnections)
}

func TestValidateConfigCatchesZeroMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 0
	errs := ValidateConfig(cfg)
	assert.NotEmpty(t, errs)
}

func TestResolveRouteConfigOverride(t *testing.T) {
	cfg := DefaultConfig()
	compression := false
	cfg.Routes["/api/chat"] = RouteOverride{
		MaxConnections: 5,
		Compression:    &compression,
		RateLimit:      &RateLimitRule{WindowMs: 1000, MaxRequests: 2},
	}

	eff := resolveRouteConfig(cfg, "/api/chat")
	assert.Equal(t, 5, eff.maxConnections)
	assert.False(t, eff.compression)
	require.NotNil(t, eff.rateLimit)
	assert.Equal(t, 2, eff.rateLimit.MaxRequests)

	fallback := resolveRouteConfig(cfg, "/api/other")
	assert.Equal(t, cfg.MaxConnections, fallback.maxConnections)
	assert.Nil(t, fallback.rateLimit)
}
