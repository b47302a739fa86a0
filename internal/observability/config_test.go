package observability

import (
	"testing"

	"github.com/smallbiznis/dunning/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFallsBackToAppSettings(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppVersion:  "1.2.3",
		Environment: "production",
		Observability: config.ObservabilityConfig{
			LogLevel:      "info",
			LogFormat:     "pretty",
			SamplingRatio: 4,
		},
	})

	assert.Equal(t, "dunning", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestDebugFollowsLevelOrEnvironment(t *testing.T) {
	assert.True(t, Config{LogLevel: "DEBUG", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "local"}.Debug())
	assert.False(t, Config{LogLevel: "warn", Environment: "staging"}.Debug())
}
