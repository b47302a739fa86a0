package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEngineOverrides(t *testing.T) {
	t.Setenv("ENGINE_TIMEZONE", "UTC")
	t.Setenv("ENGINE_SEND_HOUR", "11")
	t.Setenv("ENGINE_RUN_INTERVAL", "30s")
	t.Setenv("ENGINE_GUARDRAIL_MODE", "ENFORCE")
	t.Setenv("ENGINE_ENABLED_JOBS", "dispatch_actions, recovery_sweep,")
	t.Setenv("ENGINE_RETRY_PERMANENT_FAILURES", "yes")
	t.Setenv("ENGINE_BATCH_SIZE", "not-a-number")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg := Load()

	assert.Equal(t, 11, cfg.Engine.SendHour)
	assert.Equal(t, 30*time.Second, cfg.Engine.RunInterval)
	assert.Equal(t, GuardrailModeEnforce, cfg.Engine.GuardrailDispatchMode)
	assert.Equal(t, []string{"dispatch_actions", "recovery_sweep"}, cfg.Engine.EnabledJobs)
	assert.True(t, cfg.Engine.RetryPermanentFailures)
	assert.Equal(t, 200, cfg.Engine.BatchSize)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.UTC, cfg.Engine.Location())
}

func TestGuardrailModeFallsBackToAdvisory(t *testing.T) {
	assert.Equal(t, GuardrailModeAdvisory, normalizeGuardrailMode("strict"))
	assert.Equal(t, GuardrailModeAdvisory, normalizeGuardrailMode(""))
	assert.Equal(t, GuardrailModeEnforce, normalizeGuardrailMode(" enforce "))
}

func TestEngineLocation(t *testing.T) {
	assert.Equal(t, time.UTC, EngineConfig{}.Location())
	assert.Equal(t, time.UTC, EngineConfig{Timezone: "Mars/Olympus_Mons"}.Location())
}

func TestTwilioEnabled(t *testing.T) {
	assert.False(t, TwilioConfig{AccountSID: "AC123"}.Enabled())
	assert.True(t, TwilioConfig{AccountSID: "AC123", AuthToken: "tok"}.Enabled())
}
