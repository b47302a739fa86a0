package observability

import (
	"strings"

	"github.com/smallbiznis/dunning/internal/config"
)

const (
	defaultServiceName   = "dunning"
	defaultSamplingRatio = 0.1
)

// Config is the resolved observability view of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	environment := obs.DeploymentEnv
	if environment == "" {
		environment = strings.TrimSpace(cfg.Environment)
	}
	version := obs.Version
	if version == "" {
		version = strings.TrimSpace(cfg.AppVersion)
	}

	ratio := obs.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}

	format := obs.LogFormat
	if format != "console" {
		format = "json"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          environment,
		Version:              version,
		LogLevel:             obs.LogLevel,
		LogFormat:            format,
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: obs.OtelEndpoint,
		OtelExporterProtocol: obs.OtelProtocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on console-friendly logs and stack traces.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
