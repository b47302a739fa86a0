package config

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// GuardrailFile is the file-level guardrail and retry policy. Database settings
// override it per key, globally or per owner.
type GuardrailFile struct {
	Timezone        string               `mapstructure:"timezone"`
	QuietHoursStart string               `mapstructure:"quietHoursStart" validate:"omitempty,datetime=15:04"`
	QuietHoursEnd   string               `mapstructure:"quietHoursEnd" validate:"omitempty,datetime=15:04"`
	BlockedWeekdays []string             `mapstructure:"blockedWeekdays" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	BlockedDates    []string             `mapstructure:"blockedDates" validate:"dive,datetime=2006-01-02"`
	MaxPerDay       int                  `mapstructure:"maxPerDay" validate:"gte=0"`
	MaxPerWeek      int                  `mapstructure:"maxPerWeek" validate:"gte=0"`
	Retry           RetryFile            `mapstructure:"retry"`
	Channels        map[string]RetryFile `mapstructure:"channels" validate:"dive"`
}

type RetryFile struct {
	MaxAttempts int           `mapstructure:"maxAttempts" validate:"gte=0"`
	BaseDelay   time.Duration `mapstructure:"baseDelay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"maxDelay" validate:"gte=0"`
}

func DefaultGuardrailFile() GuardrailFile {
	return GuardrailFile{
		QuietHoursStart: "21:00",
		QuietHoursEnd:   "08:00",
		BlockedWeekdays: []string{"sunday"},
		MaxPerDay:       2,
		MaxPerWeek:      6,
		Retry: RetryFile{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Minute,
			MaxDelay:    6 * time.Hour,
		},
	}
}

type GuardrailConfigHolder struct {
	current atomic.Value // holds GuardrailFile
}

var guardrailValidate = validator.New()

func NewGuardrailConfigHolder(cfg Config) (*GuardrailConfigHolder, error) {
	v := viper.New()

	if cfg.GuardrailConfigPath != "" {
		v.SetConfigFile(cfg.GuardrailConfigPath)
	} else {
		v.SetConfigName("guardrails")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/dunning/config")
		v.AddConfigPath("/etc/dunning")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DUNNING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGuardrailFile()
	v.SetDefault("guardrails.quietHoursStart", defaults.QuietHoursStart)
	v.SetDefault("guardrails.quietHoursEnd", defaults.QuietHoursEnd)
	v.SetDefault("guardrails.blockedWeekdays", defaults.BlockedWeekdays)
	v.SetDefault("guardrails.maxPerDay", defaults.MaxPerDay)
	v.SetDefault("guardrails.maxPerWeek", defaults.MaxPerWeek)
	v.SetDefault("guardrails.retry.maxAttempts", defaults.Retry.MaxAttempts)
	v.SetDefault("guardrails.retry.baseDelay", defaults.Retry.BaseDelay)
	v.SetDefault("guardrails.retry.maxDelay", defaults.Retry.MaxDelay)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	loaded, err := decodeGuardrailFile(v)
	if err != nil {
		return nil, err
	}

	holder := &GuardrailConfigHolder{}
	holder.current.Store(loaded)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeGuardrailFile(v)
			if err != nil {
				log.Printf("[guardrail-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[guardrail-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticGuardrailConfigHolder returns a holder pinned to cfg.
func NewStaticGuardrailConfigHolder(cfg GuardrailFile) *GuardrailConfigHolder {
	holder := &GuardrailConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *GuardrailConfigHolder) Get() GuardrailFile {
	if h == nil {
		return DefaultGuardrailFile()
	}
	cfg, ok := h.current.Load().(GuardrailFile)
	if !ok {
		return DefaultGuardrailFile()
	}
	return cfg
}

func decodeGuardrailFile(v *viper.Viper) (GuardrailFile, error) {
	var cfg GuardrailFile
	if err := v.UnmarshalKey("guardrails", &cfg); err != nil {
		return GuardrailFile{}, err
	}
	for i, day := range cfg.BlockedWeekdays {
		cfg.BlockedWeekdays[i] = strings.ToLower(strings.TrimSpace(day))
	}
	if err := ValidateGuardrailFile(cfg); err != nil {
		return GuardrailFile{}, err
	}
	return cfg, nil
}

func ValidateGuardrailFile(cfg GuardrailFile) error {
	if err := guardrailValidate.Struct(cfg); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return fmt.Errorf("guardrails: retry.baseDelay %s exceeds retry.maxDelay %s", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	return nil
}
