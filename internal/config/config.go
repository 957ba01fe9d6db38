package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config carries the engine's tunable policies. Values come from environment
// variables (ORKA_ prefix) with sane defaults, so a bare deployment needs no
// config file.
type Config struct {
	Port                  string `mapstructure:"port"`
	DatabaseURL           string `mapstructure:"database_url"`
	AuditBatchSize        int    `mapstructure:"audit_batch_size"`
	AvailabilityFailOpen  bool   `mapstructure:"availability_fail_open"`
	EscalationExpiryHours int    `mapstructure:"escalation_expiry_hours"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("audit_batch_size", 100)
	// Fail-open keeps workflows moving when the user directory is flaky; set
	// ORKA_AVAILABILITY_FAIL_OPEN=false to prefer strictness over liveness.
	v.SetDefault("availability_fail_open", true)
	v.SetDefault("escalation_expiry_hours", 48)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
