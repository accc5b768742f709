package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ClientConfig drives the pairing client: where the service lives and the
// timing bounds of the handshake, retry and reconciliation steps.
type ClientConfig struct {
	ServerURL       string        `mapstructure:"server_url"`
	IdentityTimeout time.Duration `mapstructure:"identity_timeout"`
	PairingRetries  int           `mapstructure:"pairing_retries"`
	PairingBackoff  time.Duration `mapstructure:"pairing_backoff"`
	ReconcileAfter  time.Duration `mapstructure:"reconcile_after"`
	QualityInterval time.Duration `mapstructure:"quality_interval"`
	STUNServers     []string      `mapstructure:"stun_servers"`
}

// ServerConfig drives the reference pairing service.
type ServerConfig struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	SessionIdle   time.Duration `mapstructure:"session_idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("client.server_url", "http://127.0.0.1:8081")
	v.SetDefault("client.identity_timeout", "10s")
	v.SetDefault("client.pairing_retries", 3)
	v.SetDefault("client.pairing_backoff", "500ms")
	v.SetDefault("client.reconcile_after", "15s")
	v.SetDefault("client.quality_interval", "5s")
	v.SetDefault("client.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.secret", "roulette-dev-secret")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.send_buffer", 32)
	v.SetDefault("server.session_idle", "30m")
	v.SetDefault("server.sweep_interval", "5m")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
