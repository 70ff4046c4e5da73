package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/akriventsev/fincore/framework/core"
)

// EnvPrefix префикс переменных окружения: FINCORE_GATEWAY_ADDR переопределяет gateway.addr
const EnvPrefix = "FINCORE"

// Load читает конфигурацию поверх DefaultConfig: сначала файл path (если задан),
// затем переменные окружения. Результат проходит Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, core.Wrap(err, core.ErrInvalidConfig, fmt.Sprintf("config file %s is not readable", path))
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, core.Wrap(err, core.ErrInvalidConfig, fmt.Sprintf("failed to parse %s", path))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteYAML печатает конфигурацию в YAML; секреты маскируются
func (c *Config) WriteYAML(w io.Writer) error {
	redacted := *c
	redacted.Redis.Password = mask(c.Redis.Password)
	redacted.Broker.NATS.Token = mask(c.Broker.NATS.Token)
	redacted.Database.DSN = mask(c.Database.DSN)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// ParseLevel разбирает уровень логирования
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown log.level %q", level))
	}
	return l, nil
}

// NewLogger создает slog.Logger по настройкам log.*
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
