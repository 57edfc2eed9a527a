package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "jmtaker"
)

// Load reads the configuration file and applies environment overrides.
// Validation is the caller's step: CLI flags may still override the
// schedule section after loading.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("bitcoin.network", "mainnet")

	v.SetDefault("wallet.mixdepths", 5)
	v.SetDefault("wallet.gap_limit", 6)
	v.SetDefault("wallet.fast_sync", false)

	v.SetDefault("daemon.host", "localhost")
	v.SetDefault("daemon.port", 27183)
	v.SetDefault("daemon.simulation", false)
	v.SetDefault("daemon.tick_interval", "10s")

	v.SetDefault("taker.tx_fee", -1)
	v.SetDefault("taker.fee_rate_per_kvb", 20000)
	v.SetDefault("taker.wait_time", "15s")
	v.SetDefault("taker.maker_count", 0)
	v.SetDefault("taker.policy", PolicyWeighted)
	v.SetDefault("taker.answer_yes", false)

	v.SetDefault("schedule.file", "")
	v.SetDefault("schedule.mixdepth", 0)
	v.SetDefault("schedule.amount", 0)
	v.SetDefault("schedule.destination", "")

	v.SetDefault("database.path", "data/jmtaker.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 62601)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
