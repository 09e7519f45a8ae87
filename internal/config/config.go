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
	envPrefix         = "router"
)

// Load 读取配置文件并结合环境变量返回 Config。
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
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("rpc.endpoint", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.ws_endpoint", "")
	v.SetDefault("rpc.timeout", "10s")
	v.SetDefault("rpc.retry.max_attempts", 3)
	v.SetDefault("rpc.retry.min_delay", "250ms")
	v.SetDefault("rpc.retry.max_delay", "2s")

	v.SetDefault("relay.endpoint", "")
	v.SetDefault("relay.tip_accounts", []string{})
	v.SetDefault("relay.default_tip_lamports", 100000)

	v.SetDefault("optimizer.endpoint", "")
	v.SetDefault("optimizer.priority_level", "High")
	v.SetDefault("optimizer.compute_unit_margin_bps", 1000)
	v.SetDefault("optimizer.min_compute_units", 1000)

	v.SetDefault("venue.curve_program", "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	v.SetDefault("venue.quote_endpoint", "")
	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.timeout", "5s")
	v.SetDefault("venue.cache_ttl", "3s")

	v.SetDefault("assembly.compute_unit_limit", 200000)
	v.SetDefault("assembly.default_priority_fee", 0)

	v.SetDefault("submission.mode", ModeRPC)
	v.SetDefault("submission.max_retries", 3)
	v.SetDefault("submission.backoff", "2s")
	v.SetDefault("submission.fee_escalation_bps", 0)
	v.SetDefault("submission.commitment", "confirmed")
	v.SetDefault("submission.dry_run", false)

	v.SetDefault("confirmation.poll_interval", "500ms")
	v.SetDefault("confirmation.timeout", "90s")

	v.SetDefault("wallet.private_key", "")

	v.SetDefault("database.path", "data/trade_router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 10)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 7)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 8089)
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
