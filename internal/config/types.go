package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Optimizer    OptimizerConfig    `mapstructure:"optimizer"`
	Venue        VenueConfig        `mapstructure:"venue"`
	Assembly     AssemblyConfig     `mapstructure:"assembly"`
	Submission   SubmissionConfig   `mapstructure:"submission"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Wallet       WalletConfig       `mapstructure:"wallet"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// RPCConfig 描述链上 RPC 节点。
type RPCConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	WSEndpoint string        `mapstructure:"ws_endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 控制只读 RPC 调用的重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RelayConfig 描述加速中继通道。
type RelayConfig struct {
	Endpoint           string   `mapstructure:"endpoint"`
	TipAccounts        []string `mapstructure:"tip_accounts"`
	DefaultTipLamports uint64   `mapstructure:"default_tip_lamports"`
}

// OptimizerConfig 描述交易优化服务（smart 通道）。
type OptimizerConfig struct {
	Endpoint             string `mapstructure:"endpoint"`
	PriorityLevel        string `mapstructure:"priority_level"`
	ComputeUnitMarginBps int    `mapstructure:"compute_unit_margin_bps"`
	MinComputeUnits      uint32 `mapstructure:"min_compute_units"`
}

// VenueConfig 描述交易场所查询服务。
type VenueConfig struct {
	CurveProgram  string        `mapstructure:"curve_program"`
	QuoteEndpoint string        `mapstructure:"quote_endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// AssemblyConfig 控制交易组装参数。
type AssemblyConfig struct {
	ComputeUnitLimit   uint32 `mapstructure:"compute_unit_limit"`
	DefaultPriorityFee uint64 `mapstructure:"default_priority_fee"`
}

// SubmissionConfig 控制发送与重试行为。
type SubmissionConfig struct {
	Mode             string        `mapstructure:"mode"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Backoff          time.Duration `mapstructure:"backoff"`
	FeeEscalationBps int           `mapstructure:"fee_escalation_bps"`
	Commitment       string        `mapstructure:"commitment"`
	DryRun           bool          `mapstructure:"dry_run"`
}

// ConfirmationConfig 控制确认轮询。
type ConfirmationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// WalletConfig 保存签名私钥，仅在启动时解码一次。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件，Path 为空时不写文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// 发送模式。
const (
	ModeRPC   = "rpc"
	ModeRelay = "relay"
	ModeSmart = "smart"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.RPC.Endpoint == "" {
		err = multierr.Append(err, errors.New("rpc.endpoint 不能为空"))
	}
	if c.RPC.Timeout <= 0 {
		err = multierr.Append(err, errors.New("rpc.timeout 必须大于0"))
	}
	if c.RPC.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("rpc.retry.max_attempts 必须大于0"))
	}
	if c.RPC.Retry.MinDelay <= 0 || c.RPC.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("rpc.retry.delay 必须为正"))
	}
	if c.RPC.Retry.MinDelay > c.RPC.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("rpc.retry.min_delay 不能大于 max_delay"))
	}
	if c.Venue.CurveProgram == "" {
		err = multierr.Append(err, errors.New("venue.curve_program 不能为空"))
	}
	if c.Venue.QuoteEndpoint == "" {
		err = multierr.Append(err, errors.New("venue.quote_endpoint 不能为空"))
	}
	if c.Venue.Timeout <= 0 {
		err = multierr.Append(err, errors.New("venue.timeout 必须大于0"))
	}
	if c.Venue.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("venue.cache_ttl 不能为负"))
	}
	if c.Assembly.ComputeUnitLimit == 0 {
		err = multierr.Append(err, errors.New("assembly.compute_unit_limit 必须大于0"))
	}

	switch strings.ToLower(c.Submission.Mode) {
	case ModeRPC:
	case ModeRelay:
		if c.Relay.Endpoint == "" {
			err = multierr.Append(err, errors.New("relay 模式需要配置 relay.endpoint"))
		}
		if len(c.Relay.TipAccounts) == 0 {
			err = multierr.Append(err, errors.New("relay 模式需要配置 relay.tip_accounts"))
		}
		if c.Relay.DefaultTipLamports == 0 {
			err = multierr.Append(err, errors.New("relay 模式需要配置 relay.default_tip_lamports"))
		}
	case ModeSmart:
		if c.Optimizer.Endpoint == "" {
			err = multierr.Append(err, errors.New("smart 模式需要配置 optimizer.endpoint"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("submission.mode 不支持 %q", c.Submission.Mode))
	}
	if c.Submission.MaxRetries <= 0 {
		err = multierr.Append(err, errors.New("submission.max_retries 必须大于0"))
	}
	if c.Submission.Backoff < 0 {
		err = multierr.Append(err, errors.New("submission.backoff 不能为负"))
	}
	if c.Submission.FeeEscalationBps < 0 {
		err = multierr.Append(err, errors.New("submission.fee_escalation_bps 不能为负"))
	}
	switch c.Submission.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		err = multierr.Append(err, fmt.Errorf("submission.commitment 不支持 %q", c.Submission.Commitment))
	}
	if c.Optimizer.ComputeUnitMarginBps < 0 {
		err = multierr.Append(err, errors.New("optimizer.compute_unit_margin_bps 不能为负"))
	}
	if c.Confirmation.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("confirmation.poll_interval 必须大于0"))
	}
	if c.Confirmation.Timeout <= 0 {
		err = multierr.Append(err, errors.New("confirmation.timeout 必须大于0"))
	}
	if c.Wallet.PrivateKey == "" {
		err = multierr.Append(err, errors.New("wallet.private_key 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
