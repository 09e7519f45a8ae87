package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"trade-router/internal/chain"
	"trade-router/internal/config"
	"trade-router/internal/confirm"
	"trade-router/internal/submit"
	"trade-router/internal/txbuild"
	"trade-router/internal/venue"
)

// RoutingContext 持有一个环境下的全部客户端与配置，按调用传入，不使用全局单例。
type RoutingContext struct {
	Config    *config.Config
	Chain     *chain.Client
	Relay     *chain.Client
	Optimizer *chain.Client
	Venues    venue.Provider
	Router    *venue.Router
	Assembler *txbuild.Assembler
	Watcher   *confirm.Watcher
	Transport submit.Transport
	Logger    *zap.Logger
}

// NewRoutingContext 根据配置构造全部客户端。
func NewRoutingContext(cfg *config.Config, logger *zap.Logger) (*RoutingContext, error) {
	if cfg == nil {
		return nil, errors.New("execution: 配置为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewRoutingContextWith(cfg, chain.NewClient(cfg.RPC, logger.Named("chain")), venue.NewHTTPProvider(cfg.Venue, logger.Named("venue")), logger)
}

// NewRoutingContextWith 使用给定的链客户端与场所服务装配其余组件。
func NewRoutingContextWith(cfg *config.Config, chainClient *chain.Client, venues venue.Provider, logger *zap.Logger) (*RoutingContext, error) {
	if cfg == nil {
		return nil, errors.New("execution: 配置为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	program, err := solana.PublicKeyFromBase58(cfg.Venue.CurveProgram)
	if err != nil {
		return nil, fmt.Errorf("execution: venue.curve_program 无效: %w", err)
	}
	rc := &RoutingContext{Config: cfg, Chain: chainClient, Venues: venues, Logger: logger}
	if err := rc.wire(program); err != nil {
		return nil, err
	}
	return rc, nil
}

func (rc *RoutingContext) wire(program solana.PublicKey) error {
	cfg, logger := rc.Config, rc.Logger

	rc.Router = venue.NewRouter(rc.Chain, program, cfg.Venue.CacheTTL, logger.Named("router"))
	rc.Assembler = txbuild.NewAssembler(rc.Chain, rc.Venues, cfg.Assembly, logger.Named("assembler"))

	var notifier confirm.Notifier
	if n := confirm.NewWSNotifier(cfg.RPC.WSEndpoint, logger.Named("ws")); n != nil {
		notifier = n
	}
	rc.Watcher = confirm.NewWatcher(rc.Chain, notifier, cfg.Confirmation, logger.Named("confirm"))

	transport, err := rc.newTransport()
	if err != nil {
		return err
	}
	rc.Transport = transport
	return nil
}

func (rc *RoutingContext) newTransport() (submit.Transport, error) {
	cfg, logger := rc.Config, rc.Logger.Named("submit")

	if cfg.Submission.DryRun {
		return submit.NewSimulateTransport(rc.Chain, rpc.CommitmentType(cfg.Submission.Commitment), logger), nil
	}

	standard := submit.NewRPCTransport(rc.Chain, logger)
	switch strings.ToLower(cfg.Submission.Mode) {
	case config.ModeRPC, "":
		return standard, nil
	case config.ModeRelay:
		tips, err := submit.ParseTipAccounts(cfg.Relay.TipAccounts)
		if err != nil {
			return nil, err
		}
		rc.Relay = chain.NewClient(sendOnly(cfg.RPC, cfg.Relay.Endpoint), logger.Named("relay"))
		return submit.NewRelayTransport(rc.Relay, tips, logger)
	case config.ModeSmart:
		rc.Optimizer = chain.NewClient(sendOnly(cfg.RPC, cfg.Optimizer.Endpoint), logger.Named("optimizer"))
		return submit.NewSmartTransport(rc.Optimizer, standard, cfg.Optimizer, logger), nil
	default:
		return nil, fmt.Errorf("execution: 不支持的发送模式 %q", cfg.Submission.Mode)
	}
}

func sendOnly(base config.RPCConfig, endpoint string) config.RPCConfig {
	return config.RPCConfig{
		Endpoint: endpoint,
		Timeout:  base.Timeout,
		Retry:    config.RetryConfig{MaxAttempts: 1},
	}
}

// Policy 返回配置对应的重试策略。
func (rc *RoutingContext) Policy() Policy {
	cfg := rc.Config
	return Policy{
		MaxRetries:         cfg.Submission.MaxRetries,
		Backoff:            cfg.Submission.Backoff,
		FeeEscalationBps:   cfg.Submission.FeeEscalationBps,
		Commitment:         rpc.CommitmentType(cfg.Submission.Commitment),
		DefaultPriorityFee: cfg.Assembly.DefaultPriorityFee,
		DefaultTipLamports: cfg.Relay.DefaultTipLamports,
	}
}

// NewExecutor 基于上下文创建执行器，recorder 可为空。
func (rc *RoutingContext) NewExecutor(recorder Recorder) *Executor {
	return NewExecutor(Deps{
		Router:    rc.Router,
		Assembler: rc.Assembler,
		Transport: rc.Transport,
		Watcher:   rc.Watcher,
		Balances:  rc.Chain,
		Recorder:  recorder,
	}, rc.Policy(), rc.Logger.Named("executor"))
}
