package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"trade-router/internal/config"
	"trade-router/internal/execution"
	"trade-router/internal/monitor"
	"trade-router/internal/signer"
	"trade-router/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	routing *execution.RoutingContext
	monitor *monitor.Service
	trader  execution.Trader
	signer  signer.Signer
}

// New 创建 App 实例，装配路由上下文、交易流水与执行器。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	routing, err := execution.NewRoutingContext(cfg, logger)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, logger, st, routing)
}

func assemble(cfg *config.Config, logger *zap.Logger, st *store.Store, routing *execution.RoutingContext) (*App, error) {
	wallet, err := signer.FromBase58(cfg.Wallet.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("app: 加载钱包失败: %w", err)
	}

	svc, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		routing: routing,
		monitor: svc,
		trader:  newLanes(routing.NewExecutor(svc)),
		signer:  wallet,
	}, nil
}

// Wallet 返回配置的签名者。
func (a *App) Wallet() signer.Signer {
	return a.signer
}

// Trade 使用配置的钱包执行一笔交易，同一资产的交易串行执行。
func (a *App) Trade(ctx context.Context, req execution.TradeRequest) (execution.TradeResult, error) {
	if req.Signer == nil {
		req.Signer = a.signer
	}
	return a.trader.ExecuteTrade(ctx, req)
}

// Serve 启动监控接口并阻塞直到收到退出信号。
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("交易路由已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.Submission.Mode),
		zap.Bool("dry_run", a.cfg.Submission.DryRun),
		zap.String("wallet", a.signer.PublicKey().String()),
	)

	if !a.cfg.Monitor.Enabled {
		return errors.New("app: monitor.enabled=false，无可服务的接口")
	}
	if err := startMonitorServer(ctx, a.newRouter(), a.cfg.Monitor.Port, a.logger); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) newRouter() http.Handler {
	api := &apiRouter{
		journal: a.monitor,
		trader:  a.trader,
		venues:  a.routing.Router,
		wallet:  a.signer,
		logger:  a.logger.Named("api"),
	}
	return api.routes()
}
