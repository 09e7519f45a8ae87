package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"trade-router/internal/app"
	"trade-router/internal/config"
	"trade-router/internal/execution"
	"trade-router/internal/log"
	"trade-router/internal/store"
	"trade-router/internal/venue"
)

type tradeFlags struct {
	side        string
	mint        string
	amount      string
	percent     string
	slippageBps int
	tip         int64
	priorityFee int64
}

func main() {
	var (
		configPath string
		serve      bool
		tf         tradeFlags
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&serve, "serve", false, "仅启动监控与下单接口")
	flag.StringVar(&tf.side, "side", "buy", "交易方向 buy|sell")
	flag.StringVar(&tf.mint, "mint", "", "资产 mint 地址")
	flag.StringVar(&tf.amount, "amount", "", "人类可读数量，如 0.5")
	flag.StringVar(&tf.percent, "percent", "", "卖出持仓比例，如 50")
	flag.IntVar(&tf.slippageBps, "slippage", 300, "允许滑点（基点）")
	flag.Int64Var(&tf.tip, "tip", -1, "中继小费 lamports，负数表示使用默认值")
	flag.Int64Var(&tf.priorityFee, "priority-fee", -1, "优先费 micro-lamports/CU，负数表示使用默认值")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	routerApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化交易路由失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serve {
		if err := routerApp.Serve(ctx); err != nil {
			logger.Error("系统运行异常", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("系统已安全退出")
		return
	}

	req, err := tf.request()
	if err != nil {
		logger.Error("交易参数非法", zap.Error(err))
		os.Exit(2)
	}
	result, err := routerApp.Trade(ctx, req)
	if err != nil {
		logger.Error("交易失败", zap.Error(err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Warn("输出交易结果失败", zap.Error(err))
	}
}

func (f tradeFlags) request() (execution.TradeRequest, error) {
	side := venue.Side(f.side)
	if !side.Valid() {
		return execution.TradeRequest{}, fmt.Errorf("不支持的方向 %q", f.side)
	}
	if f.mint == "" {
		return execution.TradeRequest{}, fmt.Errorf("缺少 -mint")
	}
	mint, err := solana.PublicKeyFromBase58(f.mint)
	if err != nil {
		return execution.TradeRequest{}, fmt.Errorf("mint 非法: %w", err)
	}

	req := execution.TradeRequest{
		Side:        side,
		Mint:        mint,
		Amount:      f.amount,
		Percent:     f.percent,
		SlippageBps: f.slippageBps,
	}
	if f.tip >= 0 {
		tip := uint64(f.tip)
		req.TipLamports = &tip
	}
	if f.priorityFee >= 0 {
		fee := uint64(f.priorityFee)
		req.PriorityFee = &fee
	}
	return req, nil
}
