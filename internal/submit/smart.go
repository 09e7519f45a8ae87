package submit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"trade-router/internal/config"
	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

const maxComputeUnits = 1_400_000

type optimizer interface {
	PriorityFeeEstimate(ctx context.Context, accounts []solana.PublicKey, level string) (uint64, error)
	Simulate(ctx context.Context, tx *solana.Transaction, commitment rpc.CommitmentType) (*rpc.SimulateTransactionResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// SmartTransport 先通过优化服务估算优先费与计算单元再发送，
// 该路径任何错误都会改用标准广播，且只回退一次。
type SmartTransport struct {
	optimizer optimizer
	fallback  Transport
	cfg       config.OptimizerConfig
	logger    *zap.Logger
}

// NewSmartTransport 创建 smart 通道，fallback 通常为 RPCTransport。
func NewSmartTransport(opt optimizer, fallback Transport, cfg config.OptimizerConfig, logger *zap.Logger) *SmartTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SmartTransport{optimizer: opt, fallback: fallback, cfg: cfg, logger: logger}
}

func (t *SmartTransport) Name() string { return NameSmart }

// Send 尝试优化路径，失败时把交易交给标准广播。
// 优化后的交易若已签名，回退时沿用它，签名相同，节点不会重复执行。
func (t *SmartTransport) Send(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (Receipt, error) {
	optimized, sig, err := t.sendOptimized(ctx, built, s)
	if err == nil {
		t.logger.Info("交易已通过优化服务发送",
			zap.String("transport", NameSmart),
			zap.String("signature", sig.String()),
			zap.Uint32("compute_unit_limit", optimized.ComputeUnitLimit),
			zap.Uint64("priority_fee", optimized.PriorityFee),
		)
		return Receipt{Signature: sig, Transport: NameSmart, Built: optimized}, nil
	}
	if errors.Is(err, context.Canceled) {
		return Receipt{}, err
	}

	target := built
	if optimized != nil {
		target = optimized
	}
	t.logger.Warn("优化发送失败，回退标准广播",
		zap.String("fallback", t.fallback.Name()),
		zap.Error(err),
	)

	receipt, fbErr := t.fallback.Send(ctx, target, s)
	if fbErr != nil {
		return Receipt{}, fmt.Errorf("submit: smart 通道失败(%v)，回退失败: %w", err, fbErr)
	}
	receipt.Fallback = true
	return receipt, nil
}

// sendOptimized 返回的交易在签名成功后非空，即使发送失败。
func (t *SmartTransport) sendOptimized(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (*txbuild.BuiltTransaction, solana.Signature, error) {
	fee, err := t.optimizer.PriorityFeeEstimate(ctx, built.Tx.Message.AccountKeys, t.cfg.PriorityLevel)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("submit: 优先费估计失败: %w", err)
	}
	if built.PriorityFee > fee {
		fee = built.PriorityFee
	}

	probe, err := signer.SignTransaction(built.Tx, s)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("submit: %w", err)
	}
	sim, err := t.optimizer.Simulate(ctx, probe, rpc.CommitmentProcessed)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("submit: 模拟失败: %w", err)
	}
	if sim.Err != nil {
		return nil, solana.Signature{}, fmt.Errorf("submit: 模拟执行出错: %v", sim.Err)
	}
	if sim.UnitsConsumed == nil || *sim.UnitsConsumed == 0 {
		return nil, solana.Signature{}, errors.New("submit: 模拟未返回计算单元")
	}

	limit := ComputeUnitLimit(*sim.UnitsConsumed, t.cfg.ComputeUnitMarginBps, t.cfg.MinComputeUnits)
	optimized, err := built.WithComputeBudget(limit, fee)
	if err != nil {
		return nil, solana.Signature{}, err
	}
	signed, err := signer.SignTransaction(optimized.Tx, s)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("submit: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, solana.Signature{}, err
	}

	sig, err := t.optimizer.SendTransaction(ctx, signed, sendOpts())
	if err != nil {
		return optimized, solana.Signature{}, classifySendError(NameSmart, err)
	}
	return optimized, sig, nil
}

// ComputeUnitLimit 在模拟消耗上加余量，并限制在 [min, 1.4M]。
func ComputeUnitLimit(consumed uint64, marginBps int, minUnits uint32) uint32 {
	if marginBps < 0 {
		marginBps = 0
	}
	v := new(big.Int).SetUint64(consumed)
	v.Mul(v, big.NewInt(int64(10_000+marginBps)))
	v.Quo(v, big.NewInt(10_000))

	limit := uint64(maxComputeUnits)
	if v.IsUint64() && v.Uint64() < limit {
		limit = v.Uint64()
	}
	if limit < uint64(minUnits) {
		limit = uint64(minUnits)
	}
	if limit > maxComputeUnits {
		limit = maxComputeUnits
	}
	return uint32(limit)
}
