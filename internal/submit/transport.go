// Package submit 实现交易发送通道。通道只负责签名并发送一次，
// 重试由执行器负责，以便每次重试都能用新的区块哈希重新组装。
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"trade-router/internal/chain"
	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

var (
	// ErrTransportUnavailable 表示发送通道暂不可用，可重试。
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrRejected 表示节点明确拒绝了交易。
	ErrRejected = errors.New("transaction rejected")
	// ErrMissingTip 表示中继通道的交易缺少小费指令。
	ErrMissingTip = errors.New("relay transaction missing tip")
)

// 通道名称。
const (
	NameRPC      = "rpc"
	NameRelay    = "relay"
	NameSmart    = "smart"
	NameSimulate = "simulate"
)

// Transport 为发送通道的统一接口。
type Transport interface {
	Name() string
	Send(ctx context.Context, built *txbuild.BuiltTransaction, s signer.Signer) (Receipt, error)
}

// Tipper 由需要小费指令的通道实现。
type Tipper interface {
	TipAccount() solana.PublicKey
}

// Receipt 描述一次已被节点接受的发送。签名本身不代表成交。
type Receipt struct {
	Signature solana.Signature
	// Transport 为实际完成发送的通道。
	Transport string
	// Built 为实际发送的交易，smart 通道可能替换计算预算。
	Built *txbuild.BuiltTransaction
	// Fallback 表示 smart 通道失败后改用标准广播。
	Fallback bool

	Simulated     bool
	UnitsConsumed uint64
	Logs          []string
}

type sender interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// classifySendError 把发送错误映射为可重试或拒绝。
func classifySendError(transport string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || chain.IsRetryable(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, transport, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "blockhash not found") {
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, transport, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRejected, transport, err)
}

func sendOpts() rpc.TransactionOpts {
	return rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentProcessed,
	}
}
