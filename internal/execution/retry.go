package execution

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"trade-router/internal/confirm"
	"trade-router/internal/submit"
	"trade-router/internal/txbuild"
)

// Policy 控制重试与费用递增。
type Policy struct {
	// MaxRetries 为包括首次在内的最多尝试次数。
	MaxRetries int
	Backoff    time.Duration
	// FeeEscalationBps 使第 n 次尝试的优先费与小费乘以 (1+bps/10000)^(n-1)。
	FeeEscalationBps   int
	Commitment         rpc.CommitmentType
	DefaultPriorityFee uint64
	DefaultTipLamports uint64
}

func (p Policy) normalized() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.FeeEscalationBps < 0 {
		p.FeeEscalationBps = 0
	}
	if p.Commitment == "" {
		p.Commitment = rpc.CommitmentConfirmed
	}
	return p
}

// retryable 判断错误能否通过重新组装后再次发送解决。
func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, confirm.ErrTransactionFailed):
		return false
	case errors.Is(err, confirm.ErrTransactionExpired),
		errors.Is(err, confirm.ErrConfirmationTimeout),
		errors.Is(err, submit.ErrTransportUnavailable),
		errors.Is(err, txbuild.ErrBlockhashUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// escalate 计算第 attempt 次（从 1 开始）尝试的费用。
func escalate(base uint64, bps int, attempt int) uint64 {
	if base == 0 || bps <= 0 || attempt <= 1 {
		return base
	}
	n := int64(attempt - 1)
	num := new(big.Int).Exp(big.NewInt(int64(10_000+bps)), big.NewInt(n), nil)
	den := new(big.Int).Exp(big.NewInt(10_000), big.NewInt(n), nil)
	v := new(big.Int).SetUint64(base)
	v.Mul(v, num)
	v.Quo(v, den)
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
