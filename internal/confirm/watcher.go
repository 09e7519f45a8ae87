// Package confirm 跟踪已发送交易直到确认、失败或区块哈希过期。
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"trade-router/internal/config"
)

var (
	// ErrTransactionExpired 表示区块哈希已过期且交易未上链，可重新组装。
	ErrTransactionExpired = errors.New("transaction expired")
	// ErrTransactionFailed 表示交易已上链但执行失败，不可重试。
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrConfirmationTimeout 表示在限定时间内未观察到确认。
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// Status 为确认结果。
type Status string

const (
	StatusLanded  Status = "landed"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Request 描述待确认的交易。
type Request struct {
	Signature            solana.Signature
	LastValidBlockHeight uint64
	Commitment           rpc.CommitmentType
}

// Outcome 为确认的最终状态。
type Outcome struct {
	Status    Status
	Signature solana.Signature
	Slot      uint64
	// Reason 为链上错误描述，仅在失败时设置。
	Reason string
	Polls  int
}

type statusReader interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
	BlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Notifier 在签名状态可能变化时发出通知，用于提前唤醒轮询。
type Notifier interface {
	Subscribe(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (<-chan struct{}, error)
}

// Watcher 轮询签名状态。
type Watcher struct {
	reader   statusReader
	notifier Notifier
	cfg      config.ConfirmationConfig
	logger   *zap.Logger
}

// NewWatcher 创建确认器，notifier 可为空。
func NewWatcher(reader statusReader, notifier Notifier, cfg config.ConfirmationConfig, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Watcher{reader: reader, notifier: notifier, cfg: cfg, logger: logger}
}

// Confirm 阻塞直到交易达到请求的确认级别。链上执行错误返回
// ErrTransactionFailed，区块高度超过 LastValidBlockHeight 且签名未出现时返回
// ErrTransactionExpired。只有签名而无确认不视为成功。
func (w *Watcher) Confirm(ctx context.Context, req Request) (Outcome, error) {
	if req.Commitment == "" {
		req.Commitment = rpc.CommitmentConfirmed
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var wake <-chan struct{}
	if w.notifier != nil {
		ch, err := w.notifier.Subscribe(ctx, req.Signature, req.Commitment)
		if err != nil {
			w.logger.Debug("签名订阅失败，仅使用轮询", zap.Error(err))
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	outcome := Outcome{Signature: req.Signature}
	for {
		outcome.Polls++
		done, err := w.poll(ctx, req, &outcome)
		if done || err != nil {
			return outcome, err
		}

		select {
		case <-ctx.Done():
			return outcome, w.deadline(ctx, req)
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context, req Request, outcome *Outcome) (bool, error) {
	status, err := w.reader.SignatureStatus(ctx, req.Signature)
	if err != nil {
		if ctx.Err() != nil {
			return true, w.deadline(ctx, req)
		}
		w.logger.Debug("查询签名状态失败", zap.String("signature", req.Signature.String()), zap.Error(err))
		return false, nil
	}

	if status != nil {
		outcome.Slot = status.Slot
		if status.Err != nil {
			outcome.Status = StatusFailed
			outcome.Reason = describe(status.Err)
			w.logger.Warn("交易执行失败",
				zap.String("signature", req.Signature.String()),
				zap.String("reason", outcome.Reason),
			)
			return true, fmt.Errorf("%w: %s", ErrTransactionFailed, outcome.Reason)
		}
		if reached(status.ConfirmationStatus, req.Commitment) {
			outcome.Status = StatusLanded
			w.logger.Info("交易已确认",
				zap.String("signature", req.Signature.String()),
				zap.Uint64("slot", status.Slot),
				zap.String("commitment", string(status.ConfirmationStatus)),
				zap.Int("polls", outcome.Polls),
			)
			return true, nil
		}
		// 已被打包的交易不会因区块哈希过期而失效
		return false, nil
	}

	height, err := w.reader.BlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		if ctx.Err() != nil {
			return true, w.deadline(ctx, req)
		}
		return false, nil
	}
	if height > req.LastValidBlockHeight {
		outcome.Status = StatusExpired
		w.logger.Info("区块哈希已过期，交易未上链",
			zap.String("signature", req.Signature.String()),
			zap.Uint64("block_height", height),
			zap.Uint64("last_valid_block_height", req.LastValidBlockHeight),
		)
		return true, fmt.Errorf("%w: block height %d > %d", ErrTransactionExpired, height, req.LastValidBlockHeight)
	}
	return false, nil
}

func (w *Watcher) deadline(ctx context.Context, req Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConfirmationTimeout, req.Signature)
	}
	return ctx.Err()
}

var commitmentRank = map[string]int{
	string(rpc.CommitmentProcessed): 1,
	string(rpc.CommitmentConfirmed): 2,
	string(rpc.CommitmentFinalized): 3,
}

func reached(got rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	g, ok := commitmentRank[string(got)]
	if !ok {
		return false
	}
	return g >= commitmentRank[string(want)]
}

func describe(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
