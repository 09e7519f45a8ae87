package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	lookup "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"trade-router/internal/config"
)

// Blockhash 为最近区块哈希及其有效高度。
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// Account 为原始账户数据。
type Account struct {
	Owner solana.PublicKey
	Data  []byte
}

// Client 封装链上 RPC，并为只读调用实现重试机制。
// 发送交易不在此重试，由上层重新组装后再发。
type Client struct {
	cfg    config.RPCConfig
	logger *zap.Logger
	rpc    *rpc.Client
}

// NewClient 构造 RPC 客户端。
func NewClient(cfg config.RPCConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		rpc:    rpc.New(cfg.Endpoint),
	}
}

// Raw 返回底层 rpc 客户端。
func (c *Client) Raw() *rpc.Client {
	return c.rpc
}

// LatestBlockhash 获取最近区块哈希。
func (c *Client) LatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (Blockhash, error) {
	var out Blockhash
	err := c.callWithRetry(ctx, "get_latest_blockhash", func(ctx context.Context) error {
		res, err := c.rpc.GetLatestBlockhash(ctx, commitment)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return errors.New("chain: 区块哈希响应为空")
		}
		out = Blockhash{
			Hash:                 res.Value.Blockhash,
			LastValidBlockHeight: res.Value.LastValidBlockHeight,
		}
		return nil
	})
	return out, err
}

// GetAccount 读取账户数据，不存在时返回 ErrAccountNotFound。
func (c *Client) GetAccount(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (Account, error) {
	var out Account
	err := c.callWithRetry(ctx, "get_account_info", func(ctx context.Context) error {
		res, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: commitment,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
			}
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		out = Account{
			Owner: res.Value.Owner,
			Data:  res.Value.Data.GetBinary(),
		}
		return nil
	})
	return out, err
}

// LookupTable 读取地址查找表中的全部地址。
func (c *Client) LookupTable(ctx context.Context, address solana.PublicKey) (solana.PublicKeySlice, error) {
	account, err := c.GetAccount(ctx, address, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}
	state, err := lookup.DecodeAddressLookupTableState(account.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: 解析查找表 %s 失败: %w", address, err)
	}
	return state.Addresses, nil
}

// MintDecimals 读取代币精度。
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	account, err := c.GetAccount(ctx, mint, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	var state token.Mint
	if err := bin.NewBinDecoder(account.Data).Decode(&state); err != nil {
		return 0, fmt.Errorf("chain: 解析 mint %s 失败: %w", mint, err)
	}
	return state.Decimals, nil
}

// NativeBalance 返回账户原生余额（lamports）。
func (c *Client) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var out uint64
	err := c.callWithRetry(ctx, "get_balance", func(ctx context.Context) error {
		res, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		out = res.Value
		return nil
	})
	return out, err
}

// TokenBalance 返回 owner 关联代币账户的余额（最小单位）。
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("chain: 推导关联账户失败: %w", err)
	}

	var out uint64
	err = c.callWithRetry(ctx, "get_token_account_balance", func(ctx context.Context) error {
		res, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, ata)
			}
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, ata)
		}
		v, parseErr := strconv.ParseUint(res.Value.Amount, 10, 64)
		if parseErr != nil {
			return fmt.Errorf("chain: 解析余额 %q 失败: %w", res.Value.Amount, parseErr)
		}
		out = v
		return nil
	})
	return out, err
}

// BlockHeight 返回当前区块高度。
func (c *Client) BlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	var out uint64
	err := c.callWithRetry(ctx, "get_block_height", func(ctx context.Context) error {
		h, err := c.rpc.GetBlockHeight(ctx, commitment)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// SignatureStatus 查询单个签名状态，尚未被节点看到时返回 nil。
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.SignatureStatusesResult
	err := c.callWithRetry(ctx, "get_signature_statuses", func(ctx context.Context) error {
		res, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return err
		}
		if res != nil && len(res.Value) > 0 {
			out = res.Value[0]
		}
		return nil
	})
	return out, err
}

// SendTransaction 发送已签名交易，不做重试。
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

// Simulate 模拟执行交易。
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, commitment rpc.CommitmentType) (*rpc.SimulateTransactionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             commitment,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, errors.New("chain: 模拟结果为空")
	}
	return res.Value, nil
}

// PriorityFeeEstimate 向优化服务查询涉及账户的优先费估计（micro-lamports/CU），不重试。
func (c *Client) PriorityFeeEstimate(ctx context.Context, accounts []solana.PublicKey, level string) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	keys := make([]string, 0, len(accounts))
	for _, a := range accounts {
		keys = append(keys, a.String())
	}
	params := map[string]interface{}{"accountKeys": keys}
	if level != "" {
		params["options"] = map[string]interface{}{"priorityLevel": level}
	}

	var out struct {
		PriorityFeeEstimate *float64 `json:"priorityFeeEstimate"`
	}
	if err := c.rpc.RPCCallForInto(ctx, &out, "getPriorityFeeEstimate", []interface{}{params}); err != nil {
		return 0, err
	}
	if out.PriorityFeeEstimate == nil {
		return 0, errors.New("chain: 优先费估计为空")
	}
	v := *out.PriorityFeeEstimate
	if math.IsNaN(v) || v < 0 || v > math.MaxUint64/2 {
		return 0, fmt.Errorf("chain: 优先费估计无效: %v", v)
	}
	return uint64(math.Ceil(v)), nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		callCtx, cancel := c.withTimeout(ctx)
		err := fn(callCtx)
		callTimedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("RPC 调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if ctx.Err() != nil {
			return err
		}
		retryable := callTimedOut || IsRetryable(err)
		if !retryable || attempt >= maxAttempts {
			if !errors.Is(err, ErrAccountNotFound) {
				c.logger.Warn("RPC 调用失败",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
					zap.Error(err),
				)
			}
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Debug("RPC 调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
