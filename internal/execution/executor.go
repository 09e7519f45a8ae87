package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trade-router/internal/amount"
	"trade-router/internal/confirm"
	"trade-router/internal/submit"
	"trade-router/internal/txbuild"
	"trade-router/internal/venue"
)

type venueRouter interface {
	Route(ctx context.Context, mint solana.PublicKey) (venue.State, venue.Kind, error)
}

type assembler interface {
	Assemble(ctx context.Context, p txbuild.Params) (*txbuild.BuiltTransaction, error)
}

type confirmer interface {
	Confirm(ctx context.Context, req confirm.Request) (confirm.Outcome, error)
}

type balanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// Recorder 记录交易尝试与最终结果，写入失败不影响交易。
type Recorder interface {
	RecordAttempt(ctx context.Context, tradeID string, attempt SubmissionAttempt) error
	RecordResult(ctx context.Context, tradeID string, result TradeResult, tradeErr error) error
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(context.Context, string, SubmissionAttempt) error { return nil }
func (nopRecorder) RecordResult(context.Context, string, TradeResult, error) error { return nil }

// Deps 为执行器依赖。
type Deps struct {
	Router    venueRouter
	Assembler assembler
	Transport submit.Transport
	Watcher   confirmer
	Balances  balanceReader
	Recorder  Recorder
}

// Executor 串联路由、换算、组装、发送与确认。
type Executor struct {
	deps   Deps
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewExecutor 创建交易执行器。
func NewExecutor(deps Deps, policy Policy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Executor{
		deps:   deps,
		policy: policy.normalized(),
		logger: logger,
		now:    time.Now,
	}
}

type run struct {
	id       string
	req      TradeRequest
	state    venue.State
	venue    venue.Kind
	amount   amount.TradeAmount
	attempts []SubmissionAttempt
	errs     error
	lastSig  solana.Signature
	started  time.Time
}

// ExecuteTrade 执行一笔交易，返回时交易要么已确认上链，要么已终止。
//
// 同一用户对同一资产的并发交易需由调用方串行化，执行器不持有该锁。
func (e *Executor) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	r := &run{id: uuid.NewString(), req: req, started: e.now().UTC()}
	logger := e.logger.With(
		zap.String("trade_id", r.id),
		zap.String("side", string(req.Side)),
		zap.String("mint", req.Mint.String()),
	)

	if err := validateRequest(req); err != nil {
		return TradeResult{}, e.abort(ctx, r, StageRoutingVenue, err)
	}

	if err := ctx.Err(); err != nil {
		return TradeResult{}, e.abort(ctx, r, StageRoutingVenue, err)
	}
	state, kind, err := e.deps.Router.Route(ctx, req.Mint)
	if err != nil {
		return TradeResult{}, e.abort(ctx, r, StageRoutingVenue, err)
	}
	r.state, r.venue = state, kind
	logger.Info("场所已选定",
		zap.String("venue", string(kind)),
		zap.String("state", string(state.Kind)),
		zap.Uint8("decimals", state.Decimals),
	)

	if err := ctx.Err(); err != nil {
		return TradeResult{}, e.abort(ctx, r, StageConvertingAmount, err)
	}
	amt, err := e.resolveAmount(ctx, req, state.Decimals)
	if err != nil {
		return TradeResult{}, e.abort(ctx, r, StageConvertingAmount, err)
	}
	r.amount = amt

	for attempt := 1; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, e.policy.Backoff); err != nil {
				return TradeResult{}, e.abort(ctx, r, StageAssembling, err)
			}
		}

		result, stage, err := e.attempt(ctx, r, attempt, logger)
		if err == nil {
			return result, nil
		}
		r.errs = multierr.Append(r.errs, fmt.Errorf("attempt %d: %w", attempt, err))

		if !retryable(ctx, err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return TradeResult{}, e.abort(ctx, r, stage, err)
		}
		logger.Warn("尝试失败，准备重新组装",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.policy.MaxRetries),
			zap.String("stage", string(stage)),
			zap.Duration("backoff", e.policy.Backoff),
			zap.Error(err),
		)
	}

	exhausted := fmt.Errorf("%w: %d 次尝试均失败: %w", ErrMaxRetriesExceeded, len(r.attempts), r.errs)
	return TradeResult{}, e.abort(ctx, r, StageSubmitting, exhausted)
}

func (e *Executor) attempt(ctx context.Context, r *run, index int, logger *zap.Logger) (TradeResult, Stage, error) {
	rec := SubmissionAttempt{
		Index:     index,
		Transport: e.deps.Transport.Name(),
		At:        e.now().UTC(),
		Outcome:   AttemptPending,
		Stage:     StageAssembling,
	}

	params := txbuild.Params{
		Side:        r.req.Side,
		Venue:       r.venue,
		Mint:        r.req.Mint,
		Amount:      r.amount,
		Payer:       r.req.Signer.PublicKey(),
		SlippageBps: r.req.SlippageBps,
	}
	if fee := e.priorityFee(r.req, index); fee != nil {
		params.PriorityFee = fee
		rec.PriorityFee = *fee
	}
	if tipper, ok := e.deps.Transport.(submit.Tipper); ok {
		if lamports := e.tipLamports(r.req, index); lamports > 0 {
			params.Tip = &txbuild.Tip{Lamports: lamports, Account: tipper.TipAccount()}
			rec.TipLamports = lamports
		}
	}

	if err := ctx.Err(); err != nil {
		return TradeResult{}, StageAssembling, err
	}
	built, err := e.deps.Assembler.Assemble(ctx, params)
	if err != nil {
		e.finishAttempt(ctx, r, rec, err)
		return TradeResult{}, StageAssembling, err
	}
	rec.Blockhash = built.Blockhash

	rec.Stage = StageSubmitting
	if err := ctx.Err(); err != nil {
		e.finishAttempt(ctx, r, rec, err)
		return TradeResult{}, StageSubmitting, err
	}
	receipt, err := e.deps.Transport.Send(ctx, built, r.req.Signer)
	if err != nil {
		e.finishAttempt(ctx, r, rec, err)
		return TradeResult{}, StageSubmitting, err
	}
	rec.Signature = receipt.Signature
	rec.Transport = receipt.Transport
	rec.Fallback = receipt.Fallback
	if receipt.Built != nil {
		built = receipt.Built
	}
	r.lastSig = receipt.Signature
	e.record(ctx, r.id, rec)

	if receipt.Simulated {
		rec.Outcome = AttemptLanded
		rec.Reason = "simulated"
		e.finishAttempt(ctx, r, rec, nil)
		return e.complete(ctx, r, built, receipt.Signature, 0, true, logger), StageDone, nil
	}

	rec.Stage = StageConfirming
	outcome, err := e.deps.Watcher.Confirm(ctx, confirm.Request{
		Signature:            receipt.Signature,
		LastValidBlockHeight: built.LastValidBlockHeight,
		Commitment:           e.commitment(r.req),
	})
	if err != nil {
		e.finishAttempt(ctx, r, rec, err)
		return TradeResult{}, StageConfirming, err
	}
	if outcome.Status != confirm.StatusLanded {
		err := fmt.Errorf("execution: 未确认的状态 %q", outcome.Status)
		e.finishAttempt(ctx, r, rec, err)
		return TradeResult{}, StageConfirming, err
	}

	rec.Outcome = AttemptLanded
	e.finishAttempt(ctx, r, rec, nil)
	return e.complete(ctx, r, built, receipt.Signature, outcome.Slot, false, logger), StageDone, nil
}

func (e *Executor) complete(ctx context.Context, r *run, built *txbuild.BuiltTransaction, sig solana.Signature, slot uint64, simulated bool, logger *zap.Logger) TradeResult {
	result := TradeResult{
		ID:          r.id,
		Signature:   sig,
		Venue:       r.venue,
		Side:        r.req.Side,
		Mint:        r.req.Mint,
		Amount:      r.amount,
		AmountIn:    built.Quote.AmountIn,
		ExpectedOut: built.Quote.ExpectedOut,
		MinOut:      built.MinOut,
		Slot:        slot,
		Simulated:   simulated,
		Attempts:    append([]SubmissionAttempt(nil), r.attempts...),
		StartedAt:   r.started,
		CompletedAt: e.now().UTC(),
	}
	if err := e.deps.Recorder.RecordResult(ctx, r.id, result, nil); err != nil {
		e.logger.Warn("记录交易结果失败", zap.String("trade_id", r.id), zap.Error(err))
	}
	logger.Info("交易完成",
		zap.String("signature", sig.String()),
		zap.String("venue", string(r.venue)),
		zap.Uint64("amount", r.amount.Raw),
		zap.Uint64("min_out", built.MinOut),
		zap.Int("attempts", len(r.attempts)),
		zap.Bool("simulated", simulated),
	)
	return result
}

func (e *Executor) abort(ctx context.Context, r *run, stage Stage, err error) error {
	tradeErr := &TradeError{
		TradeID:   r.id,
		Stage:     stage,
		Signature: r.lastSig,
		Attempts:  append([]SubmissionAttempt(nil), r.attempts...),
		Err:       err,
	}
	partial := TradeResult{
		ID:        r.id,
		Signature: r.lastSig,
		Venue:     r.venue,
		Side:      r.req.Side,
		Mint:      r.req.Mint,
		Amount:    r.amount,
		Attempts:  tradeErr.Attempts,
		StartedAt: r.started,
	}
	if recErr := e.deps.Recorder.RecordResult(context.WithoutCancel(ctx), r.id, partial, tradeErr); recErr != nil {
		e.logger.Warn("记录交易结果失败", zap.String("trade_id", r.id), zap.Error(recErr))
	}
	e.logger.Error("交易终止",
		zap.String("trade_id", r.id),
		zap.String("stage", string(stage)),
		zap.Int("attempts", len(r.attempts)),
		zap.Error(err),
	)
	return tradeErr
}

func (e *Executor) finishAttempt(ctx context.Context, r *run, rec SubmissionAttempt, err error) {
	if err != nil {
		rec.Outcome = AttemptFailed
		rec.Reason = err.Error()
	}
	r.attempts = append(r.attempts, rec)
	e.record(ctx, r.id, rec)
}

func (e *Executor) record(ctx context.Context, tradeID string, rec SubmissionAttempt) {
	if err := e.deps.Recorder.RecordAttempt(context.WithoutCancel(ctx), tradeID, rec); err != nil {
		e.logger.Warn("记录发送尝试失败", zap.String("trade_id", tradeID), zap.Error(err))
	}
}

func (e *Executor) resolveAmount(ctx context.Context, req TradeRequest, decimals uint8) (amount.TradeAmount, error) {
	if req.Percent == "" {
		return amount.NewTradeAmount(req.Amount, decimals)
	}
	if e.deps.Balances == nil {
		return amount.TradeAmount{}, errors.New("execution: 未配置余额查询，无法按比例卖出")
	}
	balance, err := e.deps.Balances.TokenBalance(ctx, req.Signer.PublicKey(), req.Mint)
	if err != nil {
		return amount.TradeAmount{}, fmt.Errorf("execution: 查询持仓失败: %w", err)
	}
	raw, err := amount.PercentOf(balance, req.Percent)
	if err != nil {
		return amount.TradeAmount{}, err
	}
	return amount.FromRaw(raw, decimals), nil
}

func (e *Executor) priorityFee(req TradeRequest, attempt int) *uint64 {
	base := e.policy.DefaultPriorityFee
	if req.PriorityFee != nil {
		base = *req.PriorityFee
	} else if base == 0 {
		return nil
	}
	fee := escalate(base, e.policy.FeeEscalationBps, attempt)
	return &fee
}

func (e *Executor) tipLamports(req TradeRequest, attempt int) uint64 {
	base := e.policy.DefaultTipLamports
	if req.TipLamports != nil {
		base = *req.TipLamports
	}
	return escalate(base, e.policy.FeeEscalationBps, attempt)
}

func (e *Executor) commitment(req TradeRequest) rpc.CommitmentType {
	if req.Commitment != "" {
		return req.Commitment
	}
	return e.policy.Commitment
}

func validateRequest(req TradeRequest) error {
	if req.Signer == nil {
		return errors.New("execution: 缺少签名者")
	}
	if !req.Side.Valid() {
		return fmt.Errorf("execution: 不支持的方向 %q", req.Side)
	}
	if req.Mint == (solana.PublicKey{}) {
		return errors.New("execution: 缺少资产地址")
	}
	if req.Amount != "" && req.Percent != "" {
		return fmt.Errorf("%w: amount 与 percent 只能二选一", amount.ErrInvalidAmount)
	}
	if req.Amount == "" && req.Percent == "" {
		return fmt.Errorf("%w: 缺少交易数量", amount.ErrInvalidAmount)
	}
	if req.Percent != "" && req.Side != venue.SideSell {
		return fmt.Errorf("%w: 仅卖出支持按比例", amount.ErrInvalidAmount)
	}
	if req.SlippageBps <= 0 || req.SlippageBps >= 10_000 {
		return fmt.Errorf("%w: slippage_bps=%d", txbuild.ErrInvalidSlippage, req.SlippageBps)
	}
	return nil
}
