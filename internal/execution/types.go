package execution

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"trade-router/internal/amount"
	"trade-router/internal/signer"
	"trade-router/internal/venue"
)

// Stage 为交易流水线所处阶段。
type Stage string

const (
	StageRoutingVenue     Stage = "routing_venue"
	StageConvertingAmount Stage = "converting_amount"
	StageAssembling       Stage = "assembling"
	StageSubmitting       Stage = "submitting"
	StageConfirming       Stage = "confirming"
	StageDone             Stage = "done"
	StageAborted          Stage = "aborted"
)

// TradeRequest 为一次用户交易请求，处理完即丢弃。
//
// Amount 与 Percent 二选一；Percent 仅用于卖出，按持仓余额比例计算。
type TradeRequest struct {
	Side    venue.Side
	Mint    solana.PublicKey
	Amount  string
	Percent string
	Signer  signer.Signer
	// SlippageBps 为允许的滑点（基点）。
	SlippageBps int
	// TipLamports 为空时使用中继默认小费，仅在中继通道生效。
	TipLamports *uint64
	// PriorityFee 单位为 micro-lamports/CU，为空时使用默认值。
	PriorityFee *uint64
	Commitment  rpc.CommitmentType
}

// AttemptOutcome 为单次发送尝试的结果。
type AttemptOutcome string

const (
	AttemptPending AttemptOutcome = "pending"
	AttemptLanded  AttemptOutcome = "landed"
	AttemptFailed  AttemptOutcome = "failed"
)

// SubmissionAttempt 记录一次组装与发送。
type SubmissionAttempt struct {
	Index     int              `json:"index"`
	Transport string           `json:"transport"`
	Signature solana.Signature `json:"signature"`
	At        time.Time        `json:"at"`
	Outcome   AttemptOutcome   `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Stage     Stage            `json:"stage"`

	Blockhash   solana.Hash `json:"blockhash"`
	PriorityFee uint64      `json:"priority_fee"`
	TipLamports uint64      `json:"tip_lamports"`
	Fallback    bool        `json:"fallback,omitempty"`
}

// HasSignature 判断该尝试是否拿到了签名。
func (a SubmissionAttempt) HasSignature() bool {
	return a.Signature != (solana.Signature{})
}

// TradeResult 为成功交易的摘要。
type TradeResult struct {
	ID          string              `json:"id"`
	Signature   solana.Signature    `json:"signature"`
	Venue       venue.Kind          `json:"venue"`
	Side        venue.Side          `json:"side"`
	Mint        solana.PublicKey    `json:"mint"`
	Amount      amount.TradeAmount  `json:"amount"`
	AmountIn    uint64              `json:"amount_in"`
	ExpectedOut uint64              `json:"expected_out"`
	MinOut      uint64              `json:"min_out"`
	Slot        uint64              `json:"slot"`
	Simulated   bool                `json:"simulated,omitempty"`
	Attempts    []SubmissionAttempt `json:"attempts"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}
