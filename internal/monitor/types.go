package monitor

import (
	"time"

	"trade-router/internal/execution"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTradeAttempt EventType = "trade_attempt"
	EventTradeResult  EventType = "trade_result"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TradeStatus 为流水中的交易状态。
type TradeStatus string

const (
	TradeInFlight  TradeStatus = "in_flight"
	TradeDone      TradeStatus = "done"
	TradeSimulated TradeStatus = "simulated"
	TradeAborted   TradeStatus = "aborted"
)

// AttemptPayload 记录单次发送尝试。
type AttemptPayload struct {
	TradeID string                      `json:"trade_id"`
	Attempt execution.SubmissionAttempt `json:"attempt"`
}

// ResultPayload 记录交易结论。
type ResultPayload struct {
	TradeID string                `json:"trade_id"`
	Status  TradeStatus           `json:"status"`
	Stage   execution.Stage       `json:"stage,omitempty"`
	Error   string                `json:"error,omitempty"`
	Result  execution.TradeResult `json:"result"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// AttemptRecord 为流水表中的尝试行。
type AttemptRecord struct {
	Index       int                      `json:"index"`
	Transport   string                   `json:"transport"`
	Signature   string                   `json:"signature,omitempty"`
	Outcome     execution.AttemptOutcome `json:"outcome"`
	Reason      string                   `json:"reason,omitempty"`
	Stage       execution.Stage          `json:"stage"`
	Blockhash   string                   `json:"blockhash,omitempty"`
	PriorityFee uint64                   `json:"priority_fee"`
	TipLamports uint64                   `json:"tip_lamports"`
	Fallback    bool                     `json:"fallback"`
	At          time.Time                `json:"at"`
}

// TradeRecord 为交易流水，包含全部尝试。
type TradeRecord struct {
	ID        string          `json:"id"`
	Status    TradeStatus     `json:"status"`
	Side      string          `json:"side"`
	Mint      string          `json:"mint"`
	Venue     string          `json:"venue"`
	Amount    uint64          `json:"amount"`
	Scale     uint8           `json:"scale"`
	Signature string          `json:"signature,omitempty"`
	MinOut    uint64          `json:"min_out"`
	Stage     string          `json:"stage,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Attempts  []AttemptRecord `json:"attempts"`
}
