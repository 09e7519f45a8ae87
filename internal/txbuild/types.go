package txbuild

import (
	"errors"

	"github.com/gagliardetto/solana-go"

	"trade-router/internal/amount"
	"trade-router/internal/venue"
)

var (
	// ErrInvalidSlippage 表示滑点参数导致最小输出为零或为负。
	ErrInvalidSlippage = errors.New("invalid slippage")
	// ErrLookupTableUnavailable 表示引用的地址查找表无法获取。
	ErrLookupTableUnavailable = errors.New("lookup table unavailable")
	// ErrBlockhashUnavailable 表示无法获取最近区块哈希，可重新组装。
	ErrBlockhashUnavailable = errors.New("blockhash unavailable")
)

// Step 标识指令在交易中的角色。
type Step string

const (
	StepComputeUnitLimit Step = "compute_unit_limit"
	StepComputeUnitPrice Step = "compute_unit_price"
	StepSwap             Step = "swap"
	StepTip              Step = "tip"
)

// Tip 为中继小费转账。
type Tip struct {
	Lamports uint64
	Account  solana.PublicKey
}

// Params 描述一次组装请求。
type Params struct {
	Side        venue.Side
	Venue       venue.Kind
	Mint        solana.PublicKey
	Amount      amount.TradeAmount
	Payer       solana.PublicKey
	SlippageBps int
	// PriorityFee 为空时不添加计算预算指令。
	PriorityFee *uint64
	Tip         *Tip
}

// BuiltTransaction 为编译完成的版本化交易，编译后不可修改；
// 换区块哈希必须重新组装。
type BuiltTransaction struct {
	Tx                   *solana.Transaction
	Steps                []Step
	Instructions         []solana.Instruction
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Payer                solana.PublicKey
	LookupTables         map[solana.PublicKey]solana.PublicKeySlice

	Side             venue.Side
	Venue            venue.Kind
	Quote            venue.Quote
	MinOut           uint64
	PriorityFee      uint64
	ComputeUnitLimit uint32
	Tip              *Tip
}

// SwapInstructions 返回场所兑换指令，不含预算与小费指令。
func (b *BuiltTransaction) SwapInstructions() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(b.Instructions))
	for i, step := range b.Steps {
		if step == StepSwap {
			out = append(out, b.Instructions[i])
		}
	}
	return out
}

// TipsAny 判断交易最后一条指令是否向给定账户之一支付小费。
func (b *BuiltTransaction) TipsAny(accounts []solana.PublicKey) bool {
	if b.Tip == nil || b.Tip.Lamports == 0 || len(b.Steps) == 0 || b.Steps[len(b.Steps)-1] != StepTip {
		return false
	}
	for _, a := range accounts {
		if a.Equals(b.Tip.Account) {
			return true
		}
	}
	return false
}

// WithComputeBudget 以新的计算预算重新编译交易，沿用原区块哈希与查找表。
// 原交易不受影响。
func (b *BuiltTransaction) WithComputeBudget(limit uint32, microLamports uint64) (*BuiltTransaction, error) {
	limitIx, err := SetComputeUnitLimit(limit)
	if err != nil {
		return nil, err
	}
	priceIx, err := SetComputeUnitPrice(microLamports)
	if err != nil {
		return nil, err
	}

	next := *b
	next.Steps = []Step{StepComputeUnitLimit, StepComputeUnitPrice}
	next.Instructions = []solana.Instruction{limitIx, priceIx}
	for i, step := range b.Steps {
		if step == StepComputeUnitLimit || step == StepComputeUnitPrice {
			continue
		}
		next.Steps = append(next.Steps, step)
		next.Instructions = append(next.Instructions, b.Instructions[i])
	}
	next.ComputeUnitLimit = limit
	next.PriorityFee = microLamports

	tx, err := Compile(next.Instructions, next.Blockhash, next.Payer, next.LookupTables)
	if err != nil {
		return nil, err
	}
	next.Tx = tx
	return &next, nil
}
