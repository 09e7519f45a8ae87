package execution

import "context"

// Trader 抽象交易执行，方便切换真实或演练执行器。
type Trader interface {
	ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error)
}

var _ Trader = (*Executor)(nil)
