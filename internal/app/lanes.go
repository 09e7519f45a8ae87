package app

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"trade-router/internal/execution"
)

// lanes 让同一钱包对同一资产的交易串行执行，避免两次场所路由与曲线完成竞争。
// 不同资产之间完全并行。
type lanes struct {
	next execution.Trader

	mu    sync.Mutex
	locks map[laneKey]*lane
}

type laneKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

type lane struct {
	sem  chan struct{}
	refs int
}

func newLanes(next execution.Trader) *lanes {
	return &lanes{next: next, locks: make(map[laneKey]*lane)}
}

func (l *lanes) ExecuteTrade(ctx context.Context, req execution.TradeRequest) (execution.TradeResult, error) {
	var owner solana.PublicKey
	if req.Signer != nil {
		owner = req.Signer.PublicKey()
	}
	key := laneKey{owner: owner, mint: req.Mint}

	ln := l.acquire(key)
	defer l.release(key)

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		return execution.TradeResult{}, ctx.Err()
	}
	defer func() { <-ln.sem }()

	return l.next.ExecuteTrade(ctx, req)
}

func (l *lanes) acquire(key laneKey) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.locks[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.locks[key] = ln
	}
	ln.refs++
	return ln
}

func (l *lanes) release(key laneKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.locks[key]
	ln.refs--
	if ln.refs == 0 {
		delete(l.locks, key)
	}
}
