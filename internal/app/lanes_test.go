package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"trade-router/internal/execution"
)

type blockingTrader struct {
	mu      sync.Mutex
	active  map[solana.PublicKey]int
	maxSeen map[solana.PublicKey]int
	started chan solana.PublicKey
	release chan struct{}
}

func newBlockingTrader() *blockingTrader {
	return &blockingTrader{
		active:  make(map[solana.PublicKey]int),
		maxSeen: make(map[solana.PublicKey]int),
		started: make(chan solana.PublicKey, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingTrader) ExecuteTrade(ctx context.Context, req execution.TradeRequest) (execution.TradeResult, error) {
	b.mu.Lock()
	b.active[req.Mint]++
	if b.active[req.Mint] > b.maxSeen[req.Mint] {
		b.maxSeen[req.Mint] = b.active[req.Mint]
	}
	b.mu.Unlock()

	b.started <- req.Mint
	<-b.release

	b.mu.Lock()
	b.active[req.Mint]--
	b.mu.Unlock()
	return execution.TradeResult{Mint: req.Mint}, nil
}

func TestLanes_SerializesSameMint(t *testing.T) {
	next := newBlockingTrader()
	l := newLanes(next)
	wallet := newTestWallet(t)
	mint := solana.NewWallet().PublicKey()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.ExecuteTrade(context.Background(), execution.TradeRequest{Mint: mint, Signer: wallet})
		}()
	}

	<-next.started
	select {
	case <-next.started:
		t.Fatal("second trade on the same mint started before the first finished")
	case <-time.After(50 * time.Millisecond):
	}
	next.release <- struct{}{}
	<-next.started
	next.release <- struct{}{}
	wg.Wait()

	if next.maxSeen[mint] != 1 {
		t.Fatalf("expected at most one concurrent trade per mint, saw %d", next.maxSeen[mint])
	}
	if len(l.locks) != 0 {
		t.Fatalf("lanes should be released after use, %d left", len(l.locks))
	}
}

func TestLanes_DifferentMintsRunInParallel(t *testing.T) {
	next := newBlockingTrader()
	l := newLanes(next)
	wallet := newTestWallet(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		mint := solana.NewWallet().PublicKey()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.ExecuteTrade(context.Background(), execution.TradeRequest{Mint: mint, Signer: wallet})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-next.started:
		case <-time.After(time.Second):
			t.Fatal("trades on different mints should not wait for each other")
		}
	}
	close(next.release)
	wg.Wait()
}

func TestLanes_CancelWhileQueued(t *testing.T) {
	next := newBlockingTrader()
	l := newLanes(next)
	wallet := newTestWallet(t)
	mint := solana.NewWallet().PublicKey()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.ExecuteTrade(context.Background(), execution.TradeRequest{Mint: mint, Signer: wallet})
	}()
	<-next.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.ExecuteTrade(ctx, execution.TradeRequest{Mint: mint, Signer: wallet})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(next.release)
	<-done
}
