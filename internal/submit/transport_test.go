package submit

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"trade-router/internal/config"
	"trade-router/internal/signer"
	"trade-router/internal/txbuild"
)

type fakeSender struct {
	sent []*solana.Transaction
	opts []rpc.TransactionOpts
	err  error
}

func (f *fakeSender) SendTransaction(_ context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.sent = append(f.sent, tx)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return solana.Signature{}, f.err
	}
	return tx.Signatures[0], nil
}

type fakeOptimizer struct {
	fakeSender
	fee      uint64
	feeErr   error
	units    uint64
	simErr   error
	simCalls int
}

func (f *fakeOptimizer) PriorityFeeEstimate(context.Context, []solana.PublicKey, string) (uint64, error) {
	return f.fee, f.feeErr
}

func (f *fakeOptimizer) Simulate(context.Context, *solana.Transaction, rpc.CommitmentType) (*rpc.SimulateTransactionResult, error) {
	f.simCalls++
	if f.simErr != nil {
		return nil, f.simErr
	}
	units := f.units
	return &rpc.SimulateTransactionResult{UnitsConsumed: &units, Logs: []string{"Program log: ok"}}, nil
}

type countingTransport struct {
	calls int
	built []*txbuild.BuiltTransaction
	err   error
}

func (c *countingTransport) Name() string { return NameRPC }

func (c *countingTransport) Send(_ context.Context, built *txbuild.BuiltTransaction, _ signer.Signer) (Receipt, error) {
	c.calls++
	c.built = append(c.built, built)
	if c.err != nil {
		return Receipt{}, c.err
	}
	return Receipt{Signature: solana.Signature{9}, Transport: NameRPC, Built: built}, nil
}

func newSigner(t *testing.T) signer.Signer {
	t.Helper()
	s, err := signer.FromBase58(solana.NewWallet().PrivateKey.String())
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func newBuilt(t *testing.T, payer solana.PublicKey, tip *txbuild.Tip) *txbuild.BuiltTransaction {
	t.Helper()
	swap := solana.NewInstruction(
		solana.NewWallet().PublicKey(),
		solana.AccountMetaSlice{solana.NewAccountMeta(payer, true, true)},
		[]byte{1, 2, 3},
	)
	built := &txbuild.BuiltTransaction{
		Steps:                []txbuild.Step{txbuild.StepSwap},
		Instructions:         []solana.Instruction{swap},
		Blockhash:            solana.Hash{3},
		LastValidBlockHeight: 500,
		Payer:                payer,
		Tip:                  tip,
	}
	if tip != nil {
		built.Steps = append(built.Steps, txbuild.StepTip)
		built.Instructions = append(built.Instructions, system.NewTransferInstruction(tip.Lamports, payer, tip.Account).Build())
	}
	tx, err := txbuild.Compile(built.Instructions, built.Blockhash, payer, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	built.Tx = tx
	return built
}

func TestRPCTransport_SkipsPreflight(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	client := &fakeSender{}

	receipt, err := NewRPCTransport(client, nil).Send(context.Background(), built, s)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(client.sent))
	}
	if !client.opts[0].SkipPreflight {
		t.Fatalf("standard broadcast must skip preflight")
	}
	if receipt.Signature == (solana.Signature{}) || receipt.Transport != NameRPC {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if len(built.Tx.Signatures) != 0 {
		t.Fatalf("built transaction must not be mutated by signing")
	}
}

func TestRPCTransport_ClassifiesErrors(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)

	client := &fakeSender{err: &jsonrpc.RPCError{Code: -32005, Message: "node is behind"}}
	_, err := NewRPCTransport(client, nil).Send(context.Background(), built, s)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("transport must not retry internally, got %d sends", len(client.sent))
	}

	client = &fakeSender{err: &jsonrpc.RPCError{Code: -32002, Message: "Transaction signature verification failure"}}
	_, err = NewRPCTransport(client, nil).Send(context.Background(), built, s)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	client = &fakeSender{err: errors.New("Blockhash not found")}
	_, err = NewRPCTransport(client, nil).Send(context.Background(), built, s)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("stale blockhash must be retryable, got %v", err)
	}
}

func TestRPCTransport_CancelledBeforeSend(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	client := &fakeSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewRPCTransport(client, nil).Send(ctx, built, s); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("cancelled send must not reach the network")
	}
}

func TestRelayTransport_RequiresTip(t *testing.T) {
	s := newSigner(t)
	tipAccount := solana.NewWallet().PublicKey()
	client := &fakeSender{}
	relay, err := NewRelayTransport(client, []solana.PublicKey{tipAccount}, nil)
	if err != nil {
		t.Fatalf("NewRelayTransport returned error: %v", err)
	}

	if _, err := relay.Send(context.Background(), newBuilt(t, s.PublicKey(), nil), s); !errors.Is(err, ErrMissingTip) {
		t.Fatalf("expected ErrMissingTip, got %v", err)
	}
	foreign := &txbuild.Tip{Lamports: 1000, Account: solana.NewWallet().PublicKey()}
	if _, err := relay.Send(context.Background(), newBuilt(t, s.PublicKey(), foreign), s); !errors.Is(err, ErrMissingTip) {
		t.Fatalf("expected ErrMissingTip for unknown tip account, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("nothing may be sent without a valid tip")
	}

	tipped := newBuilt(t, s.PublicKey(), &txbuild.Tip{Lamports: 1000, Account: relay.TipAccount()})
	receipt, err := relay.Send(context.Background(), tipped, s)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if receipt.Transport != NameRelay || len(client.sent) != 1 {
		t.Fatalf("unexpected relay result: %+v sends=%d", receipt, len(client.sent))
	}
}

func TestNewRelayTransport_NoTipAccounts(t *testing.T) {
	if _, err := NewRelayTransport(&fakeSender{}, nil, nil); err == nil {
		t.Fatalf("expected error without tip accounts")
	}
}

func TestParseTipAccounts(t *testing.T) {
	pk := solana.NewWallet().PublicKey()
	got, err := ParseTipAccounts([]string{pk.String()})
	if err != nil || len(got) != 1 || !got[0].Equals(pk) {
		t.Fatalf("unexpected result: %v %v", got, err)
	}
	if _, err := ParseTipAccounts([]string{"not-a-key"}); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

func TestSmartTransport_OptimizesBudget(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	opt := &fakeOptimizer{fee: 5_000, units: 60_000}
	fallback := &countingTransport{}
	smart := NewSmartTransport(opt, fallback, config.OptimizerConfig{ComputeUnitMarginBps: 1_000, MinComputeUnits: 10_000}, nil)

	receipt, err := smart.Send(context.Background(), built, s)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not run on success")
	}
	if receipt.Transport != NameSmart || receipt.Fallback {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.Built.ComputeUnitLimit != 66_000 || receipt.Built.PriorityFee != 5_000 {
		t.Fatalf("unexpected budget: limit=%d fee=%d", receipt.Built.ComputeUnitLimit, receipt.Built.PriorityFee)
	}
	if receipt.Built.Steps[0] != txbuild.StepComputeUnitLimit || receipt.Built.Steps[2] != txbuild.StepSwap {
		t.Fatalf("unexpected step order: %v", receipt.Built.Steps)
	}
	if len(opt.sent) != 1 || !opt.opts[0].SkipPreflight {
		t.Fatalf("expected one optimized send with skip preflight")
	}
}

func TestSmartTransport_FallsBackExactlyOnce(t *testing.T) {
	cases := map[string]*fakeOptimizer{
		"fee estimate": {feeErr: errors.New("optimizer offline")},
		"simulate":     {fee: 1, simErr: errors.New("simulate failed")},
		"send":         {fee: 1, units: 50_000, fakeSender: fakeSender{err: errors.New("bad request")}},
	}
	for name, opt := range cases {
		t.Run(name, func(t *testing.T) {
			s := newSigner(t)
			built := newBuilt(t, s.PublicKey(), nil)
			fallback := &countingTransport{}
			smart := NewSmartTransport(opt, fallback, config.OptimizerConfig{}, nil)

			receipt, err := smart.Send(context.Background(), built, s)
			if err != nil {
				t.Fatalf("Send returned error: %v", err)
			}
			if fallback.calls != 1 {
				t.Fatalf("expected exactly one fallback, got %d", fallback.calls)
			}
			if !receipt.Fallback {
				t.Fatalf("receipt must report fallback")
			}
		})
	}
}

func TestSmartTransport_FallbackReusesSignedOptimizedTx(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	opt := &fakeOptimizer{fee: 7, units: 40_000, fakeSender: fakeSender{err: errors.New("503 Service Unavailable")}}
	fallback := &countingTransport{}

	if _, err := NewSmartTransport(opt, fallback, config.OptimizerConfig{}, nil).Send(context.Background(), built, s); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if fallback.built[0] == built || fallback.built[0].PriorityFee != 7 {
		t.Fatalf("fallback must broadcast the optimized transaction")
	}
}

func TestSmartTransport_FallbackFailureReported(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	opt := &fakeOptimizer{feeErr: errors.New("optimizer offline")}
	fallback := &countingTransport{err: ErrTransportUnavailable}

	_, err := NewSmartTransport(opt, fallback, config.OptimizerConfig{}, nil).Send(context.Background(), built, s)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected fallback error to surface, got %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected exactly one fallback, got %d", fallback.calls)
	}
}

func TestComputeUnitLimit(t *testing.T) {
	if got := ComputeUnitLimit(100_000, 2_000, 0); got != 120_000 {
		t.Fatalf("expected 120000, got %d", got)
	}
	if got := ComputeUnitLimit(1_000, 0, 50_000); got != 50_000 {
		t.Fatalf("expected floor 50000, got %d", got)
	}
	if got := ComputeUnitLimit(1_300_000, 5_000, 0); got != maxComputeUnits {
		t.Fatalf("expected cap %d, got %d", maxComputeUnits, got)
	}
}

func TestSimulateTransport(t *testing.T) {
	s := newSigner(t)
	built := newBuilt(t, s.PublicKey(), nil)
	opt := &fakeOptimizer{units: 33_000}

	receipt, err := NewSimulateTransport(opt, rpc.CommitmentConfirmed, nil).Send(context.Background(), built, s)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !receipt.Simulated || receipt.UnitsConsumed != 33_000 || receipt.Signature == (solana.Signature{}) {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if len(opt.sent) != 0 {
		t.Fatalf("dry run must never broadcast")
	}
}
