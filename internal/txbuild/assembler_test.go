package txbuild

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"trade-router/internal/amount"
	"trade-router/internal/chain"
	"trade-router/internal/config"
	"trade-router/internal/venue"
)

type fakeChain struct {
	mu           sync.Mutex
	blockhashes  int
	tables       map[solana.PublicKey]solana.PublicKeySlice
	commitments  []rpc.CommitmentType
	blockhashErr error
}

func (f *fakeChain) LatestBlockhash(_ context.Context, commitment rpc.CommitmentType) (chain.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockhashErr != nil {
		return chain.Blockhash{}, f.blockhashErr
	}
	f.blockhashes++
	f.commitments = append(f.commitments, commitment)
	return chain.Blockhash{Hash: solana.Hash{byte(f.blockhashes)}, LastValidBlockHeight: uint64(100 + f.blockhashes)}, nil
}

func (f *fakeChain) LookupTable(_ context.Context, address solana.PublicKey) (solana.PublicKeySlice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, ok := f.tables[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	return table, nil
}

type fakeProvider struct {
	quote       venue.Quote
	swap        venue.SwapInstructions
	lastSwapReq venue.SwapRequest
}

func (f *fakeProvider) Quote(_ context.Context, req venue.QuoteRequest) (venue.Quote, error) {
	q := f.quote
	q.Venue, q.Side = req.Venue, req.Side
	return q, nil
}

func (f *fakeProvider) SwapInstructions(_ context.Context, req venue.SwapRequest) (venue.SwapInstructions, error) {
	f.lastSwapReq = req
	return f.swap, nil
}

func swapInstruction(payer solana.PublicKey, extra ...solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{solana.NewAccountMeta(payer, true, true)}
	for _, k := range extra {
		metas = append(metas, solana.NewAccountMeta(k, true, false))
	}
	return solana.NewInstruction(solana.NewWallet().PublicKey(), metas, []byte{0x66, 1, 2})
}

func newFixture(t *testing.T) (*Assembler, *fakeChain, *fakeProvider, Params) {
	t.Helper()
	payer := solana.NewWallet().PublicKey()
	fc := &fakeChain{tables: map[solana.PublicKey]solana.PublicKeySlice{}}
	fp := &fakeProvider{
		quote: venue.Quote{AmountIn: 15_000_000, ExpectedOut: 500_000},
		swap:  venue.SwapInstructions{Instructions: []solana.Instruction{swapInstruction(payer)}},
	}
	params := Params{
		Side:        venue.SideBuy,
		Venue:       venue.KindBondingCurve,
		Mint:        solana.NewWallet().PublicKey(),
		Amount:      amount.FromRaw(500_000, 6),
		Payer:       payer,
		SlippageBps: 300,
	}
	return NewAssembler(fc, fp, config.AssemblyConfig{ComputeUnitLimit: 150_000}, nil), fc, fp, params
}

func assertSteps(t *testing.T, got []Step, want ...Step) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected steps: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d mismatch: got %v want %v", i, got, want)
		}
	}
}

func TestAssemble_SwapOnly(t *testing.T) {
	asm, fc, fp, params := newFixture(t)

	built, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	assertSteps(t, built.Steps, StepSwap)
	if len(built.Tx.Message.Instructions) != 1 {
		t.Fatalf("expected a single compiled instruction, got %d", len(built.Tx.Message.Instructions))
	}
	if built.MinOut != 485_000 {
		t.Fatalf("expected min out 500000*(1-3%%)=485000, got %d", built.MinOut)
	}
	if fp.lastSwapReq.MinOut != 485_000 || fp.lastSwapReq.AmountIn != 15_000_000 {
		t.Fatalf("unexpected swap request: %+v", fp.lastSwapReq)
	}
	if !built.Tx.Message.AccountKeys[0].Equals(params.Payer) {
		t.Fatalf("fee payer must be first account")
	}
	if fc.commitments[0] != rpc.CommitmentFinalized {
		t.Fatalf("blockhash must be fetched at finalized, got %s", fc.commitments[0])
	}
	if built.Tip != nil || built.PriorityFee != 0 {
		t.Fatalf("no tip or fee expected: %+v", built)
	}
}

func TestAssemble_FixedInstructionOrder(t *testing.T) {
	asm, _, _, params := newFixture(t)
	fee := uint64(25_000)
	tipAccount := solana.NewWallet().PublicKey()
	params.PriorityFee = &fee
	params.Tip = &Tip{Lamports: 100_000, Account: tipAccount}

	built, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	assertSteps(t, built.Steps, StepComputeUnitLimit, StepComputeUnitPrice, StepSwap, StepTip)

	msg := built.Tx.Message
	if len(msg.Instructions) != 4 {
		t.Fatalf("expected 4 compiled instructions, got %d", len(msg.Instructions))
	}
	programOf := func(i int) solana.PublicKey {
		return msg.AccountKeys[msg.Instructions[i].ProgramIDIndex]
	}
	if !programOf(0).Equals(ComputeBudgetProgramID) || !programOf(1).Equals(ComputeBudgetProgramID) {
		t.Fatalf("compute budget instructions must come first")
	}
	if !programOf(3).Equals(solana.SystemProgramID) {
		t.Fatalf("tip transfer must be the final instruction, got program %s", programOf(3))
	}
	if !built.TipsAny([]solana.PublicKey{tipAccount}) {
		t.Fatalf("expected tip to configured account")
	}
	if built.TipsAny([]solana.PublicKey{solana.NewWallet().PublicKey()}) {
		t.Fatalf("tip must not match foreign account")
	}

	data := []byte(msg.Instructions[1].Data)
	if data[0] != computebudget.Instruction_SetComputeUnitPrice || data[1] != 0xa8 || data[2] != 0x61 {
		t.Fatalf("unexpected compute unit price data: %x", data)
	}
}

func TestAssemble_DropsVenueComputeBudget(t *testing.T) {
	asm, _, fp, params := newFixture(t)
	venueBudget, _ := SetComputeUnitLimit(1_400_000)
	fp.swap.Instructions = append([]solana.Instruction{venueBudget}, fp.swap.Instructions...)

	built, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	assertSteps(t, built.Steps, StepSwap)
}

func TestAssemble_FreshBlockhashEachCall(t *testing.T) {
	asm, fc, _, params := newFixture(t)

	first, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	second, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	if fc.blockhashes != 2 {
		t.Fatalf("expected two blockhash fetches, got %d", fc.blockhashes)
	}
	if first.Blockhash == second.Blockhash {
		t.Fatalf("expected distinct blockhashes across assemblies")
	}
	if first.Tx == second.Tx {
		t.Fatalf("expected a new transaction per assembly")
	}
}

func TestAssemble_ResolvesLookupTables(t *testing.T) {
	asm, fc, fp, params := newFixture(t)
	inTable := solana.NewWallet().PublicKey()
	tableAddr := solana.NewWallet().PublicKey()
	fc.tables[tableAddr] = solana.PublicKeySlice{inTable}
	fp.swap = venue.SwapInstructions{
		Instructions: []solana.Instruction{swapInstruction(params.Payer, inTable)},
		LookupTables: []solana.PublicKey{tableAddr},
	}

	built, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	if len(built.LookupTables) != 1 {
		t.Fatalf("expected one resolved table, got %d", len(built.LookupTables))
	}
	if !built.Tx.Message.IsVersioned() {
		t.Fatalf("expected versioned transaction when lookup tables are used")
	}
}

func TestAssemble_MissingLookupTableAborts(t *testing.T) {
	asm, _, fp, params := newFixture(t)
	fp.swap.LookupTables = []solana.PublicKey{solana.NewWallet().PublicKey()}

	if _, err := asm.Assemble(context.Background(), params); !errors.Is(err, ErrLookupTableUnavailable) {
		t.Fatalf("expected ErrLookupTableUnavailable, got %v", err)
	}
}

func TestAssemble_BlockhashFailure(t *testing.T) {
	asm, fc, _, params := newFixture(t)
	fc.blockhashErr = errors.New("503 Service Unavailable")

	if _, err := asm.Assemble(context.Background(), params); !errors.Is(err, ErrBlockhashUnavailable) {
		t.Fatalf("expected ErrBlockhashUnavailable, got %v", err)
	}
}

func TestAssemble_InvalidSlippage(t *testing.T) {
	asm, _, fp, params := newFixture(t)

	for _, bps := range []int{0, -5, 10_000, 20_000} {
		params.SlippageBps = bps
		if _, err := asm.Assemble(context.Background(), params); !errors.Is(err, ErrInvalidSlippage) {
			t.Errorf("slippage %d: expected ErrInvalidSlippage, got %v", bps, err)
		}
	}

	params.SlippageBps = 300
	fp.quote.ExpectedOut = 1
	if _, err := asm.Assemble(context.Background(), params); !errors.Is(err, ErrInvalidSlippage) {
		t.Fatalf("expected ErrInvalidSlippage when min out rounds to zero, got %v", err)
	}
}

func TestMinOut(t *testing.T) {
	got, err := MinOut(1_000_000, 300)
	if err != nil {
		t.Fatalf("MinOut returned error: %v", err)
	}
	if got != 970_000 {
		t.Fatalf("expected 970000, got %d", got)
	}

	got, err = MinOut(^uint64(0), 1)
	if err != nil {
		t.Fatalf("MinOut returned error: %v", err)
	}
	if got == 0 || got >= ^uint64(0) {
		t.Fatalf("unexpected overflow-safe result %d", got)
	}
}

func TestWithComputeBudget_ReplacesBudgetKeepsOrder(t *testing.T) {
	asm, _, _, params := newFixture(t)
	fee := uint64(1_000)
	params.PriorityFee = &fee
	params.Tip = &Tip{Lamports: 10_000, Account: solana.NewWallet().PublicKey()}

	built, err := asm.Assemble(context.Background(), params)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	next, err := built.WithComputeBudget(90_000, 50_000)
	if err != nil {
		t.Fatalf("WithComputeBudget returned error: %v", err)
	}
	assertSteps(t, next.Steps, StepComputeUnitLimit, StepComputeUnitPrice, StepSwap, StepTip)
	if next.PriorityFee != 50_000 || next.ComputeUnitLimit != 90_000 {
		t.Fatalf("unexpected budget: fee=%d limit=%d", next.PriorityFee, next.ComputeUnitLimit)
	}
	if next.Blockhash != built.Blockhash {
		t.Fatalf("blockhash must be preserved")
	}
	if built.PriorityFee != 1_000 || built.Tx == next.Tx {
		t.Fatalf("original transaction must stay untouched")
	}

	asm2, _, _, plain := newFixture(t)
	bare, err := asm2.Assemble(context.Background(), plain)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	withBudget, err := bare.WithComputeBudget(80_000, 10)
	if err != nil {
		t.Fatalf("WithComputeBudget returned error: %v", err)
	}
	assertSteps(t, withBudget.Steps, StepComputeUnitLimit, StepComputeUnitPrice, StepSwap)
}

func TestComputeBudgetInstructions(t *testing.T) {
	limit, err := SetComputeUnitLimit(200_000)
	if err != nil {
		t.Fatalf("SetComputeUnitLimit returned error: %v", err)
	}
	if !IsComputeBudget(limit) {
		t.Fatalf("limit instruction should target the compute budget program")
	}
	data, err := limit.Data()
	if err != nil {
		t.Fatalf("Data returned error: %v", err)
	}
	want := []byte{computebudget.Instruction_SetComputeUnitLimit, 0x40, 0x0d, 0x03, 0x00}
	if !bytes.Equal(data, want) {
		t.Fatalf("unexpected limit data: %x, want %x", data, want)
	}

	price, err := SetComputeUnitPrice(0)
	if err != nil {
		t.Fatalf("zero price should still encode, got %v", err)
	}
	data, err = price.Data()
	if err != nil {
		t.Fatalf("Data returned error: %v", err)
	}
	if len(data) != 9 || data[0] != computebudget.Instruction_SetComputeUnitPrice {
		t.Fatalf("unexpected price data: %x", data)
	}

	if _, err := SetComputeUnitLimit(1_400_001); err == nil {
		t.Fatalf("expected error for limit above the runtime maximum")
	}
}
