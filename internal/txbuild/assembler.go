package txbuild

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-router/internal/chain"
	"trade-router/internal/config"
	"trade-router/internal/venue"
)

const bpsDenominator = 10_000

type chainReader interface {
	LatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (chain.Blockhash, error)
	LookupTable(ctx context.Context, address solana.PublicKey) (solana.PublicKeySlice, error)
}

// Assembler 负责把交易意图编译为版本化交易。
type Assembler struct {
	chain  chainReader
	venues venue.Provider
	cfg    config.AssemblyConfig
	logger *zap.Logger
}

// NewAssembler 创建组装器。
func NewAssembler(chain chainReader, venues venue.Provider, cfg config.AssemblyConfig, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = 200_000
	}
	return &Assembler{
		chain:  chain,
		venues: venues,
		cfg:    cfg,
		logger: logger,
	}
}

// MinOut 根据报价输出与滑点计算最小可接受输出。
func MinOut(expectedOut uint64, slippageBps int) (uint64, error) {
	if slippageBps <= 0 || slippageBps >= bpsDenominator {
		return 0, fmt.Errorf("%w: slippage_bps=%d 必须位于(0,%d)", ErrInvalidSlippage, slippageBps, bpsDenominator)
	}
	v := new(big.Int).SetUint64(expectedOut)
	v.Mul(v, big.NewInt(int64(bpsDenominator-slippageBps)))
	v.Quo(v, big.NewInt(bpsDenominator))
	if v.Sign() <= 0 {
		return 0, fmt.Errorf("%w: 报价输出 %d 在滑点 %dbps 下最小输出为 0", ErrInvalidSlippage, expectedOut, slippageBps)
	}
	return v.Uint64(), nil
}

// Assemble 报价、构建指令并编译交易。每次调用都会获取新的区块哈希。
func (a *Assembler) Assemble(ctx context.Context, p Params) (*BuiltTransaction, error) {
	if !p.Side.Valid() {
		return nil, fmt.Errorf("txbuild: 不支持的方向 %q", p.Side)
	}
	if p.Venue != venue.KindBondingCurve && p.Venue != venue.KindPool {
		return nil, fmt.Errorf("txbuild: 不支持的场所 %q", p.Venue)
	}
	if p.Amount.Raw == 0 {
		return nil, errors.New("txbuild: 交易数量为 0")
	}
	if p.SlippageBps <= 0 || p.SlippageBps >= bpsDenominator {
		return nil, fmt.Errorf("%w: slippage_bps=%d", ErrInvalidSlippage, p.SlippageBps)
	}

	quote, err := a.venues.Quote(ctx, venue.QuoteRequest{
		Venue:  p.Venue,
		Side:   p.Side,
		Mint:   p.Mint,
		Owner:  p.Payer,
		Amount: p.Amount.Raw,
	})
	if err != nil {
		return nil, err
	}

	minOut, err := MinOut(quote.ExpectedOut, p.SlippageBps)
	if err != nil {
		return nil, err
	}

	swap, err := a.venues.SwapInstructions(ctx, venue.SwapRequest{
		Venue:    p.Venue,
		Side:     p.Side,
		Mint:     p.Mint,
		Owner:    p.Payer,
		AmountIn: quote.AmountIn,
		MinOut:   minOut,
	})
	if err != nil {
		return nil, err
	}

	built := &BuiltTransaction{
		Payer:  p.Payer,
		Side:   p.Side,
		Venue:  p.Venue,
		Quote:  quote,
		MinOut: minOut,
	}

	if p.PriorityFee != nil {
		limitIx, err := SetComputeUnitLimit(a.cfg.ComputeUnitLimit)
		if err != nil {
			return nil, fmt.Errorf("txbuild: 构造计算单元上限失败: %w", err)
		}
		priceIx, err := SetComputeUnitPrice(*p.PriorityFee)
		if err != nil {
			return nil, fmt.Errorf("txbuild: 构造计算单元价格失败: %w", err)
		}
		built.append(StepComputeUnitLimit, limitIx)
		built.append(StepComputeUnitPrice, priceIx)
		built.PriorityFee = *p.PriorityFee
		built.ComputeUnitLimit = a.cfg.ComputeUnitLimit
	}

	for _, ix := range swap.Instructions {
		if IsComputeBudget(ix) {
			continue
		}
		built.append(StepSwap, ix)
	}
	if len(built.SwapInstructions()) == 0 {
		return nil, fmt.Errorf("%w: 场所未返回有效兑换指令", venue.ErrVenueQueryFailed)
	}

	if p.Tip != nil && p.Tip.Lamports > 0 {
		tipIx := system.NewTransferInstruction(p.Tip.Lamports, p.Payer, p.Tip.Account).Build()
		built.append(StepTip, tipIx)
		tip := *p.Tip
		built.Tip = &tip
	}

	blockhash, tables, err := a.fetchChainState(ctx, swap.LookupTables)
	if err != nil {
		return nil, err
	}
	built.Blockhash = blockhash.Hash
	built.LastValidBlockHeight = blockhash.LastValidBlockHeight
	built.LookupTables = tables

	tx, err := Compile(built.Instructions, built.Blockhash, built.Payer, built.LookupTables)
	if err != nil {
		return nil, err
	}
	built.Tx = tx

	a.logger.Debug("交易组装完成",
		zap.String("side", string(p.Side)),
		zap.String("venue", string(p.Venue)),
		zap.String("mint", p.Mint.String()),
		zap.Uint64("amount", p.Amount.Raw),
		zap.Uint64("amount_in", quote.AmountIn),
		zap.Uint64("expected_out", quote.ExpectedOut),
		zap.Uint64("min_out", minOut),
		zap.Int("instructions", len(built.Instructions)),
		zap.Int("lookup_tables", len(tables)),
		zap.String("blockhash", blockhash.Hash.String()),
	)

	return built, nil
}

// Compile 把指令编译为版本化交易。
func Compile(instructions []solana.Instruction, blockhash solana.Hash, payer solana.PublicKey, tables map[solana.PublicKey]solana.PublicKeySlice) (*solana.Transaction, error) {
	opts := []solana.TransactionOption{solana.TransactionPayer(payer)}
	if len(tables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(tables))
	}
	tx, err := solana.NewTransaction(instructions, blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("txbuild: 编译交易失败: %w", err)
	}
	return tx, nil
}

func (b *BuiltTransaction) append(step Step, ix solana.Instruction) {
	b.Steps = append(b.Steps, step)
	b.Instructions = append(b.Instructions, ix)
}

func (a *Assembler) fetchChainState(ctx context.Context, tableAddrs []solana.PublicKey) (chain.Blockhash, map[solana.PublicKey]solana.PublicKeySlice, error) {
	var blockhash chain.Blockhash
	resolved := make([]solana.PublicKeySlice, len(tableAddrs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		bh, err := a.chain.LatestBlockhash(groupCtx, rpc.CommitmentFinalized)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlockhashUnavailable, err)
		}
		blockhash = bh
		return nil
	})
	for i, addr := range tableAddrs {
		group.Go(func() error {
			addresses, err := a.chain.LookupTable(groupCtx, addr)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrLookupTableUnavailable, addr, err)
			}
			if len(addresses) == 0 {
				return fmt.Errorf("%w: %s 为空", ErrLookupTableUnavailable, addr)
			}
			resolved[i] = addresses
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chain.Blockhash{}, nil, ctxErr
		}
		return chain.Blockhash{}, nil, err
	}

	tables := make(map[solana.PublicKey]solana.PublicKeySlice, len(tableAddrs))
	for i, addr := range tableAddrs {
		tables[addr] = resolved[i]
	}
	return blockhash, tables, nil
}
