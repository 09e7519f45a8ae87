package venue

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-router/internal/chain"
)

var curveDiscriminator = anchorDiscriminator("BondingCurve")

type accountReader interface {
	GetAccount(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (chain.Account, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

type curveAccount struct {
	Discriminator        [8]byte
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

const curveAccountMinSize = 8 + 5*8 + 1

// Router 查询联合曲线账户并决定交易场所。
type Router struct {
	reader  accountReader
	program solana.PublicKey
	cache   *Cache[solana.PublicKey, State]
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter 创建场所路由器，cacheTTL 只作用于 Peek。
func NewRouter(reader accountReader, program solana.PublicKey, cacheTTL time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		reader:  reader,
		program: program,
		cache:   NewCache[solana.PublicKey, State](cacheTTL),
		logger:  logger,
		now:     time.Now,
	}
}

// CurveAddress 推导 mint 对应的联合曲线账户地址。
func CurveAddress(program, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("bonding-curve"), mint.Bytes()}, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("venue: 推导曲线地址失败: %w", err)
	}
	return addr, nil
}

// Classify 实时查询场所状态。每笔交易都必须调用，不走缓存，
// 因为曲线完成是单向且可能发生在报价与执行之间。
func (r *Router) Classify(ctx context.Context, mint solana.PublicKey) (State, error) {
	curveAddr, err := CurveAddress(r.program, mint)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrVenueQueryFailed, err)
	}

	var (
		account  chain.Account
		found    bool
		decimals uint8
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		acc, err := r.reader.GetAccount(groupCtx, curveAddr, rpc.CommitmentConfirmed)
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取曲线账户 %s: %w", curveAddr, err)
		}
		account, found = acc, true
		return nil
	})
	group.Go(func() error {
		d, err := r.reader.MintDecimals(groupCtx, mint)
		if err != nil {
			return fmt.Errorf("读取 mint %s: %w", mint, err)
		}
		decimals = d
		return nil
	})
	if err := group.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return State{}, ctxErr
		}
		return State{}, fmt.Errorf("%w: %w", ErrVenueQueryFailed, err)
	}

	state := State{
		Mint:      mint,
		Decimals:  decimals,
		Kind:      KindPool,
		FetchedAt: r.now().UTC(),
	}
	if found {
		state.Kind, state.Curve = r.decodeCurve(curveAddr, account)
	}

	r.cache.Set(mint, state)

	r.logger.Debug("场所状态查询完成",
		zap.String("mint", mint.String()),
		zap.String("kind", string(state.Kind)),
		zap.Bool("complete", state.Curve != nil && state.Curve.Complete),
		zap.Uint8("decimals", decimals),
	)

	return state, nil
}

// Peek 返回缓存中的场所状态，用于展示报价；缓存过期时重新查询。
// 下单路径必须使用 Classify。
func (r *Router) Peek(ctx context.Context, mint solana.PublicKey) (State, error) {
	if state, ok := r.cache.Get(mint); ok {
		return state, nil
	}
	return r.Classify(ctx, mint)
}

// Route 查询状态并返回选定场所。
func (r *Router) Route(ctx context.Context, mint solana.PublicKey) (State, Kind, error) {
	state, err := r.Classify(ctx, mint)
	if err != nil {
		return State{}, "", err
	}
	return state, SelectVenue(state), nil
}

func (r *Router) decodeCurve(addr solana.PublicKey, account chain.Account) (Kind, *CurveState) {
	if !account.Owner.Equals(r.program) {
		r.logger.Warn("曲线账户归属程序不符，按未知处理",
			zap.String("address", addr.String()),
			zap.String("owner", account.Owner.String()),
		)
		return KindUnknown, nil
	}
	if len(account.Data) < curveAccountMinSize {
		r.logger.Warn("曲线账户数据长度不足，按未知处理",
			zap.String("address", addr.String()),
			zap.Int("size", len(account.Data)),
		)
		return KindUnknown, nil
	}

	var raw curveAccount
	if err := bin.NewBorshDecoder(account.Data).Decode(&raw); err != nil {
		r.logger.Warn("解析曲线账户失败，按未知处理", zap.String("address", addr.String()), zap.Error(err))
		return KindUnknown, nil
	}
	if raw.Discriminator != curveDiscriminator {
		r.logger.Warn("曲线账户标识不符，按未知处理", zap.String("address", addr.String()))
		return KindUnknown, nil
	}

	return KindBondingCurve, &CurveState{
		VirtualTokenReserves: raw.VirtualTokenReserves,
		VirtualSolReserves:   raw.VirtualSolReserves,
		RealTokenReserves:    raw.RealTokenReserves,
		RealSolReserves:      raw.RealSolReserves,
		TokenTotalSupply:     raw.TokenTotalSupply,
		Complete:             raw.Complete,
	}
}

func anchorDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
