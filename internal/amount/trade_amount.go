package amount

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// TradeAmount 为按代币精度缩放后的无符号整数数量。
type TradeAmount struct {
	Raw   uint64
	Scale uint8
}

// NewTradeAmount 解析用户输入的正数数量。
func NewTradeAmount(input string, scale uint8) (TradeAmount, error) {
	raw, err := ToBaseUnits(input, scale)
	if err != nil {
		return TradeAmount{}, err
	}
	if raw.Sign() <= 0 {
		return TradeAmount{}, fmt.Errorf("%w: 交易数量必须为正 (%q)", ErrInvalidAmount, input)
	}
	if raw.Cmp(maxUint64) > 0 {
		return TradeAmount{}, fmt.Errorf("%w: %q 超出 u64 范围", ErrInvalidAmount, input)
	}
	return TradeAmount{Raw: raw.Uint64(), Scale: scale}, nil
}

// FromRaw 直接包装链上整数数量。
func FromRaw(raw uint64, scale uint8) TradeAmount {
	return TradeAmount{Raw: raw, Scale: scale}
}

// Decimal 返回十进制表示。
func (a TradeAmount) Decimal() decimal.Decimal {
	return FromBaseUnits(new(big.Int).SetUint64(a.Raw), a.Scale)
}

func (a TradeAmount) String() string {
	return a.Decimal().String()
}

// PercentOf 按百分比计算余额中的份额，向下取整。
func PercentOf(balance uint64, percent string) (uint64, error) {
	pct, err := parse(strings.TrimSuffix(strings.TrimSpace(percent), "%"))
	if err != nil {
		return 0, fmt.Errorf("无法解析百分比 %q: %w", percent, err)
	}
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("%w: 百分比必须位于(0,100]，当前 %s", ErrInvalidAmount, pct)
	}

	share := decimal.NewFromBigInt(new(big.Int).SetUint64(balance), 0).
		Mul(pct).
		Div(decimal.NewFromInt(100)).
		Floor()
	if !share.IsPositive() {
		return 0, fmt.Errorf("%w: 余额 %d 的 %s%% 为 0", ErrInvalidAmount, balance, pct)
	}
	return share.BigInt().Uint64(), nil
}
