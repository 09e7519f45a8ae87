package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount 表示用户输入的数量无法解析或超出允许范围。
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrPrecisionInvariant 表示换算往返校验失败，属于程序错误而非用户错误。
	ErrPrecisionInvariant = errors.New("precision invariant violation")
)

// MaxScale 为链上代币允许的最大精度。
const MaxScale = 18

var roundTripTolerance = decimal.New(1, -6)

// 输入规模上限：整数部分最多 39 位（u128），小数部分最多 maxFractionDigits 位。
const (
	maxInputLen       = 128
	maxIntegerDigits  = 39
	maxFractionDigits = 64
)

// PrecisionError 描述一次失败的往返校验。
type PrecisionError struct {
	Input string
	Scale uint8
	Got   string
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("amount: %s 往返校验失败 (scale=%d, got=%s)", e.Input, e.Scale, e.Got)
}

func (e *PrecisionError) Unwrap() error {
	return ErrPrecisionInvariant
}

// Canonical 将字符串或科学计数法输入规范化为十进制数字串。
func Canonical(input string) (string, error) {
	d, err := parse(input)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// ToBaseUnits 把十进制数量换算为链上整数单位。
// 超出 scale 的小数位直接截断，不做四舍五入。
func ToBaseUnits(input string, scale uint8) (*big.Int, error) {
	d, err := parse(input)
	if err != nil {
		return nil, err
	}
	return toBaseUnits(d, input, scale)
}

// ToBaseUnitsFloat 与 ToBaseUnits 相同，但接受浮点输入。
func ToBaseUnitsFloat(value float64, scale uint8) (*big.Int, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: 非有限数值 %v", ErrInvalidAmount, value)
	}
	d := decimal.NewFromFloat(value)
	if err := checkMagnitude(d, d.String()); err != nil {
		return nil, err
	}
	return toBaseUnits(d, d.String(), scale)
}

// FromBaseUnits 把链上整数单位还原为十进制数量。
func FromBaseUnits(value *big.Int, scale uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(scale))
}

func toBaseUnits(d decimal.Decimal, input string, scale uint8) (*big.Int, error) {
	if scale > MaxScale {
		return nil, fmt.Errorf("%w: 精度 %d 超出上限 %d", ErrInvalidAmount, scale, MaxScale)
	}

	truncated := d.Truncate(int32(scale))
	raw := truncated.Shift(int32(scale)).BigInt()

	back := FromBaseUnits(raw, scale)
	tolerance := roundTripTolerance
	if step := decimal.New(1, -int32(scale)); step.GreaterThan(tolerance) {
		tolerance = step
	}
	if back.Sub(d).Abs().GreaterThanOrEqual(tolerance) || !back.Equal(truncated) {
		return nil, &PrecisionError{Input: input, Scale: scale, Got: back.String()}
	}

	return raw, nil
}

func parse(input string) (decimal.Decimal, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: 数量为空", ErrInvalidAmount)
	}
	if len(s) > maxInputLen {
		return decimal.Zero, fmt.Errorf("%w: 输入过长 (%d 字符)", ErrInvalidAmount, len(s))
	}

	unsigned := strings.TrimLeft(s, "+-")
	switch strings.ToLower(unsigned) {
	case "nan", "inf", "infinity":
		return decimal.Zero, fmt.Errorf("%w: 非有限数值 %q", ErrInvalidAmount, input)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: 无法解析 %q", ErrInvalidAmount, input)
	}
	if err := checkMagnitude(d, input); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// checkMagnitude 在换算前拒绝指数过大或过小的输入，避免构造超长整数。
func checkMagnitude(d decimal.Decimal, input string) error {
	if d.IsZero() {
		return nil
	}
	exp := int(d.Exponent())
	if exp > maxIntegerDigits || d.NumDigits()+exp > maxIntegerDigits {
		return fmt.Errorf("%w: %q 超出可表示范围", ErrInvalidAmount, input)
	}
	if exp < -maxFractionDigits {
		return fmt.Errorf("%w: %q 小数位过多", ErrInvalidAmount, input)
	}
	return nil
}
