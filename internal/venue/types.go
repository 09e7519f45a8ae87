package venue

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrVenueQueryFailed 表示场所查询失败，交易必须中止而不是默认选择某个场所。
var ErrVenueQueryFailed = errors.New("venue query failed")

// Kind 表示流动性场所类型。
type Kind string

const (
	KindBondingCurve Kind = "bonding_curve"
	KindPool         Kind = "pool"
	KindUnknown      Kind = "unknown"
)

// Side 表示交易方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// CurveState 为联合曲线账户的储备快照。
type CurveState struct {
	VirtualTokenReserves uint64 `json:"virtual_token_reserves"`
	VirtualSolReserves   uint64 `json:"virtual_sol_reserves"`
	RealTokenReserves    uint64 `json:"real_token_reserves"`
	RealSolReserves      uint64 `json:"real_sol_reserves"`
	TokenTotalSupply     uint64 `json:"token_total_supply"`
	Complete             bool   `json:"complete"`
}

// State 为一次查询得到的场所状态，不做持久化。
//
// Kind 为 KindBondingCurve 时 Curve 必定非空；KindPool 表示曲线账户不存在；
// KindUnknown 表示账户存在但结构无法识别。
type State struct {
	Mint      solana.PublicKey `json:"mint"`
	Decimals  uint8            `json:"decimals"`
	Kind      Kind             `json:"kind"`
	Curve     *CurveState      `json:"curve,omitempty"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// SelectVenue 只有在曲线存在且未完成时返回联合曲线，其余情况一律走池子。
func SelectVenue(s State) Kind {
	if s.Kind == KindBondingCurve && s.Curve != nil && !s.Curve.Complete {
		return KindBondingCurve
	}
	return KindPool
}
