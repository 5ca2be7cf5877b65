// Package perp implements the margin accounting core for a two-token
// perpetual market: a shared liquidity pool, per-trader leveraged positions,
// time-based borrowing fees, and permissionless liquidation.
package perp

import (
	"fmt"
	"math/big"
)

// Side represents the direction of a position
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// sideOf maps the isLong flag used on the public surface to a Side.
func sideOf(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// PositionKey keys the ledger by trader and side. A trader holds at most one
// position per side.
type PositionKey struct {
	Trader string
	Side   Side
}

// Position is a single leveraged position. Positions are value types copied
// in and out of the ledger map; amounts are never aliased between records.
//
// Collateral is denominated in whichever token funded the position.
// CollateralInIndex fixes that denomination for the life of the position.
// Size is notional value in pricing units (asset-token scale), not in
// index-token units. EntryPrice is the mark price the open (or the last loss
// settlement) was booked at. LastAccrual is the unix second borrowing fees
// were last settled into collateral.
type Position struct {
	Collateral        *big.Int
	CollateralInIndex bool
	Size              *big.Int
	EntryPrice        *big.Int
	LastAccrual       int64
}

// Open reports whether the position is live. A closed position has every
// field reset to zero.
func (p Position) Open() bool {
	return p.EntryPrice != nil && p.EntryPrice.Sign() != 0
}

// PoolState holds the pool aggregates every mutation checks against.
// Liquidity balances are raw token amounts attributed to LPs; open interest
// is aggregate notional per side in pricing units.
type PoolState struct {
	AssetLiquidity    *big.Int
	IndexLiquidity    *big.Int
	LongOpenInterest  *big.Int
	ShortOpenInterest *big.Int
}

func newPoolState() PoolState {
	return PoolState{
		AssetLiquidity:    big.NewInt(0),
		IndexLiquidity:    big.NewInt(0),
		LongOpenInterest:  big.NewInt(0),
		ShortOpenInterest: big.NewInt(0),
	}
}

// copy returns a deep copy safe to hand to observers.
func (p PoolState) copy() PoolState {
	return PoolState{
		AssetLiquidity:    new(big.Int).Set(p.AssetLiquidity),
		IndexLiquidity:    new(big.Int).Set(p.IndexLiquidity),
		LongOpenInterest:  new(big.Int).Set(p.LongOpenInterest),
		ShortOpenInterest: new(big.Int).Set(p.ShortOpenInterest),
	}
}

// MarketConfig describes the two supported tokens and the flat annual
// borrowing rate charged on open notional. MaxPriceAgeSec bounds how old an
// oracle answer may be before mutations refuse it; zero disables the check.
type MarketConfig struct {
	AssetSymbol    string
	AssetDecimals  uint8
	IndexSymbol    string
	IndexDecimals  uint8
	BorrowRateBps  int64
	MaxPriceAgeSec int64
}

// TokenBank is the token-transfer capability. Both calls must fail
// atomically: a returned error means no balance moved.
type TokenBank interface {
	TransferIn(token, from string, amount *big.Int) error
	TransferOut(token, to string, amount *big.Int) error
}

// ShareSupply is the LP share-token capability. Mint/burn mechanics live
// outside this core; only the running supply matters to share pricing.
type ShareSupply interface {
	Mint(owner string, amount *big.Int) error
	Burn(owner string, amount *big.Int) error
	TotalShares() *big.Int
}

// Risk parameters. Leverage is expressed at 1e18 scale; fees in basis
// points; the borrowing rate is reduced to a per-second rate against
// BorrowScale at engine construction.
const (
	MaxLeverageX      = 15
	MaxUtilizationBps = 8000
	PositionFeeBps    = 30
	LiquidatorFeeBps  = 1000

	bpsDivisor     = 10_000
	secondsPerYear = 365 * 24 * 60 * 60
)

var (
	// LeverageScale is the fixed-point scale leverage ratios are quoted at.
	LeverageScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// MaxLeverage is the 15x cap at LeverageScale.
	MaxLeverage = new(big.Int).Mul(big.NewInt(MaxLeverageX), LeverageScale)

	// BorrowScale is the fixed-point scale of the per-second borrowing rate.
	BorrowScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
)

// Errors
var (
	ErrUnsupportedToken    = fmt.Errorf("unsupported token")
	ErrZeroAmount          = fmt.Errorf("zero amount")
	ErrInvalidLeverage     = fmt.Errorf("invalid leverage")
	ErrNotEnoughAssets     = fmt.Errorf("not enough assets")
	ErrNotEnoughReserves   = fmt.Errorf("not enough reserves")
	ErrSlippage            = fmt.Errorf("slippage exceeded")
	ErrUndesirableLPAmount = fmt.Errorf("undesirable lp amount")
	ErrBadPrice            = fmt.Errorf("bad oracle price")
	ErrNotLiquidateable    = fmt.Errorf("position not liquidateable")
	ErrAmountUnderflow     = fmt.Errorf("amount underflow")
)
