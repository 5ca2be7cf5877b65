package perp

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Engine owns the pool aggregates and the position ledger and serializes
// every mutation behind one mutex. Each public mutating operation reads the
// oracle once, validates against the solvency and leverage invariants, moves
// funds through the bank, and only then commits state; any failure leaves
// the ledger untouched.
type Engine struct {
	cfg    MarketConfig
	feed   PriceFeed
	bank   TokenBank
	shares ShareSupply
	logger log.Logger

	positions map[PositionKey]Position
	pool      PoolState

	// Per-second borrowing rate at BorrowScale, fixed at construction.
	ratePerSecond *big.Int

	assetScale *big.Int
	indexScale *big.Int

	events chan Event
	now    func() time.Time

	mu sync.Mutex
}

// NewEngine builds an engine for one market. The borrowing rate is reduced
// from annual basis points to a per-second fixed-point rate here; everything
// else is read from capabilities at call time.
func NewEngine(cfg MarketConfig, feed PriceFeed, bank TokenBank, shares ShareSupply, logger log.Logger) (*Engine, error) {
	if cfg.AssetSymbol == "" || cfg.IndexSymbol == "" || cfg.AssetSymbol == cfg.IndexSymbol {
		return nil, fmt.Errorf("invalid market tokens %q/%q", cfg.AssetSymbol, cfg.IndexSymbol)
	}
	if cfg.BorrowRateBps < 0 {
		return nil, fmt.Errorf("negative borrow rate")
	}
	if feed == nil || bank == nil || shares == nil {
		return nil, fmt.Errorf("nil capability")
	}

	rate := new(big.Int).Mul(big.NewInt(cfg.BorrowRateBps), BorrowScale)
	rate.Quo(rate, big.NewInt(bpsDivisor))
	rate.Quo(rate, big.NewInt(secondsPerYear))

	return &Engine{
		cfg:           cfg,
		feed:          feed,
		bank:          bank,
		shares:        shares,
		logger:        logger,
		positions:     make(map[PositionKey]Position),
		pool:          newPoolState(),
		ratePerSecond: rate,
		assetScale:    pow10(cfg.AssetDecimals),
		indexScale:    pow10(cfg.IndexDecimals),
		events:        make(chan Event, 1024),
		now:           time.Now,
	}, nil
}

// Config returns the market configuration.
func (e *Engine) Config() MarketConfig { return e.cfg }

// PoolSnapshot returns a copy of the pool aggregates.
func (e *Engine) PoolSnapshot() PoolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.copy()
}

// GetPosition returns a copy of the position for (trader, side) and whether
// an open position exists.
func (e *Engine) GetPosition(trader string, isLong bool) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[PositionKey{Trader: trader, Side: sideOf(isLong)}]
	if !ok || !pos.Open() {
		return Position{}, false
	}
	return Position{
		Collateral:        new(big.Int).Set(pos.Collateral),
		CollateralInIndex: pos.CollateralInIndex,
		Size:              new(big.Int).Set(pos.Size),
		EntryPrice:        new(big.Int).Set(pos.EntryPrice),
		LastAccrual:       pos.LastAccrual,
	}, true
}

// isIndexToken classifies a token argument, rejecting anything outside the
// two supported tokens.
func (e *Engine) isIndexToken(token string) (bool, error) {
	switch token {
	case e.cfg.IndexSymbol:
		return true, nil
	case e.cfg.AssetSymbol:
		return false, nil
	default:
		return false, ErrUnsupportedToken
	}
}

func (e *Engine) collateralToken(inIndex bool) string {
	if inIndex {
		return e.cfg.IndexSymbol
	}
	return e.cfg.AssetSymbol
}

// poolBalance returns the mutable liquidity counter for a supported token.
func (e *Engine) poolBalance(isIndex bool) *big.Int {
	if isIndex {
		return e.pool.IndexLiquidity
	}
	return e.pool.AssetLiquidity
}

// creditPool folds an amount the engine holds into the pool's raw balance
// counter. Used when trader collateral (or a fee) accrues to LPs.
func (e *Engine) creditPool(isIndex bool, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	e.poolBalance(isIndex).Add(e.poolBalance(isIndex), amount)
}

// debitPool reduces the pool's raw balance counter for a payout. The caller
// has already established the balance is sufficient.
func (e *Engine) debitPool(isIndex bool, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	e.poolBalance(isIndex).Sub(e.poolBalance(isIndex), amount)
}

// openInterest returns the mutable aggregate for a side.
func (e *Engine) openInterest(side Side) *big.Int {
	if side == Long {
		return e.pool.LongOpenInterest
	}
	return e.pool.ShortOpenInterest
}

// collateralValue prices collateral in pricing units at the mark price.
func (e *Engine) collateralValue(pos Position, price *big.Int) *big.Int {
	if pos.CollateralInIndex {
		return toPricingUnit(pos.Collateral, price, e.indexScale)
	}
	return new(big.Int).Set(pos.Collateral)
}
