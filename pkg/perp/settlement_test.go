package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLeverage(t *testing.T) {
	t.Run("TenX", func(t *testing.T) {
		leverage, err := GetLeverage(usdc(100), usdc(1000))
		require.NoError(t, err)
		want := new(big.Int).Mul(big.NewInt(10), LeverageScale)
		assert.Equal(t, want, leverage)
		assert.True(t, IsValidLeverage(leverage))
	})

	t.Run("CapBoundary", func(t *testing.T) {
		atCap, err := GetLeverage(usdc(100), usdc(1500))
		require.NoError(t, err)
		assert.True(t, IsValidLeverage(atCap))

		overCap, err := GetLeverage(usdc(100), new(big.Int).Add(usdc(1500), big.NewInt(1)))
		require.NoError(t, err)
		assert.False(t, IsValidLeverage(overCap))
	})

	t.Run("ZeroOperands", func(t *testing.T) {
		_, err := GetLeverage(big.NewInt(0), usdc(1000))
		assert.ErrorIs(t, err, ErrZeroAmount)
		_, err = GetLeverage(usdc(100), big.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroAmount)
		_, err = GetLeverage(nil, usdc(1000))
		assert.ErrorIs(t, err, ErrZeroAmount)
	})
}

func TestGetLiquidationFee(t *testing.T) {
	assert.Equal(t, usdc(10), GetLiquidationFee(usdc(100)))
	// Truncates toward zero.
	assert.Equal(t, big.NewInt(3_333_333), GetLiquidationFee(big.NewInt(33_333_334)))
}

func TestProfitOrLoss(t *testing.T) {
	rig := newTestRig(t)

	t.Run("GainOnPriceRise", func(t *testing.T) {
		pnl := rig.engine.profitOrLoss(usdc(4000), usdc(3000), usdc(1000))
		// A third of a token gains 1000 points: 333.333333 truncated.
		assert.Equal(t, big.NewInt(333_333_333), pnl)
	})

	t.Run("LossOnPriceDrop", func(t *testing.T) {
		pnl := rig.engine.profitOrLoss(usdc(2000), usdc(3000), usdc(1000))
		assert.Equal(t, big.NewInt(-333_333_333), pnl)
	})

	t.Run("FlatPriceIsZero", func(t *testing.T) {
		pnl := rig.engine.profitOrLoss(usdc(3000), usdc(3000), usdc(1000))
		assert.Equal(t, big.NewInt(0), pnl)
	})
}

func TestClosePosition(t *testing.T) {
	t.Run("LongPaysOutInIndex", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		require.NoError(t, rig.engine.ClosePosition("alice", true))

		// Flat price, zero elapsed: the payout is the collateral converted
		// to WETH at 3000.
		want := mulDiv(usdc(100), weth(1), usdc(3000))
		assert.Equal(t, want, rig.bank.BalanceOf(testIndex, "alice"))

		_, ok := rig.engine.GetPosition("alice", true)
		assert.False(t, ok)

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, big.NewInt(0), pool.LongOpenInterest)
		// Collateral folded into the asset side, payout left the index side.
		assert.Equal(t, usdc(100_103), pool.AssetLiquidity)
		assert.Equal(t, new(big.Int).Sub(weth(100), want), pool.IndexLiquidity)
	})

	t.Run("ShortPaysOutInAsset", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), false))
		balance := rig.bank.BalanceOf(testAsset, "alice")

		require.NoError(t, rig.engine.ClosePosition("alice", false))
		assert.Equal(t, new(big.Int).Add(balance, usdc(100)), rig.bank.BalanceOf(testAsset, "alice"))

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, big.NewInt(0), pool.ShortOpenInterest)
	})

	t.Run("GainComesOutOfThePool", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		rig.setPrice(4000)
		require.NoError(t, rig.engine.ClosePosition("alice", true))

		// 333.333333 of gain plus 100 of collateral, both paid in WETH
		// at the closing mark.
		pnl := big.NewInt(333_333_333)
		want := new(big.Int).Add(
			mulDiv(usdc(100), weth(1), usdc(4000)),
			mulDiv(pnl, weth(1), usdc(4000)),
		)
		assert.Equal(t, want, rig.bank.BalanceOf(testIndex, "alice"))

		// Worth more than the 100 put in.
		value := mulDiv(rig.bank.BalanceOf(testIndex, "alice"), usdc(4000), weth(1))
		assert.Positive(t, value.Cmp(usdc(100)))
	})

	t.Run("ShortGain", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), false))
		balance := rig.bank.BalanceOf(testAsset, "alice")

		rig.setPrice(2900)
		require.NoError(t, rig.engine.ClosePosition("alice", false))

		// The short gains what the long would lose: 33.333333.
		want := new(big.Int).Add(balance, new(big.Int).Add(usdc(100), big.NewInt(33_333_333)))
		assert.Equal(t, want, rig.bank.BalanceOf(testAsset, "alice"))
	})

	t.Run("ClosedPositionIsNoOp", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		assert.NoError(t, rig.engine.ClosePosition("nobody", true))
	})

	t.Run("AccrualWipeSettlesAsClosed", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		rig.setPrice(2600)
		require.NoError(t, rig.engine.ClosePosition("alice", true))

		// The crash consumed the collateral, so nothing paid out.
		assert.Equal(t, big.NewInt(0), rig.bank.BalanceOf(testIndex, "alice"))
		_, ok := rig.engine.GetPosition("alice", true)
		assert.False(t, ok)
		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, big.NewInt(0), pool.LongOpenInterest)
	})

	t.Run("ReroutesToLiquidation", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		// 14x long; a moderate drop pushes it past the cap without
		// wiping the collateral.
		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1400), true))
		balance := rig.bank.BalanceOf(testAsset, "alice")

		rig.setPrice(2900)
		require.NoError(t, rig.engine.ClosePosition("alice", true))

		// The close settled as a self-liquidation: alice keeps the whole
		// post-loss collateral (fee plus remainder) in USDC, not WETH.
		loss := big.NewInt(46_666_666)
		remaining := new(big.Int).Sub(usdc(100), loss)
		assert.Equal(t, new(big.Int).Add(balance, remaining), rig.bank.BalanceOf(testAsset, "alice"))
		assert.Equal(t, big.NewInt(0), rig.bank.BalanceOf(testIndex, "alice"))

		_, ok := rig.engine.GetPosition("alice", true)
		assert.False(t, ok)
	})
}

func TestIsLiquidateable(t *testing.T) {
	rig := newTestRig(t)
	rig.setPrice(3000)
	fundPool(t, rig)
	rig.bank.Credit(testAsset, "alice", usdc(200))

	require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))

	t.Run("HealthyAtTenX", func(t *testing.T) {
		ok, err := rig.engine.IsLiquidateable("alice", true)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CrashRevaluesCollateral", func(t *testing.T) {
		// At 2800 the mark-to-market collateral is 33.33, so leverage
		// runs to 30x.
		rig.setPrice(2800)
		ok, err := rig.engine.IsLiquidateable("alice", true)
		require.NoError(t, err)
		assert.True(t, ok)
		rig.setPrice(3000)
	})

	t.Run("ClosedPosition", func(t *testing.T) {
		ok, err := rig.engine.IsLiquidateable("nobody", true)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLiquidate(t *testing.T) {
	t.Run("HealthyPositionRefused", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		err := rig.engine.Liquidate("bob", "alice", true)
		assert.ErrorIs(t, err, ErrNotLiquidateable)
	})

	t.Run("SplitsCollateral", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		aliceBefore := rig.bank.BalanceOf(testAsset, "alice")
		poolBefore := rig.engine.PoolSnapshot()

		rig.setPrice(2800)
		require.NoError(t, rig.engine.Liquidate("bob", "alice", true))

		// The 200-point drop accrues 66.666666 of loss; 10% of what is
		// left goes to the liquidator, the rest back to the trader.
		loss := big.NewInt(66_666_666)
		remaining := new(big.Int).Sub(usdc(100), loss)
		fee := GetLiquidationFee(remaining)

		assert.Equal(t, fee, rig.bank.BalanceOf(testAsset, "bob"))
		wantAlice := new(big.Int).Add(aliceBefore, new(big.Int).Sub(remaining, fee))
		assert.Equal(t, wantAlice, rig.bank.BalanceOf(testAsset, "alice"))

		_, ok := rig.engine.GetPosition("alice", true)
		assert.False(t, ok)

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, big.NewInt(0), pool.LongOpenInterest)
		// Only the accrued loss stayed with LPs.
		assert.Equal(t, new(big.Int).Add(poolBefore.AssetLiquidity, loss), pool.AssetLiquidity)
	})

	t.Run("WipedPositionPaysNoFee", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		fundPool(t, rig)
		rig.bank.Credit(testAsset, "alice", usdc(200))

		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))
		rig.setPrice(2600)
		require.NoError(t, rig.engine.Liquidate("bob", "alice", true))

		assert.Equal(t, big.NewInt(0), rig.bank.BalanceOf(testAsset, "bob"))
		_, ok := rig.engine.GetPosition("alice", true)
		assert.False(t, ok)
	})

	t.Run("ClosedPositionIsNoOp", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		assert.NoError(t, rig.engine.Liquidate("bob", "nobody", true))
	})
}

// TestLifecycleScenario walks a whole market life: LPs fund both sides, a
// trader runs a profitable week-long long, and everyone settles out whole.
func TestLifecycleScenario(t *testing.T) {
	rig := newTestRig(t)
	rig.setPrice(3000)

	rig.bank.Credit(testAsset, "lp", usdc(100_000))
	rig.bank.Credit(testIndex, "lp", weth(100))
	rig.bank.Credit(testAsset, "alice", usdc(200))

	lpShares, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100_000), nil)
	require.NoError(t, err)
	moreShares, err := rig.engine.AddLiquidity("lp", testIndex, weth(100), nil)
	require.NoError(t, err)
	lpShares.Add(lpShares, moreShares)
	assert.Equal(t, usdc(400_000), lpShares)

	require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), true))

	rig.advance(7 * 24 * time.Hour)
	rig.setPrice(4000)

	fee := rig.engine.CalculateBorrowingFee(usdc(1000), 7*24*3600)
	require.NoError(t, rig.engine.ClosePosition("alice", true))

	// The week of fees came out of collateral; the rebased gain came on
	// top. Both settle at the closing mark.
	collateral := new(big.Int).Sub(usdc(100), fee)
	pnl := big.NewInt(333_333_333)
	want := new(big.Int).Add(
		mulDiv(collateral, weth(1), usdc(4000)),
		mulDiv(pnl, weth(1), usdc(4000)),
	)
	assert.Equal(t, want, rig.bank.BalanceOf(testIndex, "alice"))

	// A profitable week: the payout is worth more than the 100 put in.
	value := mulDiv(want, usdc(4000), weth(1))
	assert.Positive(t, value.Cmp(usdc(100)))

	pool := rig.engine.PoolSnapshot()
	assert.Equal(t, big.NewInt(0), pool.LongOpenInterest)
	assert.Equal(t, big.NewInt(0), pool.ShortOpenInterest)

	// With no open interest nothing is reserved; the LP redeems a quarter
	// of the pool, paid from the index side.
	out, err := rig.engine.RemoveLiquidity("lp", testIndex, usdc(100_000), nil)
	require.NoError(t, err)
	assert.Positive(t, out.Sign())
	assert.Equal(t, usdc(300_000), rig.shares.SharesOf("lp"))
}
