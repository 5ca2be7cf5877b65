package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLiquidity(t *testing.T) {
	t.Run("FirstDepositMintsValue", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(100_000))

		shares, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100_000), nil)
		require.NoError(t, err)
		assert.Equal(t, usdc(100_000), shares)
		assert.Equal(t, usdc(100_000), rig.shares.SharesOf("lp"))

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, usdc(100_000), pool.AssetLiquidity)
		assert.Equal(t, big.NewInt(0), rig.bank.BalanceOf(testAsset, "lp"))
	})

	t.Run("IndexDepositMintsAtValue", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(100_000))
		rig.bank.Credit(testIndex, "lp", weth(10))

		_, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100_000), nil)
		require.NoError(t, err)

		// 10 WETH at 3000 is worth 30,000 pricing units.
		shares, err := rig.engine.AddLiquidity("lp", testIndex, weth(10), nil)
		require.NoError(t, err)
		assert.Equal(t, usdc(30_000), shares)

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, weth(10), pool.IndexLiquidity)
	})

	t.Run("MinSharesGuard", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(100))

		_, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100), usdc(101))
		assert.ErrorIs(t, err, ErrUndesirableLPAmount)
		// Nothing moved.
		assert.Equal(t, usdc(100), rig.bank.BalanceOf(testAsset, "lp"))
		assert.Equal(t, big.NewInt(0), rig.shares.TotalShares())
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		_, err := rig.engine.AddLiquidity("lp", testAsset, big.NewInt(0), nil)
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("UnsupportedToken", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		_, err := rig.engine.AddLiquidity("lp", "DOGE", usdc(100), nil)
		assert.ErrorIs(t, err, ErrUnsupportedToken)
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		_, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100), nil)
		assert.Error(t, err)
		assert.Equal(t, big.NewInt(0), rig.shares.TotalShares())
	})
}

func TestRemoveLiquidity(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(100_000))

		shares, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100_000), nil)
		require.NoError(t, err)

		out, err := rig.engine.RemoveLiquidity("lp", testAsset, shares, nil)
		require.NoError(t, err)
		assert.Equal(t, usdc(100_000), out)
		assert.Equal(t, usdc(100_000), rig.bank.BalanceOf(testAsset, "lp"))
		assert.Equal(t, big.NewInt(0), rig.shares.TotalShares())

		pool := rig.engine.PoolSnapshot()
		assert.Equal(t, big.NewInt(0), pool.AssetLiquidity)
	})

	t.Run("PaysOutInIndex", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testIndex, "lp", weth(10))

		shares, err := rig.engine.AddLiquidity("lp", testIndex, weth(10), nil)
		require.NoError(t, err)

		out, err := rig.engine.RemoveLiquidity("lp", testIndex, shares, nil)
		require.NoError(t, err)
		assert.Equal(t, weth(10), out)
		assert.Equal(t, weth(10), rig.bank.BalanceOf(testIndex, "lp"))
	})

	t.Run("SlippageGuard", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(100))

		shares, err := rig.engine.AddLiquidity("lp", testAsset, usdc(100), nil)
		require.NoError(t, err)

		_, err = rig.engine.RemoveLiquidity("lp", testAsset, shares, usdc(101))
		assert.ErrorIs(t, err, ErrSlippage)
	})

	t.Run("RefusesReservedBalance", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		rig.bank.Credit(testAsset, "lp", usdc(10_000))
		rig.bank.Credit(testAsset, "alice", usdc(1_000))

		shares, err := rig.engine.AddLiquidity("lp", testAsset, usdc(10_000), nil)
		require.NoError(t, err)

		// A short reserves the asset side of the pool.
		require.NoError(t, rig.engine.UpdatePosition("alice", testAsset, usdc(100), usdc(1000), false))

		_, err = rig.engine.RemoveLiquidity("lp", testAsset, shares, nil)
		assert.ErrorIs(t, err, ErrNotEnoughReserves)

		// A partial withdrawal that leaves the reserve intact succeeds.
		half := new(big.Int).Quo(shares, big.NewInt(2))
		_, err = rig.engine.RemoveLiquidity("lp", testAsset, half, nil)
		assert.NoError(t, err)
	})

	t.Run("ZeroShares", func(t *testing.T) {
		rig := newTestRig(t)
		rig.setPrice(3000)
		_, err := rig.engine.RemoveLiquidity("lp", testAsset, big.NewInt(0), nil)
		assert.ErrorIs(t, err, ErrZeroAmount)
	})
}

func TestPreviews(t *testing.T) {
	rig := newTestRig(t)
	rig.setPrice(3000)
	rig.bank.Credit(testAsset, "lp", usdc(50_000))
	rig.bank.Credit(testIndex, "lp", weth(10))

	t.Run("EmptyPoolQuotesParity", func(t *testing.T) {
		shares, err := rig.engine.PreviewDeposit(usdc(100))
		require.NoError(t, err)
		assert.Equal(t, usdc(100), shares)
	})

	_, err := rig.engine.AddLiquidity("lp", testAsset, usdc(50_000), nil)
	require.NoError(t, err)
	_, err = rig.engine.AddLiquidity("lp", testIndex, weth(10), nil)
	require.NoError(t, err)

	t.Run("TotalAssetsValue", func(t *testing.T) {
		tav, err := rig.engine.TotalAssetsValue()
		require.NoError(t, err)
		// 50,000 USDC plus 10 WETH at 3000.
		assert.Equal(t, usdc(80_000), tav)
	})

	t.Run("RedeemTracksShareOfValue", func(t *testing.T) {
		value, err := rig.engine.PreviewRedeem(usdc(8_000))
		require.NoError(t, err)
		// 8,000 of 80,000 shares is a tenth of the pool.
		assert.Equal(t, usdc(8_000), value)
	})

	t.Run("PriceMoveShiftsShareValue", func(t *testing.T) {
		rig.setPrice(6000)
		// Pool value rises to 110,000 against 80,000 shares.
		value, err := rig.engine.PreviewRedeem(usdc(8_000))
		require.NoError(t, err)
		assert.Equal(t, usdc(11_000), value)

		shares, err := rig.engine.PreviewDeposit(usdc(11_000))
		require.NoError(t, err)
		assert.Equal(t, usdc(8_000), shares)
		rig.setPrice(3000)
	})
}
