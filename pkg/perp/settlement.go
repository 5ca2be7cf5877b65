package perp

import "math/big"

// GetLeverage returns size/collateral at LeverageScale. Both operands must
// be nonzero: a position may never hold size without collateral or the
// reverse.
func GetLeverage(collateral, size *big.Int) (*big.Int, error) {
	if collateral == nil || size == nil || collateral.Sign() == 0 || size.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	return mulDiv(size, LeverageScale, collateral), nil
}

// IsValidLeverage reports whether a leverage ratio is within the 15x cap.
func IsValidLeverage(leverage *big.Int) bool {
	return leverage.Cmp(MaxLeverage) <= 0
}

// GetPositionFee returns the 30bp fee on a notional size, truncated.
func GetPositionFee(size *big.Int) *big.Int {
	return mulDiv(size, big.NewInt(PositionFeeBps), big.NewInt(bpsDivisor))
}

// GetLiquidationFee returns the 10% liquidator cut of a collateral amount.
func GetLiquidationFee(collateral *big.Int) *big.Int {
	return mulDiv(collateral, big.NewInt(LiquidatorFeeBps), big.NewInt(bpsDivisor))
}

// profitOrLoss returns signed PnL in pricing units for a notional size
// opened at entryPrice and marked at markPrice.
func (e *Engine) profitOrLoss(markPrice, entryPrice, size *big.Int) *big.Int {
	priceDelta := new(big.Int).Sub(markPrice, entryPrice)
	sizeInIndex := mulDiv(size, e.indexScale, entryPrice)
	return mulDiv(priceDelta, sizeInIndex, e.indexScale)
}

// ClosePosition settles and closes the caller's position on one side.
// Accrual runs first; a position the accrual wiped counts as already
// settled. A position past the leverage cap re-routes to liquidation with
// the caller as liquidator. Longs are paid in the index token, shorts in
// the asset token.
func (e *Engine) ClosePosition(trader string, isLong bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := PositionKey{Trader: trader, Side: sideOf(isLong)}
	stored, ok := e.positions[key]
	if !ok || !stored.Open() {
		return nil
	}
	price, err := e.markPrice()
	if err != nil {
		return err
	}
	pos := clonePosition(stored)
	heldCollateral := new(big.Int).Set(pos.Collateral)
	accrual := e.runAccrual(&pos, key.Side, price, e.now().Unix())
	if !pos.Open() {
		e.commitAccrual(key, accrual)
		delete(e.positions, key)
		return nil
	}
	if e.isLiquidateable(pos, price) {
		return e.liquidateLocked(trader, key, pos, accrual)
	}

	pnl := e.profitOrLoss(price, pos.EntryPrice, pos.Size)
	if key.Side == Short {
		pnl.Neg(pnl)
	}

	payoutInIndex := key.Side == Long
	payoutToken := e.collateralToken(payoutInIndex)

	collateral := new(big.Int).Set(pos.Collateral)
	if pos.CollateralInIndex != payoutInIndex {
		if payoutInIndex {
			collateral = toIndexUnits(collateral, price, e.indexScale)
		} else {
			collateral = toPricingUnit(collateral, price, e.indexScale)
		}
	}
	if payoutInIndex {
		pnl = toIndexUnits(pnl, price, e.indexScale)
	}

	payout := new(big.Int).Add(collateral, pnl)
	if payout.Sign() < 0 {
		payout.SetInt64(0)
	}

	// The trader's collateral folds into the pool and the payout comes
	// back out of it, so the post-fold balance must cover the payout.
	funded := new(big.Int).Set(e.poolBalance(payoutInIndex))
	if pos.CollateralInIndex == payoutInIndex {
		funded.Add(funded, heldCollateral)
	}
	if funded.Cmp(payout) < 0 {
		return ErrNotEnoughReserves
	}

	if payout.Sign() > 0 {
		if err := e.bank.TransferOut(payoutToken, trader, payout); err != nil {
			return err
		}
	}

	// Commit. The full held collateral accrues to the pool (the accrual
	// debit plus the remainder), and the payout comes back out of it.
	e.creditPool(pos.CollateralInIndex, heldCollateral)
	e.debitPool(payoutInIndex, payout)
	e.openInterest(key.Side).Sub(e.openInterest(key.Side), pos.Size)
	delete(e.positions, key)

	e.logger.Info("position closed",
		"trader", trader, "side", key.Side.String(),
		"payout_token", payoutToken, "payout", payout.String())
	e.emit(EventClosePosition, ClosePositionEvent{
		User:        trader,
		IsLong:      isLong,
		PayoutToken: payoutToken,
		Payout:      amountDecimal(payout, e.tokenDecimals(payoutInIndex)),
	})
	return nil
}

// IsLiquidateable revalues the position's collateral at the current mark
// price and reports whether leverage exceeds the cap.
func (e *Engine) IsLiquidateable(trader string, isLong bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[PositionKey{Trader: trader, Side: sideOf(isLong)}]
	if !ok || !pos.Open() {
		return false, nil
	}
	price, err := e.markPrice()
	if err != nil {
		return false, err
	}
	return e.isLiquidateable(pos, price), nil
}

// Liquidate force-closes an undercollateralized position. Permissionless:
// any caller may liquidate, earning 10% of the remaining collateral; the
// rest returns to the trader in the collateral denomination.
func (e *Engine) Liquidate(liquidator, trader string, isLong bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := PositionKey{Trader: trader, Side: sideOf(isLong)}
	stored, ok := e.positions[key]
	if !ok || !stored.Open() || stored.Collateral.Sign() == 0 {
		return nil
	}
	price, err := e.markPrice()
	if err != nil {
		return err
	}
	pos := clonePosition(stored)
	accrual := e.runAccrual(&pos, key.Side, price, e.now().Unix())
	if !pos.Open() {
		e.commitAccrual(key, accrual)
		delete(e.positions, key)
		return nil
	}
	if !e.isLiquidateable(pos, price) {
		return ErrNotLiquidateable
	}
	return e.liquidateLocked(liquidator, key, pos, accrual)
}

func (e *Engine) isLiquidateable(pos Position, price *big.Int) bool {
	collValue := e.collateralValue(pos, price)
	if collValue.Sign() == 0 {
		return true
	}
	leverage, err := GetLeverage(collValue, pos.Size)
	if err != nil {
		return false
	}
	return !IsValidLeverage(leverage)
}

// liquidateLocked pays the liquidator fee and returns the remainder to the
// trader from the position's post-accrual collateral, then retires the
// position. Called with the engine lock held.
func (e *Engine) liquidateLocked(liquidator string, key PositionKey, pos Position, accrual accrualState) error {
	token := e.collateralToken(pos.CollateralInIndex)
	fee := GetLiquidationFee(pos.Collateral)
	remainder := new(big.Int).Sub(pos.Collateral, fee)

	if fee.Sign() > 0 {
		if err := e.bank.TransferOut(token, liquidator, fee); err != nil {
			return err
		}
	}
	if remainder.Sign() > 0 {
		if err := e.bank.TransferOut(token, key.Trader, remainder); err != nil {
			if fee.Sign() > 0 {
				if rbErr := e.bank.TransferIn(token, liquidator, fee); rbErr != nil {
					e.logger.Error("liquidation fee rollback failed", "liquidator", liquidator, "error", rbErr)
				}
			}
			return err
		}
	}

	// Commit: the accrued debit stays with the pool, the notional comes
	// off the side's open interest.
	e.commitAccrual(key, accrual)
	e.openInterest(key.Side).Sub(e.openInterest(key.Side), pos.Size)
	delete(e.positions, key)

	e.logger.Info("position liquidated",
		"liquidator", liquidator, "trader", key.Trader,
		"side", key.Side.String(), "fee", fee.String())
	e.emit(EventLiquidatePosition, LiquidatePositionEvent{
		Liquidator:    liquidator,
		User:          key.Trader,
		IsLong:        key.Side == Long,
		LiquidatorFee: amountDecimal(fee, e.collateralDecimals(pos.CollateralInIndex)),
	})
	return nil
}
