package perp

import "math/big"

// clonePosition deep-copies a ledger record so staged mutations never leak
// into the map through shared big.Int pointers.
func clonePosition(p Position) Position {
	return Position{
		Collateral:        new(big.Int).Set(p.Collateral),
		CollateralInIndex: p.CollateralInIndex,
		Size:              new(big.Int).Set(p.Size),
		EntryPrice:        new(big.Int).Set(p.EntryPrice),
		LastAccrual:       p.LastAccrual,
	}
}

func zeroPosition(p *Position) {
	p.Collateral = big.NewInt(0)
	p.Size = big.NewInt(0)
	p.EntryPrice = big.NewInt(0)
	p.LastAccrual = 0
}

// accrualState captures what an accrual pass did to a cloned position, so
// the caller can commit the pool-side effects only once the whole operation
// is known to succeed.
type accrualState struct {
	debit      *big.Int // collateral consumed, in the collateral token
	wipedSize  *big.Int // pre-wipe notional, nil when the position survived
	wipeReason string
	inIndex    bool
}

// runAccrual settles borrowing fees then unrealized losses on a clone of
// pos. Only the clone is mutated; the returned state carries the pool
// credit and open-interest reduction for the caller to commit.
func (e *Engine) runAccrual(pos *Position, side Side, price *big.Int, now int64) accrualState {
	st := accrualState{
		debit:   new(big.Int).Set(pos.Collateral),
		inIndex: pos.CollateralInIndex,
	}
	sizeBefore := new(big.Int).Set(pos.Size)

	reason := e.accrueBorrowingFees(pos, price, now)
	if reason == "" && pos.Open() {
		reason = e.accrueLoss(pos, side, price)
	}

	st.debit.Sub(st.debit, pos.Collateral)
	if reason != "" {
		st.wipedSize = sizeBefore
		st.wipeReason = reason
	}
	return st
}

// commitAccrual applies an accrual's pool effects: consumed collateral
// accrues to LPs, and a wiped position sheds its open interest.
func (e *Engine) commitAccrual(key PositionKey, st accrualState) {
	e.creditPool(st.inIndex, st.debit)
	if st.wipedSize == nil {
		return
	}
	e.openInterest(key.Side).Sub(e.openInterest(key.Side), st.wipedSize)
	e.logger.Info("position wiped",
		"trader", key.Trader, "side", key.Side.String(), "reason", st.wipeReason)
	e.emit(EventPositionWiped, PositionWipedEvent{
		User:   key.Trader,
		IsLong: key.Side == Long,
		Reason: st.wipeReason,
	})
}

// accrueBorrowingFees charges the flat borrowing rate on open notional for
// the seconds since the last settlement. A second call in the same second
// is a no-op. Returns a wipe reason when the fee consumes the collateral.
func (e *Engine) accrueBorrowingFees(pos *Position, price *big.Int, now int64) string {
	elapsed := now - pos.LastAccrual
	if elapsed <= 0 {
		return ""
	}
	pos.LastAccrual = now
	fee := e.CalculateBorrowingFee(pos.Size, elapsed)
	if fee.Sign() == 0 {
		return ""
	}
	if pos.CollateralInIndex {
		fee = toIndexUnits(fee, price, e.indexScale)
	}
	if fee.Cmp(pos.Collateral) >= 0 {
		zeroPosition(pos)
		return "borrowing fees"
	}
	pos.Collateral.Sub(pos.Collateral, fee)
	return ""
}

// accrueLoss debits adverse unrealized PnL into collateral and rebases the
// entry price to the settlement mark, so the same move is never charged
// twice. Favorable moves are not credited here; gains realize only at
// close. Returns a wipe reason when the loss meets the collateral.
func (e *Engine) accrueLoss(pos *Position, side Side, price *big.Int) string {
	pnl := e.profitOrLoss(price, pos.EntryPrice, pos.Size)
	var loss *big.Int
	switch {
	case side == Long && pnl.Sign() < 0:
		loss = new(big.Int).Neg(pnl)
	case side == Short && pnl.Sign() > 0:
		loss = pnl
	default:
		return ""
	}
	if pos.CollateralInIndex {
		loss = toIndexUnits(loss, price, e.indexScale)
	}
	if loss.Cmp(pos.Collateral) >= 0 {
		zeroPosition(pos)
		return "unrealized loss"
	}
	pos.Collateral.Sub(pos.Collateral, loss)
	pos.EntryPrice = new(big.Int).Set(price)
	return ""
}

// UpdatePosition opens or mutates the caller's position on one side.
// Deltas are signed; collateral denomination is fixed by the token used on
// the opening call. An existing position settles owed borrowing fees and
// losses before the deltas apply, so a size change can never dilute an
// accrual. Nothing commits until every validation and transfer succeeds.
func (e *Engine) UpdatePosition(trader, collateralToken string, collateralDelta, sizeDelta *big.Int, isLong bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	collateralDelta = orZero(collateralDelta)
	sizeDelta = orZero(sizeDelta)
	if collateralDelta.Sign() == 0 && sizeDelta.Sign() == 0 {
		return ErrZeroAmount
	}
	isIndex, err := e.isIndexToken(collateralToken)
	if err != nil {
		return err
	}
	price, err := e.markPrice()
	if err != nil {
		return err
	}
	now := e.now().Unix()

	key := PositionKey{Trader: trader, Side: sideOf(isLong)}
	var accrual accrualState
	accrual.debit = big.NewInt(0)
	accrual.inIndex = isIndex

	pos, exists := e.positions[key]
	if exists && pos.Open() {
		if pos.CollateralInIndex != isIndex {
			return ErrUnsupportedToken
		}
		pos = clonePosition(pos)
		accrual = e.runAccrual(&pos, key.Side, price, now)
	}
	if !pos.Open() {
		// First touch, or the accrual above wiped what was there.
		pos = Position{
			Collateral:        big.NewInt(0),
			CollateralInIndex: isIndex,
			Size:              big.NewInt(0),
			EntryPrice:        new(big.Int).Set(price),
			LastAccrual:       now,
		}
	}

	newCollateral := new(big.Int).Add(pos.Collateral, collateralDelta)
	if newCollateral.Sign() < 0 {
		return ErrAmountUnderflow
	}
	newSize := new(big.Int).Add(pos.Size, sizeDelta)
	if newSize.Sign() < 0 {
		return ErrAmountUnderflow
	}

	collValue := newCollateral
	if isIndex {
		collValue = toPricingUnit(newCollateral, price, e.indexScale)
	}
	leverage, err := GetLeverage(collValue, newSize)
	if err != nil {
		return err
	}
	if !IsValidLeverage(leverage) {
		return ErrInvalidLeverage
	}

	exposure := new(big.Int).Add(newSize, e.pool.LongOpenInterest)
	exposure.Add(exposure, e.pool.ShortOpenInterest)
	capacity := mulDiv(e.totalAssetsValue(price), big.NewInt(MaxUtilizationBps), big.NewInt(bpsDivisor))
	if exposure.Cmp(capacity) > 0 {
		return ErrNotEnoughAssets
	}

	fee := e.positionFeeInCollateral(sizeDelta, isIndex, price)

	// Validations done; move funds. Any bank failure unwinds what already
	// moved so the call stays all-or-nothing.
	if collateralDelta.Sign() > 0 {
		if err := e.bank.TransferIn(collateralToken, trader, collateralDelta); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.bank.TransferIn(collateralToken, trader, fee); err != nil {
			if collateralDelta.Sign() > 0 {
				if rbErr := e.bank.TransferOut(collateralToken, trader, collateralDelta); rbErr != nil {
					e.logger.Error("collateral rollback failed", "trader", trader, "error", rbErr)
				}
			}
			return err
		}
	}
	if collateralDelta.Sign() < 0 {
		refund := new(big.Int).Neg(collateralDelta)
		if err := e.bank.TransferOut(collateralToken, trader, refund); err != nil {
			if fee.Sign() > 0 {
				if rbErr := e.bank.TransferOut(collateralToken, trader, fee); rbErr != nil {
					e.logger.Error("fee rollback failed", "trader", trader, "error", rbErr)
				}
			}
			return err
		}
	}

	// Commit.
	e.commitAccrual(key, accrual)
	e.creditPool(isIndex, fee)
	e.openInterest(key.Side).Add(e.openInterest(key.Side), sizeDelta)
	pos.Collateral = newCollateral
	pos.Size = newSize
	e.positions[key] = pos

	e.logger.Info("position updated",
		"trader", trader, "side", key.Side.String(),
		"size_delta", sizeDelta.String(), "collateral_delta", collateralDelta.String(),
		"size", newSize.String(), "leverage", leverage.String())
	e.emit(EventUpdatePosition, UpdatePositionEvent{
		User:            trader,
		IsLong:          isLong,
		SizeDelta:       amountDecimal(sizeDelta, e.cfg.AssetDecimals),
		CollateralDelta: amountDecimal(collateralDelta, e.collateralDecimals(isIndex)),
	})
	return nil
}

// AccrueAccount settles owed borrowing fees and unrealized losses into the
// position's collateral. Anyone may call it; a closed position is a no-op.
func (e *Engine) AccrueAccount(trader string, isLong bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := PositionKey{Trader: trader, Side: sideOf(isLong)}
	pos, ok := e.positions[key]
	if !ok || !pos.Open() {
		return nil
	}
	price, err := e.markPrice()
	if err != nil {
		return err
	}
	pos = clonePosition(pos)
	accrual := e.runAccrual(&pos, key.Side, price, e.now().Unix())
	e.commitAccrual(key, accrual)
	if pos.Open() {
		e.positions[key] = pos
	} else {
		delete(e.positions, key)
	}
	return nil
}

// CalculateBorrowingFee returns the pricing-unit borrowing fee a notional
// size owes after elapsed seconds at the engine's flat annual rate.
func (e *Engine) CalculateBorrowingFee(size *big.Int, elapsedSeconds int64) *big.Int {
	fee := new(big.Int).Mul(size, big.NewInt(elapsedSeconds))
	fee.Mul(fee, e.ratePerSecond)
	return fee.Quo(fee, BorrowScale)
}

// positionFeeInCollateral computes the 30bp position fee on |sizeDelta| and
// converts it to the collateral token's denomination. The fee is charged on
// top of collateral, not out of it.
func (e *Engine) positionFeeInCollateral(sizeDelta *big.Int, isIndex bool, price *big.Int) *big.Int {
	if sizeDelta.Sign() == 0 {
		return big.NewInt(0)
	}
	fee := GetPositionFee(new(big.Int).Abs(sizeDelta))
	if isIndex {
		fee = toIndexUnits(fee, price, e.indexScale)
	}
	return fee
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
