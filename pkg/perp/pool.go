package perp

import "math/big"

// AddLiquidity pulls amount of a supported token from the provider, mints
// pool shares against its pricing-unit value, and credits the pool's raw
// balance counter. Fails with ErrUndesirableLPAmount when the minted shares
// would come in under minShares.
func (e *Engine) AddLiquidity(provider, token string, amount, minShares *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	isIndex, err := e.isIndexToken(token)
	if err != nil {
		return nil, err
	}
	price, err := e.markPrice()
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Set(amount)
	if isIndex {
		value = toPricingUnit(amount, price, e.indexScale)
	}
	shares := e.previewDeposit(value, price)
	if minShares != nil && shares.Cmp(minShares) < 0 {
		return nil, ErrUndesirableLPAmount
	}

	if err := e.bank.TransferIn(token, provider, amount); err != nil {
		return nil, err
	}
	if err := e.shares.Mint(provider, shares); err != nil {
		// Hand the tokens back so the failed operation leaves no trace.
		if rbErr := e.bank.TransferOut(token, provider, amount); rbErr != nil {
			e.logger.Error("mint rollback failed", "provider", provider, "error", rbErr)
		}
		return nil, err
	}
	e.creditPool(isIndex, amount)

	e.logger.Info("liquidity added",
		"provider", provider, "token", token,
		"amount", amount.String(), "shares", shares.String())
	e.emit(EventAddLiquidity, AddLiquidityEvent{
		User:   provider,
		Token:  token,
		Amount: amountDecimal(amount, e.tokenDecimals(isIndex)),
		Shares: amountDecimal(shares, e.cfg.AssetDecimals),
	})
	return shares, nil
}

// RemoveLiquidity burns shareAmount of the provider's pool shares and pays
// out the redeemed value in the requested token. The withdrawal is refused
// when it would eat into the balance reserved for open interest.
func (e *Engine) RemoveLiquidity(provider, token string, shareAmount, minAmountOut *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	isIndex, err := e.isIndexToken(token)
	if err != nil {
		return nil, err
	}
	price, err := e.markPrice()
	if err != nil {
		return nil, err
	}

	valueOwed := e.previewRedeem(shareAmount, price)
	amountOut := valueOwed
	if isIndex {
		amountOut = toIndexUnits(valueOwed, price, e.indexScale)
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippage
	}

	remaining := new(big.Int).Sub(e.poolBalance(isIndex), amountOut)
	if remaining.Sign() < 0 || remaining.Cmp(e.reservedOpenInterest(isIndex, price)) < 0 {
		return nil, ErrNotEnoughReserves
	}

	if err := e.shares.Burn(provider, shareAmount); err != nil {
		return nil, err
	}
	if err := e.bank.TransferOut(token, provider, amountOut); err != nil {
		if rbErr := e.shares.Mint(provider, shareAmount); rbErr != nil {
			e.logger.Error("burn rollback failed", "provider", provider, "error", rbErr)
		}
		return nil, err
	}
	e.debitPool(isIndex, amountOut)

	e.logger.Info("liquidity removed",
		"provider", provider, "token", token,
		"amount", amountOut.String(), "shares", shareAmount.String())
	e.emit(EventRemoveLiquidity, RemoveLiquidityEvent{
		User:   provider,
		Token:  token,
		Amount: amountDecimal(amountOut, e.tokenDecimals(isIndex)),
		Shares: amountDecimal(shareAmount, e.cfg.AssetDecimals),
	})
	return amountOut, nil
}

// PreviewDeposit quotes the shares a pricing-unit deposit value would mint
// right now.
func (e *Engine) PreviewDeposit(value *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.markPrice()
	if err != nil {
		return nil, err
	}
	return e.previewDeposit(value, price), nil
}

// PreviewRedeem quotes the pricing-unit value shareAmount redeems for right
// now.
func (e *Engine) PreviewRedeem(shareAmount *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.markPrice()
	if err != nil {
		return nil, err
	}
	return e.previewRedeem(shareAmount, price), nil
}

// TotalAssetsValue values the pool's two balances in pricing units at the
// current mark price.
func (e *Engine) TotalAssetsValue() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.markPrice()
	if err != nil {
		return nil, err
	}
	return e.totalAssetsValue(price), nil
}

func (e *Engine) previewDeposit(value, price *big.Int) *big.Int {
	total := e.shares.TotalShares()
	if total == nil || total.Sign() == 0 {
		return new(big.Int).Set(value)
	}
	tav := e.totalAssetsValue(price)
	if tav.Sign() == 0 {
		return new(big.Int).Set(value)
	}
	return mulDiv(value, total, tav)
}

func (e *Engine) previewRedeem(shareAmount, price *big.Int) *big.Int {
	total := e.shares.TotalShares()
	if total == nil || total.Sign() == 0 {
		return new(big.Int).Set(shareAmount)
	}
	return mulDiv(shareAmount, e.totalAssetsValue(price), total)
}

func (e *Engine) totalAssetsValue(price *big.Int) *big.Int {
	out := new(big.Int).Set(e.pool.AssetLiquidity)
	return out.Add(out, toPricingUnit(e.pool.IndexLiquidity, price, e.indexScale))
}

// reservedOpenInterest is the floor a token's pool balance must not drop
// below: longs reserve the index token, shorts the asset token. The long
// side's pricing-unit notional converts at the current mark price.
func (e *Engine) reservedOpenInterest(isIndex bool, price *big.Int) *big.Int {
	if isIndex {
		return toIndexUnits(e.pool.LongOpenInterest, price, e.indexScale)
	}
	return new(big.Int).Set(e.pool.ShortOpenInterest)
}

func (e *Engine) tokenDecimals(isIndex bool) uint8 {
	if isIndex {
		return e.cfg.IndexDecimals
	}
	return e.cfg.AssetDecimals
}
