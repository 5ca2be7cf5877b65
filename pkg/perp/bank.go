package perp

import (
	"fmt"
	"math/big"
	"sync"
)

// EngineAccount is the holder the in-memory bank books engine custody
// under.
const EngineAccount = "engine"

// MemoryBank is an in-memory TokenBank for the daemon and tests. Transfers
// fail atomically: an insufficient balance moves nothing.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[string]map[string]*big.Int // token -> holder -> balance
}

// NewMemoryBank returns an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]map[string]*big.Int)}
}

// Credit funds a holder's balance out of thin air. Test and bootstrap
// helper; the transfer paths never create tokens.
func (b *MemoryBank) Credit(token, holder string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balanceOf(token, holder).Add(b.balanceOf(token, holder), amount)
}

// BalanceOf returns a copy of a holder's balance.
func (b *MemoryBank) BalanceOf(token, holder string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(b.balanceOf(token, holder))
}

// TransferIn moves amount from the holder into engine custody.
func (b *MemoryBank) TransferIn(token, from string, amount *big.Int) error {
	return b.move(token, from, EngineAccount, amount)
}

// TransferOut moves amount from engine custody to the holder.
func (b *MemoryBank) TransferOut(token, to string, amount *big.Int) error {
	return b.move(token, EngineAccount, to, amount)
}

func (b *MemoryBank) move(token, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.balanceOf(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance for %s", token, from)
	}
	src.Sub(src, amount)
	dst := b.balanceOf(token, to)
	dst.Add(dst, amount)
	return nil
}

// balanceOf returns the mutable balance cell. Caller holds the lock.
func (b *MemoryBank) balanceOf(token, holder string) *big.Int {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[string]*big.Int)
		b.balances[token] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = big.NewInt(0)
		holders[holder] = bal
	}
	return bal
}

// MemoryShares is an in-memory ShareSupply tracking the LP share token.
type MemoryShares struct {
	mu       sync.RWMutex
	holdings map[string]*big.Int
	total    *big.Int
}

// NewMemoryShares returns an empty share supply.
func NewMemoryShares() *MemoryShares {
	return &MemoryShares{holdings: make(map[string]*big.Int), total: big.NewInt(0)}
}

func (s *MemoryShares) Mint(owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid mint amount")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.holdings[owner]
	if !ok {
		bal = big.NewInt(0)
		s.holdings[owner] = bal
	}
	bal.Add(bal, amount)
	s.total.Add(s.total, amount)
	return nil
}

func (s *MemoryShares) Burn(owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid burn amount")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.holdings[owner]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient shares for %s", owner)
	}
	bal.Sub(bal, amount)
	s.total.Sub(s.total, amount)
	return nil
}

func (s *MemoryShares) TotalShares() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.total)
}

// SharesOf returns a copy of an owner's share balance.
func (s *MemoryShares) SharesOf(owner string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.holdings[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}
