package perp

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
)

var stateKey = []byte("perp/state")

// Snapshot is a JSON-encodable copy of the ledger: pool aggregates plus
// every open position. Amounts serialize as decimal strings.
type Snapshot struct {
	Pool      PoolRecord       `json:"pool"`
	Positions []PositionRecord `json:"positions"`
}

// PoolRecord serializes the pool aggregates.
type PoolRecord struct {
	AssetLiquidity    string `json:"asset_liquidity"`
	IndexLiquidity    string `json:"index_liquidity"`
	LongOpenInterest  string `json:"long_open_interest"`
	ShortOpenInterest string `json:"short_open_interest"`
}

// PositionRecord serializes one open position.
type PositionRecord struct {
	Trader            string `json:"trader"`
	IsLong            bool   `json:"is_long"`
	Collateral        string `json:"collateral"`
	CollateralInIndex bool   `json:"collateral_in_index"`
	Size              string `json:"size"`
	EntryPrice        string `json:"entry_price"`
	LastAccrual       int64  `json:"last_accrual"`
}

// Snapshot copies the current ledger state for persistence.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Pool: PoolRecord{
			AssetLiquidity:    e.pool.AssetLiquidity.String(),
			IndexLiquidity:    e.pool.IndexLiquidity.String(),
			LongOpenInterest:  e.pool.LongOpenInterest.String(),
			ShortOpenInterest: e.pool.ShortOpenInterest.String(),
		},
	}
	for key, pos := range e.positions {
		if !pos.Open() {
			continue
		}
		snap.Positions = append(snap.Positions, PositionRecord{
			Trader:            key.Trader,
			IsLong:            key.Side == Long,
			Collateral:        pos.Collateral.String(),
			CollateralInIndex: pos.CollateralInIndex,
			Size:              pos.Size.String(),
			EntryPrice:        pos.EntryPrice.String(),
			LastAccrual:       pos.LastAccrual,
		})
	}
	return snap
}

// Restore replaces the ledger state with a snapshot. Meant for warm starts
// before the engine begins serving; it does not reconcile bank balances.
func (e *Engine) Restore(snap Snapshot) error {
	pool := newPoolState()
	var err error
	if pool.AssetLiquidity, err = parseAmount(snap.Pool.AssetLiquidity); err != nil {
		return err
	}
	if pool.IndexLiquidity, err = parseAmount(snap.Pool.IndexLiquidity); err != nil {
		return err
	}
	if pool.LongOpenInterest, err = parseAmount(snap.Pool.LongOpenInterest); err != nil {
		return err
	}
	if pool.ShortOpenInterest, err = parseAmount(snap.Pool.ShortOpenInterest); err != nil {
		return err
	}

	positions := make(map[PositionKey]Position, len(snap.Positions))
	for _, rec := range snap.Positions {
		pos := Position{
			CollateralInIndex: rec.CollateralInIndex,
			LastAccrual:       rec.LastAccrual,
		}
		if pos.Collateral, err = parseAmount(rec.Collateral); err != nil {
			return err
		}
		if pos.Size, err = parseAmount(rec.Size); err != nil {
			return err
		}
		if pos.EntryPrice, err = parseAmount(rec.EntryPrice); err != nil {
			return err
		}
		positions[PositionKey{Trader: rec.Trader, Side: sideOf(rec.IsLong)}] = pos
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool = pool
	e.positions = positions
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

// Store persists engine snapshots in a key-value database so the daemon
// restarts warm.
type Store struct {
	db     database.Database
	logger log.Logger
}

// NewStore wraps a database handle.
func NewStore(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Save writes a snapshot.
func (s *Store) Save(snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.db.Put(stateKey, raw); err != nil {
		return err
	}
	s.logger.Debug("state saved", "positions", len(snap.Positions))
	return nil
}

// Load reads the last snapshot. The second return is false when no state
// has been saved yet.
func (s *Store) Load() (Snapshot, bool, error) {
	raw, err := s.db.Get(stateKey)
	if err != nil {
		if err == database.ErrNotFound {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
