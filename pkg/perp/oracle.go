package perp

import (
	"math/big"
	"sync"
)

// RoundData is the answer shape a Chainlink-style aggregator returns.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       int64
	UpdatedAt       int64
	AnsweredInRound *big.Int
}

// PriceFeed is the price-oracle capability. Answers are index-token prices
// at the feed's own decimal scale; the engine rescales them to the pricing
// unit and rejects anything non-positive.
type PriceFeed interface {
	Decimals() uint8
	LatestRoundData() (RoundData, error)
}

// markPrice reads the feed once, validates the answer, and rescales it to
// pricing-unit scale (asset-token decimals per whole index token). Every
// mutating operation calls this exactly once so all of its conversions see
// a single consistent price.
func (e *Engine) markPrice() (*big.Int, error) {
	round, err := e.feed.LatestRoundData()
	if err != nil {
		return nil, err
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, ErrBadPrice
	}
	if e.cfg.MaxPriceAgeSec > 0 && e.now().Unix()-round.UpdatedAt > e.cfg.MaxPriceAgeSec {
		return nil, ErrBadPrice
	}
	return rescale(round.Answer, e.feed.Decimals(), e.cfg.AssetDecimals), nil
}

// rescale moves a fixed-point value from one decimal scale to another,
// truncating toward zero when the target scale is coarser.
func rescale(v *big.Int, from, to uint8) *big.Int {
	switch {
	case from == to:
		return new(big.Int).Set(v)
	case to > from:
		return new(big.Int).Mul(v, pow10(to-from))
	default:
		return new(big.Int).Quo(v, pow10(from-to))
	}
}

// ManualFeed is a PriceFeed fed by an operator or test. Rounds increment on
// every update.
type ManualFeed struct {
	mu       sync.RWMutex
	decimals uint8
	answer   *big.Int
	round    int64
	updated  int64
}

// NewManualFeed returns a feed quoting at the given decimal scale.
func NewManualFeed(decimals uint8) *ManualFeed {
	return &ManualFeed{decimals: decimals, answer: big.NewInt(0)}
}

// Set posts a new answer.
func (f *ManualFeed) Set(answer *big.Int, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round++
	f.answer = new(big.Int).Set(answer)
	f.updated = updatedAt
}

func (f *ManualFeed) Decimals() uint8 { return f.decimals }

func (f *ManualFeed) LatestRoundData() (RoundData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return RoundData{
		RoundID:         big.NewInt(f.round),
		Answer:          new(big.Int).Set(f.answer),
		StartedAt:       f.updated,
		UpdatedAt:       f.updated,
		AnsweredInRound: big.NewInt(f.round),
	}, nil
}
