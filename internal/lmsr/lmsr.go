// Package lmsr prices binary prediction markets with the Logarithmic Market
// Scoring Rule.
//
// For outstanding shares q = (yes, no) and liquidity parameter b the cost
// potential is
//
//	C(q) = b * ln(exp(yes/b) + exp(no/b))
//
// and the instantaneous price of an outcome is its softmax weight. All
// exponentials go through log-sum-exp so large share counts relative to b do
// not overflow. Every function is pure.
package lmsr

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/predicta/internal/domain"
)

const (
	// MinPrice and MaxPrice bound each quoted price. The bounds are applied
	// to each side independently, so a clamped pair need not sum to 1.
	MinPrice = 0.01
	MaxPrice = 0.99

	// bisection parameters for SharesForCost.
	maxIterations = 100
	costTolerance = 1e-4
)

// Quote is a pair of outcome prices derived from a ShareSupply.
type Quote struct {
	YesPrice float64 `json:"yes_price"`
	NoPrice  float64 `json:"no_price"`
}

// ShareSupply is the outstanding share state of a binary market. It must be
// read fresh from the ledger before every quote.
type ShareSupply struct {
	Yes float64 `json:"yes_shares"`
	No  float64 `json:"no_shares"`
	B   float64 `json:"liquidity"`
}

// Validate checks the supply against the pricing input contract.
func (s ShareSupply) Validate() error {
	return validate(s.Yes, s.No, 0, s.B)
}

// Quote returns the clamped price pair for s.
func (s ShareSupply) Quote() (Quote, error) {
	return QuotePrices(s.Yes, s.No, s.B)
}

// QuotePrices returns the yes/no prices for the given supply. With no shares
// outstanding the market is unbiased and both prices are exactly 0.5.
func QuotePrices(yes, no, b float64) (Quote, error) {
	if err := validate(yes, no, 0, b); err != nil {
		return Quote{}, err
	}
	if yes == 0 && no == 0 {
		return Quote{YesPrice: 0.5, NoPrice: 0.5}, nil
	}
	p := priceYes(yes, no, b)
	return Quote{
		YesPrice: clamp(p),
		NoPrice:  clamp(1 - p),
	}, nil
}

// CostToBuy returns the amount a trader pays to buy amount shares of one
// outcome. The result is never negative and is exactly 0 for amount 0.
func CostToBuy(yes, no, amount float64, buyYes bool, b float64) (float64, error) {
	if err := validate(yes, no, amount, b); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}
	return costToBuy(yes, no, amount, buyYes, b), nil
}

// SharesForCost inverts CostToBuy by bisection: it returns how many shares
// of one outcome cost buys.
func SharesForCost(yes, no, cost float64, buyYes bool, b float64) (float64, error) {
	if err := validate(yes, no, cost, b); err != nil {
		return 0, err
	}
	if cost == 0 {
		return 0, nil
	}

	// A share never costs more than 1, so cost buys at least cost shares.
	// Grow the bracket until it covers the target.
	low, high := 0.0, cost*2
	for costToBuy(yes, no, high, buyYes, b) < cost {
		low = high
		high *= 2
		if math.IsInf(high, 1) {
			return 0, fmt.Errorf("lmsr: shares for cost %v: %w", cost, domain.ErrInvalidArgument)
		}
	}

	for i := 0; i < maxIterations; i++ {
		mid := (low + high) / 2
		c := costToBuy(yes, no, mid, buyYes, b)
		if math.Abs(c-cost) < costTolerance {
			return mid, nil
		}
		if c < cost {
			low = mid
		} else {
			high = mid
		}
	}
	return (low + high) / 2, nil
}

// Payout returns what a position of shares pays at resolution: one unit per
// share when the outcome won, nothing otherwise.
func Payout(shares float64, won bool) float64 {
	if !won || shares <= 0 {
		return 0
	}
	return shares
}

// MaxLoss is the market maker's worst-case subsidy for a binary market.
func MaxLoss(b float64) (float64, error) {
	if err := validate(0, 0, 0, b); err != nil {
		return 0, err
	}
	return b * math.Ln2, nil
}

// Simulation describes the effect of spending a fixed budget on one outcome.
type Simulation struct {
	Shares      float64 `json:"shares"`
	Cost        float64 `json:"cost"`
	AvgPrice    float64 `json:"avg_price"`
	Before      Quote   `json:"before"`
	After       Quote   `json:"after"`
	PriceImpact float64 `json:"price_impact"`
}

// Simulate prices a purchase of one outcome with the given budget.
func Simulate(s ShareSupply, budget float64, buyYes bool) (Simulation, error) {
	before, err := s.Quote()
	if err != nil {
		return Simulation{}, err
	}
	shares, err := SharesForCost(s.Yes, s.No, budget, buyYes, s.B)
	if err != nil {
		return Simulation{}, err
	}
	cost, err := CostToBuy(s.Yes, s.No, shares, buyYes, s.B)
	if err != nil {
		return Simulation{}, err
	}

	next := s
	if buyYes {
		next.Yes += shares
	} else {
		next.No += shares
	}
	after, err := next.Quote()
	if err != nil {
		return Simulation{}, err
	}

	sim := Simulation{
		Shares: shares,
		Cost:   cost,
		Before: before,
		After:  after,
	}
	if shares > 0 {
		sim.AvgPrice = cost / shares
	}
	if buyYes {
		sim.PriceImpact = after.YesPrice - before.YesPrice
	} else {
		sim.PriceImpact = after.NoPrice - before.NoPrice
	}
	return sim, nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// potential is C(q) computed with log-sum-exp.
func potential(yes, no, b float64) float64 {
	m := math.Max(yes, no)
	return m + b*math.Log(math.Exp((yes-m)/b)+math.Exp((no-m)/b))
}

func priceYes(yes, no, b float64) float64 {
	m := math.Max(yes, no)
	ey := math.Exp((yes - m) / b)
	en := math.Exp((no - m) / b)
	return ey / (ey + en)
}

func costToBuy(yes, no, amount float64, buyYes bool, b float64) float64 {
	ny, nn := yes, no
	if buyYes {
		ny += amount
	} else {
		nn += amount
	}
	c := potential(ny, nn, b) - potential(yes, no, b)
	if c < 0 {
		return 0
	}
	return c
}

func clamp(p float64) float64 {
	return math.Min(MaxPrice, math.Max(MinPrice, p))
}

func validate(yes, no, amount, b float64) error {
	switch {
	case !finite(yes) || !finite(no) || !finite(amount) || !finite(b):
		return fmt.Errorf("lmsr: non-finite input: %w", domain.ErrInvalidArgument)
	case b <= 0:
		return fmt.Errorf("lmsr: liquidity %v must be positive: %w", b, domain.ErrInvalidArgument)
	case yes < 0 || no < 0:
		return fmt.Errorf("lmsr: negative share supply (%v, %v): %w", yes, no, domain.ErrInvalidArgument)
	case amount < 0:
		return fmt.Errorf("lmsr: negative amount %v: %w", amount, domain.ErrInvalidArgument)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
