package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/domain"
	"github.com/alanyoungcy/predicta/internal/lmsr"
)

// SupplyReader reads a market's current outstanding shares.
// *market.Reader implements it.
type SupplyReader interface {
	Supply(ctx context.Context, market common.Address) (lmsr.ShareSupply, error)
}

// MarketQuote is a quote priced off a market's on-chain supply.
type MarketQuote struct {
	Market common.Address   `json:"market"`
	Supply lmsr.ShareSupply `json:"supply"`
	Quote  lmsr.Quote       `json:"quote"`
	At     time.Time        `json:"at"`
}

// QuoteService prices LMSR trades, either from caller-supplied share counts
// or from a market's live supply.
type QuoteService struct {
	supply SupplyReader
	logger *slog.Logger
	now    func() time.Time
}

// NewQuoteService creates a QuoteService. supply may be nil when no chain
// is configured; MarketQuote then fails.
func NewQuoteService(supply SupplyReader, logger *slog.Logger) *QuoteService {
	return &QuoteService{
		supply: supply,
		logger: logger.With(slog.String("component", "quote_service")),
		now:    time.Now,
	}
}

// Quote prices both outcomes.
func (s *QuoteService) Quote(supply lmsr.ShareSupply) (lmsr.Quote, error) {
	q, err := supply.Quote()
	if err != nil {
		return lmsr.Quote{}, fmt.Errorf("quote_service: quote: %w", err)
	}
	return q, nil
}

// Cost returns what buying amount shares of one outcome costs.
func (s *QuoteService) Cost(supply lmsr.ShareSupply, amount float64, buyYes bool) (float64, error) {
	c, err := lmsr.CostToBuy(supply.Yes, supply.No, amount, buyYes, supply.B)
	if err != nil {
		return 0, fmt.Errorf("quote_service: cost: %w", err)
	}
	return c, nil
}

// Shares returns how many shares of one outcome cost buys.
func (s *QuoteService) Shares(supply lmsr.ShareSupply, cost float64, buyYes bool) (float64, error) {
	n, err := lmsr.SharesForCost(supply.Yes, supply.No, cost, buyYes, supply.B)
	if err != nil {
		return 0, fmt.Errorf("quote_service: shares: %w", err)
	}
	return n, nil
}

// Simulate returns the shares a budget buys and the price impact.
func (s *QuoteService) Simulate(supply lmsr.ShareSupply, budget float64, buyYes bool) (lmsr.Simulation, error) {
	sim, err := lmsr.Simulate(supply, budget, buyYes)
	if err != nil {
		return lmsr.Simulation{}, fmt.Errorf("quote_service: simulate: %w", err)
	}
	return sim, nil
}

// MarketQuote reads the market's supply afresh and prices it.
func (s *QuoteService) MarketQuote(ctx context.Context, market common.Address) (MarketQuote, error) {
	if s.supply == nil {
		return MarketQuote{}, fmt.Errorf("quote_service: market quote: no chain configured: %w", domain.ErrNotConnected)
	}
	supply, err := s.supply.Supply(ctx, market)
	if err != nil {
		return MarketQuote{}, fmt.Errorf("quote_service: market %s supply: %w", market.Hex(), err)
	}
	q, err := supply.Quote()
	if err != nil {
		return MarketQuote{}, fmt.Errorf("quote_service: market %s quote: %w", market.Hex(), err)
	}
	s.logger.DebugContext(ctx, "market quoted",
		slog.String("market", market.Hex()),
		slog.Float64("yes", q.YesPrice),
		slog.Float64("no", q.NoPrice),
	)
	return MarketQuote{Market: market, Supply: supply, Quote: q, At: s.now()}, nil
}
