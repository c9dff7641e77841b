package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/lmsr"
	"github.com/alanyoungcy/predicta/internal/service"
)

// QuoteService defines the pricing methods the quote handler requires.
type QuoteService interface {
	Quote(supply lmsr.ShareSupply) (lmsr.Quote, error)
	Cost(supply lmsr.ShareSupply, amount float64, buyYes bool) (float64, error)
	Shares(supply lmsr.ShareSupply, cost float64, buyYes bool) (float64, error)
	Simulate(supply lmsr.ShareSupply, budget float64, buyYes bool) (lmsr.Simulation, error)
	MarketQuote(ctx context.Context, market common.Address) (service.MarketQuote, error)
}

// QuoteHandler serves LMSR pricing endpoints.
type QuoteHandler struct {
	quotes QuoteService
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteService, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, logger: logger}
}

// supplyParams reads yes, no and b. yes and no default to zero.
func supplyParams(r *http.Request) (lmsr.ShareSupply, error) {
	var (
		s   lmsr.ShareSupply
		err error
	)
	if s.Yes, err = optionalFloat(r, "yes"); err != nil {
		return s, err
	}
	if s.No, err = optionalFloat(r, "no"); err != nil {
		return s, err
	}
	if s.B, err = floatParam(r, "b"); err != nil {
		return s, err
	}
	return s, nil
}

// GetQuote prices both outcomes.
// GET /api/quote?yes=&no=&b=
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	supply, err := supplyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := h.quotes.Quote(supply)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type costResponse struct {
	Amount float64 `json:"amount"`
	Side   string  `json:"side"`
	Cost   float64 `json:"cost"`
}

// GetCost returns what buying amount shares costs.
// GET /api/cost?yes=&no=&b=&amount=&side=yes|no
func (h *QuoteHandler) GetCost(w http.ResponseWriter, r *http.Request) {
	supply, err := supplyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := floatParam(r, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buyYes, err := sideParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cost, err := h.quotes.Cost(supply, amount, buyYes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, costResponse{Amount: amount, Side: sideName(buyYes), Cost: cost})
}

type sharesResponse struct {
	Cost   float64 `json:"cost"`
	Side   string  `json:"side"`
	Shares float64 `json:"shares"`
}

// GetShares returns how many shares a budget buys.
// GET /api/shares?yes=&no=&b=&cost=&side=yes|no
func (h *QuoteHandler) GetShares(w http.ResponseWriter, r *http.Request) {
	supply, err := supplyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cost, err := floatParam(r, "cost")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buyYes, err := sideParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	shares, err := h.quotes.Shares(supply, cost, buyYes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharesResponse{Cost: cost, Side: sideName(buyYes), Shares: shares})
}

// GetSimulation prices a purchase with a fixed budget.
// GET /api/simulate?yes=&no=&b=&budget=&side=yes|no
func (h *QuoteHandler) GetSimulation(w http.ResponseWriter, r *http.Request) {
	supply, err := supplyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	budget, err := floatParam(r, "budget")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buyYes, err := sideParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sim, err := h.quotes.Simulate(supply, budget, buyYes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// GetMarketQuote prices a market from its on-chain supply.
// GET /api/markets/{address}/quote
func (h *QuoteHandler) GetMarketQuote(w http.ResponseWriter, r *http.Request) {
	market, err := parseAddress(r.PathValue("address"))
	if err != nil || market == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "invalid market address")
		return
	}

	mq, err := h.quotes.MarketQuote(r.Context(), market)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: market quote failed",
			slog.String("market", market.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mq)
}

func sideName(buyYes bool) string {
	if buyYes {
		return "yes"
	}
	return "no"
}
