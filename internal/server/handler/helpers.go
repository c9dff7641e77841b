package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/predicta/internal/channel"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type errorResponse struct {
	Error string `json:"error"`
	// Reason is the counterparty's raw reason, when it gave one.
	Reason string `json:"reason,omitempty"`
}

// writeDomainError maps err to a status code and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), errorResponse{
		Error:  err.Error(),
		Reason: domain.ReasonOf(err),
	})
}

// StatusFor maps an error kind to its HTTP status. Timeouts are checked
// first because they are also wrapped in their operation's kind.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrFundingTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOperationInProgress),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, channel.ErrAbandoned):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrChannelCreation),
		errors.Is(err, domain.ErrResize),
		errors.Is(err, domain.ErrChannelClose),
		errors.Is(err, domain.ErrTxReverted),
		errors.Is(err, domain.ErrInvalidProposal),
		errors.Is(err, domain.ErrTransport),
		errors.Is(err, domain.ErrAuthentication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// floatParam reads a required float query parameter.
func floatParam(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return f, nil
}

// optionalFloat reads a float query parameter that defaults to zero.
func optionalFloat(r *http.Request, name string) (float64, error) {
	if r.URL.Query().Get(name) == "" {
		return 0, nil
	}
	return floatParam(r, name)
}

// sideParam reads side=yes|no; yes is the default.
func sideParam(r *http.Request) (bool, error) {
	switch strings.ToLower(r.URL.Query().Get("side")) {
	case "", "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, fmt.Errorf("side must be yes or no")
	}
}

// parseHash decodes a 32-byte hex id such as a channel id.
func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid id %q", s)
	}
	return common.BytesToHash(b), nil
}

// parseAddress decodes a hex address. An empty string yields the zero
// address.
func parseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount decodes a base-10 token amount, which may be negative for
// resize deltas. An empty string yields nil.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
