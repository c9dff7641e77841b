package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// ChannelCoordinator defines the lifecycle methods the channel handler
// requires. *channel.Coordinator implements it.
type ChannelCoordinator interface {
	Channels() []domain.Channel
	Channel(id common.Hash) (domain.Channel, error)
	Pending() []domain.PendingOperation
	Balances() []domain.LedgerBalance
	RefreshBalances(ctx context.Context) error
	CreateChannel(ctx context.Context, token common.Address, initialAmount *big.Int, chainID uint64) (domain.Channel, error)
	ResizeChannel(ctx context.Context, id common.Hash, resizeAmount, allocateAmount *big.Int) (domain.Channel, error)
	CloseChannel(ctx context.Context, id common.Hash) (domain.Channel, error)
	Abandon(ctx context.Context, opID uuid.UUID) error
}

// ChannelHandler serves channel lifecycle endpoints.
type ChannelHandler struct {
	coord  ChannelCoordinator
	store  domain.ChannelStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewChannelHandler creates a ChannelHandler.
func NewChannelHandler(coord ChannelCoordinator, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{coord: coord, logger: logger}
}

// SetStore enables history lookups of channels the coordinator no longer
// mirrors.
func (h *ChannelHandler) SetStore(store domain.ChannelStore) { h.store = store }

// SetAuditStore enables the audit log endpoint.
func (h *ChannelHandler) SetAuditStore(audit domain.AuditStore) { h.audit = audit }

type listChannelsResponse struct {
	Channels []domain.Channel          `json:"channels"`
	Pending  []domain.PendingOperation `json:"pending"`
}

// ListChannels returns the mirrored channels and the operations in flight.
// GET /api/channels
func (h *ChannelHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	resp := listChannelsResponse{Channels: h.coord.Channels(), Pending: h.coord.Pending()}
	if resp.Pending == nil {
		resp.Pending = []domain.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChannel returns one channel, falling back to the snapshot store.
// GET /api/channels/{id}
func (h *ChannelHandler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, err := h.coord.Channel(id)
	if errors.Is(err, domain.ErrNotFound) && h.store != nil {
		ch, err = h.store.GetByID(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// ListHistory returns stored snapshots for a participant.
// GET /api/channels/history?participant=0x...&limit=50&offset=0
func (h *ChannelHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "channel history is not configured")
		return
	}
	participant, err := parseAddress(r.URL.Query().Get("participant"))
	if err != nil || participant == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "participant query parameter required")
		return
	}

	channels, err := h.store.ListByParticipant(r.Context(), participant, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list channel history failed",
			slog.String("participant", participant.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []domain.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

type createChannelRequest struct {
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	ChainID uint64 `json:"chain_id"`
}

// CreateChannel opens and funds a channel. The call blocks until the
// channel is Open or the operation fails.
// POST /api/channels
func (h *ChannelHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, err := h.coord.CreateChannel(r.Context(), token, amount, req.ChainID)
	if err != nil {
		h.logFailure(r, "create", common.Hash{}, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type resizeChannelRequest struct {
	ResizeAmount   string `json:"resize_amount"`
	AllocateAmount string `json:"allocate_amount"`
}

// ResizeChannel moves funds between the channel and the unified balance.
// POST /api/channels/{id}/resize
func (h *ChannelHandler) ResizeChannel(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resizeChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resize, err := parseAmount(req.ResizeAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	allocate, err := parseAmount(req.AllocateAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, err := h.coord.ResizeChannel(r.Context(), id, resize, allocate)
	if err != nil {
		h.logFailure(r, "resize", id, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// CloseChannel finalises the channel and withdraws the custody balance.
// POST /api/channels/{id}/close
func (h *ChannelHandler) CloseChannel(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch, err := h.coord.CloseChannel(r.Context(), id)
	if err != nil {
		h.logFailure(r, "close", id, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// AbandonOperation cancels an operation in flight.
// DELETE /api/operations/{id}
func (h *ChannelHandler) AbandonOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	if err := h.coord.Abandon(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "abandoned",
		"operation_id": id.String(),
	})
}

// ListBalances returns the unified off-chain balances. With refresh=true
// the clearnode is asked for fresh values first; they arrive
// asynchronously.
// GET /api/balances
func (h *ChannelHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if err := h.coord.RefreshBalances(r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": h.coord.Balances()})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *ChannelHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log is not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *ChannelHandler) logFailure(r *http.Request, op string, id common.Hash, err error) {
	level := slog.LevelWarn
	if StatusFor(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "handler: channel operation failed",
		slog.String("op", op),
		slog.String("channel", id.Hex()),
		slog.String("error", err.Error()),
	)
}
