package channel

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// View is the coordinator state an inbound message handler sees. Handlers
// never modify the maps they are given; they return a new View.
type View struct {
	User     common.Address
	Now      time.Time
	Channels map[common.Hash]domain.Channel
	Pending  []PendingView
	Balances map[string]string
}

// PendingView is a pending operation as seen by handlers.
type PendingView struct {
	domain.PendingOperation
	Awaiting bool
}

// Effects are the actions a handler asks the coordinator to perform once
// the returned View is installed.
type Effects struct {
	// Deliver routes the message to the waiting operation.
	Deliver uuid.UUID
	// Events are the channel transitions the message caused.
	Events []domain.ChannelEvent
	// Reconcile lists channels to re-read from the ledger.
	Reconcile []common.Hash
	// Dropped is set when the message was ignored, with the reason.
	Dropped string
}

type handler func(v View, env rpc.Envelope) (View, Effects)

// handlers dispatches inbound responses and pushes by method. Methods not
// listed here (the auth handshake) belong to the session.
var handlers = map[rpc.Method]handler{
	rpc.MethodCreateChannel:     handleChannelCreated,
	rpc.MethodResizeChannel:     handleChannelResized,
	rpc.MethodCloseChannel:      handleChannelClosed,
	rpc.MethodChannels:          handleChannels,
	rpc.MethodChannelUpdate:     handleChannelUpdate,
	rpc.MethodBalanceUpdate:     handleBalanceUpdate,
	rpc.MethodGetLedgerBalances: handleLedgerBalances,
	rpc.MethodError:             handleError,
}

// --------------------------------------------------------------------------
// Lifecycle responses
// --------------------------------------------------------------------------

func handleChannelCreated(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.ChannelCreated)
	if !ok {
		return v, Effects{Dropped: "unexpected create_channel payload"}
	}
	idx := v.awaiting(domain.OpCreate, env.RequestID, nil)
	if idx < 0 {
		return v, Effects{Dropped: "no pending create for " + msg.ChannelID.Hex()}
	}
	next := v.withPending(idx, func(p *PendingView) {
		p.ChannelID = msg.ChannelID
		p.Awaiting = false
	})
	return next, Effects{Deliver: next.Pending[idx].ID}
}

func handleChannelResized(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.ChannelResized)
	if !ok {
		return v, Effects{Dropped: "unexpected resize_channel payload"}
	}
	return deliverForChannel(v, domain.OpResize, msg.ChannelID)
}

func handleChannelClosed(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.ChannelClosed)
	if !ok {
		return v, Effects{Dropped: "unexpected close_channel payload"}
	}
	return deliverForChannel(v, domain.OpClose, msg.ChannelID)
}

func deliverForChannel(v View, kind domain.OpKind, channelID common.Hash) (View, Effects) {
	idx := v.awaiting(kind, 0, &channelID)
	if idx < 0 {
		return v, Effects{Dropped: "no pending " + string(kind) + " for " + channelID.Hex()}
	}
	next := v.withPending(idx, func(p *PendingView) { p.Awaiting = false })
	return next, Effects{Deliver: next.Pending[idx].ID}
}

// handleError correlates an error reply by request id. Only a reply without
// an id falls back to the single operation still waiting for a response; an
// id that matches nothing belongs to another request and is dropped.
func handleError(v View, env rpc.Envelope) (View, Effects) {
	idx := -1
	if env.RequestID != 0 {
		for i, p := range v.Pending {
			if p.Awaiting && p.RequestID == env.RequestID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return v, Effects{Dropped: "error reply for an unknown request"}
		}
	} else {
		for i, p := range v.Pending {
			if !p.Awaiting {
				continue
			}
			if idx >= 0 {
				return v, Effects{Dropped: "ambiguous error reply"}
			}
			idx = i
		}
	}
	if idx < 0 {
		return v, Effects{Dropped: "error reply with no pending operation"}
	}
	next := v.withPending(idx, func(p *PendingView) { p.Awaiting = false })
	return next, Effects{Deliver: next.Pending[idx].ID}
}

// --------------------------------------------------------------------------
// Pushes
// --------------------------------------------------------------------------

func handleChannels(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.ChannelsPush)
	if !ok {
		return v, Effects{Dropped: "unexpected channels payload"}
	}
	var fx Effects
	for _, info := range msg.Channels {
		v = mergeInfo(v, info, &fx)
	}
	return v, fx
}

func handleChannelUpdate(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.ChannelUpdate)
	if !ok {
		return v, Effects{Dropped: "unexpected cu payload"}
	}
	var fx Effects
	v = mergeInfo(v, msg.ChannelInfo, &fx)
	return v, fx
}

// mergeInfo folds a pushed channel summary into the view. Pushes are
// proposals: they introduce channels the mirror has not seen and refresh
// amounts, but lifecycle status only moves on ledger confirmation, so every
// discovered or changed channel is queued for reconciliation.
func mergeInfo(v View, info rpc.ChannelInfo, fx *Effects) View {
	if info.ChannelID == (common.Hash{}) || v.pendingOn(info.ChannelID) {
		return v
	}

	ch, known := v.Channels[info.ChannelID]
	if !known {
		status := statusFromWire(info.Status)
		if status == domain.ChannelStatusNone || status.Terminal() {
			return v
		}
		ch = domain.Channel{
			ID:           info.ChannelID,
			Participants: [2]common.Address{v.User, info.Participant},
			Adjudicator:  info.Adjudicator,
			ChainID:      info.ChainID,
			Token:        info.Token,
			Status:       status,
			Version:      info.Version,
			Amount:       info.Amount.Big(),
			CreatedAt:    v.Now,
			UpdatedAt:    v.Now,
		}
		fx.Events = append(fx.Events, domain.ChannelEvent{
			ChannelID: ch.ID,
			From:      domain.ChannelStatusNone,
			To:        status,
			Reason:    "discovered",
			Channel:   ch.Clone(),
			At:        v.Now,
		})
		fx.Reconcile = append(fx.Reconcile, ch.ID)
		return v.withChannel(ch)
	}

	if info.Version < ch.Version {
		return v
	}
	amount := info.Amount.Big()
	if ch.Amount != nil && ch.Amount.Cmp(amount) == 0 && ch.Version == info.Version {
		return v
	}
	ch = ch.Clone()
	ch.Amount = amount
	ch.Version = info.Version
	ch.UpdatedAt = v.Now
	fx.Reconcile = append(fx.Reconcile, ch.ID)
	return v.withChannel(ch)
}

func handleBalanceUpdate(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.BalanceUpdate)
	if !ok {
		return v, Effects{Dropped: "unexpected bu payload"}
	}
	balances := make(map[string]string, len(v.Balances)+len(msg.BalanceUpdates))
	for asset, amount := range v.Balances {
		balances[asset] = amount
	}
	for _, b := range msg.BalanceUpdates {
		balances[strings.ToLower(b.Asset)] = b.Amount
	}
	v.Balances = balances
	return v, Effects{}
}

func handleLedgerBalances(v View, env rpc.Envelope) (View, Effects) {
	msg, ok := env.Message.(rpc.LedgerBalances)
	if !ok {
		return v, Effects{Dropped: "unexpected get_ledger_balances payload"}
	}
	balances := make(map[string]string, len(msg.LedgerBalances))
	for _, b := range msg.LedgerBalances {
		balances[strings.ToLower(b.Asset)] = b.Amount
	}
	v.Balances = balances
	return v, Effects{}
}

// --------------------------------------------------------------------------
// View helpers
// --------------------------------------------------------------------------

// awaiting finds the operation of kind still waiting for a response. A
// non-zero requestID must match when the operation has one recorded; a
// non-nil channelID must match the operation's channel.
func (v View) awaiting(kind domain.OpKind, requestID uint64, channelID *common.Hash) int {
	for i, p := range v.Pending {
		if !p.Awaiting || p.Kind != kind {
			continue
		}
		if channelID != nil && p.ChannelID != *channelID {
			continue
		}
		if requestID != 0 && p.RequestID != 0 && p.RequestID != requestID {
			continue
		}
		return i
	}
	return -1
}

func (v View) pendingOn(id common.Hash) bool {
	for _, p := range v.Pending {
		if p.ChannelID == id {
			return true
		}
	}
	return false
}

func (v View) withPending(idx int, fn func(*PendingView)) View {
	pending := make([]PendingView, len(v.Pending))
	copy(pending, v.Pending)
	fn(&pending[idx])
	v.Pending = pending
	return v
}

func (v View) withChannel(ch domain.Channel) View {
	channels := make(map[common.Hash]domain.Channel, len(v.Channels)+1)
	for id, c := range v.Channels {
		channels[id] = c
	}
	channels[ch.ID] = ch
	v.Channels = channels
	return v
}

// statusFromWire maps the clearnode's channel status names.
func statusFromWire(s string) domain.ChannelStatus {
	switch strings.ToLower(s) {
	case "open", "active":
		return domain.ChannelStatusOpen
	case "joining", "initial", "initializing":
		return domain.ChannelStatusAwaitingFunding
	case "resizing":
		return domain.ChannelStatusResizing
	case "closing", "challenged":
		return domain.ChannelStatusClosing
	case "closed", "final":
		return domain.ChannelStatusClosed
	default:
		return domain.ChannelStatusNone
	}
}
