// Package channel coordinates the lifecycle of payment channels between the
// user's wallet and a clearnode: proposals negotiated over the session,
// ratified by transactions on the custody ledger, mirrored locally.
//
// The ledger is the source of truth. The mirror held here is provisional
// until the matching transaction is confirmed, and it is re-read from the
// ledger after every confirmation.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// ErrAbandoned is returned by an operation whose caller abandoned it.
var ErrAbandoned = errors.New("operation abandoned")

// Session is the authenticated clearnode session the coordinator speaks
// through. *clearnode.Session implements it.
type Session interface {
	State() domain.AuthState
	Send(ctx context.Context, msg rpc.Message) (uint64, error)
	Listen(fn func(rpc.Envelope)) (func(), error)
}

// Observer is told about every channel transition, in order, after the
// coordinator's state has been updated.
type Observer interface {
	ChannelChanged(ctx context.Context, ev domain.ChannelEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev domain.ChannelEvent)

func (f ObserverFunc) ChannelChanged(ctx context.Context, ev domain.ChannelEvent) { f(ctx, ev) }

// Config holds coordinator settings.
type Config struct {
	ChainID uint64
	// Token is the default channel token.
	Token common.Address
	// ResponseTimeout bounds the wait for each clearnode response.
	ResponseTimeout time.Duration
	// Funding governs the custody balance poll of the resize step.
	Funding RetryPolicy
	// LockTTL is the lease of the distributed operation lock.
	LockTTL time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: 30 * time.Second,
		Funding:         DefaultRetryPolicy(),
		LockTTL:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	c.Funding = c.Funding.withDefaults()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Coordinator owns the user's channel mirror and the pending operation
// registry. Operations on different channels proceed concurrently; a
// second operation on a channel with one pending fails fast with
// domain.ErrOperationInProgress.
type Coordinator struct {
	session Session
	ledger  domain.Ledger
	user    common.Address
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	locks    domain.LockManager
	observer Observer

	mu       sync.Mutex
	channels map[common.Hash]domain.Channel
	balances map[string]string
	pending  *registry

	// notifyMu keeps observer calls in transition order.
	notifyMu sync.Mutex

	reconcileQ chan common.Hash
}

// New creates a coordinator acting for user.
func New(session Session, ledger domain.Ledger, user common.Address, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		session:    session,
		ledger:     ledger,
		user:       user,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "channel_coordinator")),
		now:        time.Now,
		channels:   make(map[common.Hash]domain.Channel),
		balances:   make(map[string]string),
		pending:    newRegistry(),
		reconcileQ: make(chan common.Hash, 64),
	}
}

// SetObserver registers the transition observer.
func (c *Coordinator) SetObserver(o Observer) {
	c.observer = o
}

// SetLockManager extends single-flight across processes sharing the wallet.
func (c *Coordinator) SetLockManager(l domain.LockManager) {
	c.locks = l
}

// User returns the wallet the coordinator acts for.
func (c *Coordinator) User() common.Address {
	return c.user
}

// Attach registers the coordinator's inbound handler on the session and
// returns its removal func. Run attaches itself; one-shot callers that never
// start Run attach directly so responses reach their operations.
func (c *Coordinator) Attach() (func(), error) {
	stop, err := c.session.Listen(c.handle)
	if err != nil {
		return nil, fmt.Errorf("channel/coordinator: listen: %w", err)
	}
	return stop, nil
}

// Run subscribes to the session and reconciles channels announced by the
// clearnode until ctx is cancelled. The session must be connected.
func (c *Coordinator) Run(ctx context.Context) error {
	stop, err := c.Attach()
	if err != nil {
		return err
	}
	defer stop()

	c.logger.InfoContext(ctx, "coordinator started", slog.String("user", c.user.Hex()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-c.reconcileQ:
			if _, err := c.Reconcile(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.WarnContext(ctx, "reconcile failed",
					slog.String("channel", id.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// Channels returns the mirrored channels, oldest first.
func (c *Coordinator) Channels() []domain.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Channel returns one mirrored channel.
func (c *Coordinator) Channel(id common.Hash) (domain.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[id]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: channel %s: %w", id.Hex(), domain.ErrNotFound)
	}
	return ch.Clone(), nil
}

// Pending lists the operations in flight.
func (c *Coordinator) Pending() []domain.PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.snapshot()
}

// Balances returns the unified off-chain balances last pushed by the
// clearnode, sorted by asset.
func (c *Coordinator) Balances() []domain.LedgerBalance {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.LedgerBalance, 0, len(c.balances))
	for asset, amount := range c.balances {
		out = append(out, domain.LedgerBalance{Asset: asset, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// RefreshBalances asks the clearnode for the current unified balances. The
// answer lands in Balances when it arrives.
func (c *Coordinator) RefreshBalances(ctx context.Context) error {
	if _, err := c.session.Send(ctx, rpc.GetLedgerBalances{Participant: c.user}); err != nil {
		return fmt.Errorf("channel/coordinator: refresh balances: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Inbound dispatch
// --------------------------------------------------------------------------

// handle runs on the session's read goroutine, so messages are applied in
// arrival order.
func (c *Coordinator) handle(env rpc.Envelope) {
	if !env.IsResponse() {
		return
	}
	h, ok := handlers[env.Message.Method()]
	if !ok {
		return
	}

	c.mu.Lock()
	next, fx := h(c.viewLocked(), env)
	c.applyLocked(next, fx, env)
	c.mu.Unlock()

	if fx.Dropped != "" {
		c.logger.Debug("message dropped",
			slog.String("method", string(env.Message.Method())),
			slog.Uint64("request_id", env.RequestID),
			slog.String("reason", fx.Dropped),
		)
	}
	c.notify(context.Background(), fx.Events...)
	for _, id := range fx.Reconcile {
		select {
		case c.reconcileQ <- id:
		default:
			c.logger.Warn("reconcile queue full", slog.String("channel", id.Hex()))
		}
	}
}

func (c *Coordinator) viewLocked() View {
	v := View{
		User:     c.user,
		Now:      c.now(),
		Channels: c.channels,
		Balances: c.balances,
		Pending:  make([]PendingView, 0, len(c.pending.ops)),
	}
	for _, op := range c.pending.ops {
		v.Pending = append(v.Pending, PendingView{PendingOperation: op.PendingOperation, Awaiting: op.awaiting})
	}
	return v
}

func (c *Coordinator) applyLocked(next View, fx Effects, env rpc.Envelope) {
	c.channels = next.Channels
	c.balances = next.Balances
	for _, p := range next.Pending {
		if op, ok := c.pending.get(p.ID); ok {
			op.ChannelID = p.ChannelID
			op.awaiting = p.Awaiting
		}
	}
	if fx.Deliver != uuid.Nil {
		if op, ok := c.pending.get(fx.Deliver); ok {
			select {
			case op.reply <- env:
			default:
			}
		}
	}
}

// --------------------------------------------------------------------------
// Transitions
// --------------------------------------------------------------------------

// transition moves a channel to status on behalf of op. It fails with
// ErrAbandoned, leaving state untouched, when op is no longer current.
func (c *Coordinator) transition(ctx context.Context, op *pendingOp, id common.Hash, to domain.ChannelStatus, mutate func(*domain.Channel)) (domain.Channel, error) {
	c.mu.Lock()
	if op != nil && !c.pending.current(op) {
		c.mu.Unlock()
		return domain.Channel{}, ErrAbandoned
	}
	ch, ev := c.setStatusLocked(id, to, op, mutate)
	c.mu.Unlock()

	c.notify(ctx, ev)
	return ch, nil
}

func (c *Coordinator) setStatusLocked(id common.Hash, to domain.ChannelStatus, op *pendingOp, mutate func(*domain.Channel)) (domain.Channel, domain.ChannelEvent) {
	now := c.now()
	ch, ok := c.channels[id]
	if !ok {
		ch = domain.Channel{ID: id, CreatedAt: now, Status: domain.ChannelStatusNone}
	}
	from := ch.Status
	ch = ch.Clone()
	ch.Status = to
	ch.UpdatedAt = now
	if to != domain.ChannelStatusFailed {
		ch.Reason = ""
	}
	if mutate != nil {
		mutate(&ch)
	}

	c.channels[id] = ch

	ev := domain.ChannelEvent{
		ChannelID: id,
		From:      from,
		To:        to,
		TxHash:    ch.LastTx,
		Reason:    ch.Reason,
		Channel:   ch.Clone(),
		At:        now,
	}
	if op != nil {
		ev.Op = op.Kind
	}
	return ch.Clone(), ev
}

// fail restores the status the channel had before op, or marks it Failed
// when it had none, then retires op.
func (c *Coordinator) fail(ctx context.Context, op *pendingOp, id common.Hash, cause error) {
	c.mu.Lock()
	if !c.pending.current(op) {
		c.mu.Unlock()
		return
	}
	c.pending.finish(op)

	if id == (common.Hash{}) {
		c.mu.Unlock()
		return
	}
	to := op.prev
	if to == domain.ChannelStatusNone {
		to = domain.ChannelStatusFailed
	}
	_, ev := c.setStatusLocked(id, to, op, func(ch *domain.Channel) {
		ch.Reason = reasonOf(cause)
	})
	ev.Reason = reasonOf(cause)
	c.mu.Unlock()

	c.notify(ctx, ev)
}

func (c *Coordinator) finish(op *pendingOp) {
	c.mu.Lock()
	c.pending.finish(op)
	c.mu.Unlock()
}

func (c *Coordinator) notify(ctx context.Context, events ...domain.ChannelEvent) {
	if len(events) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	for _, ev := range events {
		c.logger.InfoContext(ctx, "channel transition",
			slog.String("channel", ev.ChannelID.Hex()),
			slog.String("from", string(ev.From)),
			slog.String("to", string(ev.To)),
			slog.String("op", string(ev.Op)),
		)
		if c.observer != nil {
			c.observer.ChannelChanged(ctx, ev)
		}
	}
}

// reasonOf prefers the counterparty's raw reason over the local error text.
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	if r := domain.ReasonOf(err); r != "" {
		return r
	}
	return err.Error()
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
