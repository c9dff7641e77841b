package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// --------------------------------------------------------------------------
// Create
// --------------------------------------------------------------------------

// CreateChannel negotiates a new channel for token on chainID, records it on
// the ledger and, when initialAmount is positive, funds it from the unified
// balance. A zero token or chain id selects the configured default.
//
// The channel enters AwaitingFunding once the create transaction is
// confirmed and only reaches Open through the funding step (or immediately
// after confirmation when there is nothing to fund).
func (c *Coordinator) CreateChannel(ctx context.Context, token common.Address, initialAmount *big.Int, chainID uint64) (domain.Channel, error) {
	if err := c.requireAuth(); err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: create: %w", err)
	}
	if initialAmount != nil && initialAmount.Sign() < 0 {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: create: negative amount %s: %w", initialAmount, domain.ErrInvalidArgument)
	}
	if token == (common.Address{}) {
		token = c.cfg.Token
	}
	if chainID == 0 {
		chainID = c.cfg.ChainID
	}

	op, err := c.begin(domain.OpCreate, common.Hash{}, initialAmount)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: create: %w", err)
	}
	unlock, err := c.acquire(ctx, op, "user:"+c.user.Hex())
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: create: %w", err)
	}
	defer unlock()

	log := c.logger.With(slog.String("op", op.ID.String()))
	log.InfoContext(ctx, "creating channel",
		slog.String("token", token.Hex()),
		slog.Uint64("chain_id", chainID),
		slog.String("amount", amountOrZero(initialAmount).String()),
	)

	env, err := c.request(ctx, op, rpc.CreateChannel{ChainID: chainID, Token: token})
	if err != nil {
		c.fail(ctx, op, common.Hash{}, err)
		return domain.Channel{}, opError("create", domain.ErrChannelCreation, err)
	}
	proposal := env.Message.(rpc.ChannelCreated)
	id := proposal.ChannelID
	initial := fromWire(proposal.State)
	def := domain.ChannelDefinition{
		Participants: proposal.Channel.Participants,
		Adjudicator:  proposal.Channel.Adjudicator,
		Challenge:    proposal.Channel.Challenge,
		Nonce:        proposal.Channel.Nonce,
	}

	if _, err := c.transition(ctx, op, id, domain.ChannelStatusCreating, func(ch *domain.Channel) {
		if len(def.Participants) == 2 {
			ch.Participants = [2]common.Address{def.Participants[0], def.Participants[1]}
		}
		ch.Adjudicator = def.Adjudicator
		ch.ChainID = chainID
		ch.Token = token
		ch.Allocations = initial.Allocations
		ch.Version = initial.Version
		ch.Amount = initial.TokenTotal(token)
	}); err != nil {
		return domain.Channel{}, opError("create", domain.ErrChannelCreation, err)
	}

	if err := c.validateProposal(def, initial, token, domain.IntentInitialize); err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("create", domain.ErrChannelCreation, err)
	}

	tx, err := c.submit(ctx, op, func() (common.Hash, error) {
		return c.ledger.SubmitCreate(ctx, id, def, initial, proposal.ServerSignature)
	})
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("create", domain.ErrChannelCreation, err)
	}

	ch, err := c.transition(ctx, op, id, domain.ChannelStatusAwaitingFunding, func(ch *domain.Channel) {
		ch.LastTx = tx
	})
	if err != nil {
		return domain.Channel{}, opError("create", domain.ErrChannelCreation, err)
	}
	c.finish(op)
	c.reconcileAfter(ctx, id)
	log.InfoContext(ctx, "channel created", slog.String("channel", id.Hex()), slog.String("tx", tx.Hex()))

	if initialAmount == nil || initialAmount.Sign() == 0 {
		return c.markOpen(ctx, id)
	}
	if _, err := c.ResizeChannel(ctx, id, nil, initialAmount); err != nil {
		if cur, cerr := c.Channel(id); cerr == nil {
			ch = cur
		}
		return ch, err
	}
	return c.Channel(id)
}

// markOpen opens a confirmed channel that has nothing to fund.
func (c *Coordinator) markOpen(ctx context.Context, id common.Hash) (domain.Channel, error) {
	c.mu.Lock()
	if c.pending.onChannel(id) {
		c.mu.Unlock()
		return c.Channel(id)
	}
	ch, ev := c.setStatusLocked(id, domain.ChannelStatusOpen, nil, nil)
	ev.Op = domain.OpCreate
	c.mu.Unlock()

	c.notify(ctx, ev)
	return ch, nil
}

// --------------------------------------------------------------------------
// Resize
// --------------------------------------------------------------------------

// ResizeChannel moves funds into or out of a channel. resizeAmount moves
// custody funds (negative to withdraw from the channel); allocateAmount
// moves unified balance funds. Either may be nil.
//
// Before the resize is submitted the user's custody balance is polled
// until it covers the proposed allocation total. When the poll runs out the
// error is domain.ErrFundingTimeout and the channel keeps its previous
// status so the step can be retried.
func (c *Coordinator) ResizeChannel(ctx context.Context, id common.Hash, resizeAmount, allocateAmount *big.Int) (domain.Channel, error) {
	if err := c.requireAuth(); err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: resize: %w", err)
	}
	if amountOrZero(resizeAmount).Sign() == 0 && amountOrZero(allocateAmount).Sign() == 0 {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: resize: nothing to move: %w", domain.ErrInvalidArgument)
	}
	if allocateAmount != nil && allocateAmount.Sign() < 0 {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: resize: negative allocation: %w", domain.ErrInvalidArgument)
	}

	expected := new(big.Int).Add(amountOrZero(resizeAmount), amountOrZero(allocateAmount))
	op, err := c.begin(domain.OpResize, id, expected,
		domain.ChannelStatusAwaitingFunding, domain.ChannelStatusOpen)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: resize: %w", err)
	}
	unlock, err := c.acquire(ctx, op, "channel:"+id.Hex())
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: resize: %w", err)
	}
	defer unlock()

	ch, err := c.transition(ctx, op, id, domain.ChannelStatusResizing, nil)
	if err != nil {
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}

	req := rpc.ResizeChannel{ChannelID: id, FundsDestination: c.user}
	if resizeAmount != nil && resizeAmount.Sign() != 0 {
		req.ResizeAmount = rpc.NewBigInt(resizeAmount)
	}
	if allocateAmount != nil && allocateAmount.Sign() != 0 {
		req.AllocateAmount = rpc.NewBigInt(allocateAmount)
	}
	env, err := c.request(ctx, op, req)
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}
	proposal := env.Message.(rpc.ChannelResized)
	candidate := fromWire(proposal.State)

	if err := c.validateAllocations(candidate, ch.Token); err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}

	data, err := c.ledger.ChannelData(ctx, id)
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}
	proofs := []domain.State{data.LastValidState}

	required := candidate.TokenTotal(ch.Token)
	if err := c.awaitFunding(ctx, op, ch.Token, required); err != nil {
		c.fail(ctx, op, id, err)
		if errors.Is(err, domain.ErrFundingTimeout) {
			return domain.Channel{}, fmt.Errorf("channel/coordinator: resize %s: %w", id.Hex(), err)
		}
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}

	tx, err := c.submit(ctx, op, func() (common.Hash, error) {
		return c.ledger.SubmitResize(ctx, id, candidate, proposal.ServerSignature, proofs)
	})
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}

	ch, err = c.transition(ctx, op, id, domain.ChannelStatusOpen, func(ch *domain.Channel) {
		ch.Allocations = candidate.Allocations
		ch.Version = candidate.Version
		ch.Amount = candidate.TokenTotal(ch.Token)
		ch.LastTx = tx
	})
	if err != nil {
		return domain.Channel{}, opError("resize", domain.ErrResize, err)
	}
	c.finish(op)
	c.reconcileAfter(ctx, id)
	if cur, err := c.Channel(id); err == nil {
		ch = cur
	}
	return ch, nil
}

// awaitFunding polls the user's custody balance of token until it reaches
// required. Read errors count as unsatisfied attempts.
func (c *Coordinator) awaitFunding(ctx context.Context, op *pendingOp, token common.Address, required *big.Int) error {
	var last *big.Int
	err := c.cfg.Funding.Do(ctx, func(attempt int) (bool, error) {
		if !c.isCurrent(op) {
			return false, ErrAbandoned
		}
		bal, err := c.ledger.AccountBalance(ctx, c.user, token)
		if err != nil {
			c.logger.WarnContext(ctx, "custody balance read failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		last = bal
		if bal.Cmp(required) >= 0 {
			return true, nil
		}
		if attempt > 0 && attempt%5 == 0 {
			c.logger.InfoContext(ctx, "waiting for custody funds",
				slog.String("balance", bal.String()),
				slog.String("required", required.String()),
			)
		}
		return false, nil
	})
	if errors.Is(err, errRetryExhausted) {
		return fmt.Errorf("custody balance %s below %s: %w", amountOrZero(last), required, domain.ErrFundingTimeout)
	}
	return err
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// CloseChannel finalises a channel with the clearnode's co-signed final
// state, then withdraws the user's custody balance. The channel is Closed
// only once the withdrawal is confirmed or there was nothing to withdraw.
//
// If the close transaction fails the channel keeps its previous status. If
// only the withdrawal fails the channel stays Closing; calling CloseChannel
// again retries the withdrawal alone.
func (c *Coordinator) CloseChannel(ctx context.Context, id common.Hash) (domain.Channel, error) {
	if err := c.requireAuth(); err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: close: %w", err)
	}

	op, err := c.begin(domain.OpClose, id, nil,
		domain.ChannelStatusOpen, domain.ChannelStatusAwaitingFunding, domain.ChannelStatusClosing)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: close: %w", err)
	}
	unlock, err := c.acquire(ctx, op, "channel:"+id.Hex())
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: close: %w", err)
	}
	defer unlock()

	ch, err := c.Channel(id)
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, err
	}

	var tx common.Hash
	if op.prev != domain.ChannelStatusClosing {
		if _, err := c.transition(ctx, op, id, domain.ChannelStatusClosing, nil); err != nil {
			return domain.Channel{}, opError("close", domain.ErrChannelClose, err)
		}

		env, err := c.request(ctx, op, rpc.CloseChannel{ChannelID: id, FundsDestination: c.user})
		if err != nil {
			c.fail(ctx, op, id, err)
			return domain.Channel{}, opError("close", domain.ErrChannelClose, err)
		}
		proposal := env.Message.(rpc.ChannelClosed)
		final := fromWire(proposal.State)
		if err := c.validateAllocations(final, ch.Token); err != nil {
			c.fail(ctx, op, id, err)
			return domain.Channel{}, opError("close", domain.ErrChannelClose, err)
		}

		tx, err = c.submit(ctx, op, func() (common.Hash, error) {
			return c.ledger.SubmitClose(ctx, id, final, proposal.ServerSignature, nil)
		})
		if err != nil {
			c.fail(ctx, op, id, err)
			return domain.Channel{}, opError("close", domain.ErrChannelClose, err)
		}

		// The channel is gone on the ledger; a failed withdrawal from here
		// on leaves it Closing rather than restoring the old status.
		c.mu.Lock()
		op.prev = domain.ChannelStatusClosing
		if cur, ok := c.channels[id]; ok {
			cur.LastTx = tx
			cur.Allocations = final.Allocations
			cur.Version = final.Version
			c.channels[id] = cur
		}
		c.mu.Unlock()
	}

	withdrawn, err := c.withdraw(ctx, op, ch.Token)
	if err != nil {
		c.fail(ctx, op, id, err)
		return domain.Channel{}, opError("close", domain.ErrChannelClose, err)
	}

	c.mu.Lock()
	if !c.pending.current(op) {
		c.mu.Unlock()
		return domain.Channel{}, opError("close", domain.ErrChannelClose, ErrAbandoned)
	}
	c.pending.finish(op)
	closed, ev := c.setStatusLocked(id, domain.ChannelStatusClosed, op, nil)
	ev.Withdrawn = withdrawn
	c.mu.Unlock()

	c.notify(ctx, ev)
	c.logger.InfoContext(ctx, "channel closed",
		slog.String("channel", id.Hex()),
		slog.String("withdrawn", withdrawn.String()),
	)
	return closed, nil
}

// withdraw moves the user's whole custody balance of token back to the
// wallet and returns the amount moved.
func (c *Coordinator) withdraw(ctx context.Context, op *pendingOp, token common.Address) (*big.Int, error) {
	bal, err := c.ledger.AccountBalance(ctx, c.user, token)
	if err != nil {
		return nil, err
	}
	if bal.Sign() <= 0 {
		return new(big.Int), nil
	}
	if _, err := c.submit(ctx, op, func() (common.Hash, error) {
		return c.ledger.SubmitWithdrawal(ctx, token, bal)
	}); err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", bal, err)
	}
	return bal, nil
}

// --------------------------------------------------------------------------
// Abandon
// --------------------------------------------------------------------------

// Abandon cancels a pending operation. Its caller returns ErrAbandoned and
// any response or confirmation that arrives later no longer changes state.
// A channel caught mid-transition goes back to the status it had before
// the operation began.
func (c *Coordinator) Abandon(ctx context.Context, opID uuid.UUID) error {
	c.mu.Lock()
	op, ok := c.pending.abandon(opID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("channel/coordinator: abandon %s: %w", opID, domain.ErrNotFound)
	}

	var events []domain.ChannelEvent
	if ch, known := c.channels[op.ChannelID]; known && op.ChannelID != (common.Hash{}) {
		switch ch.Status {
		case domain.ChannelStatusCreating, domain.ChannelStatusResizing, domain.ChannelStatusClosing:
			to := op.prev
			if to == domain.ChannelStatusNone {
				to = domain.ChannelStatusFailed
			}
			if to != ch.Status {
				_, ev := c.setStatusLocked(op.ChannelID, to, op, func(ch *domain.Channel) {
					ch.Reason = ErrAbandoned.Error()
				})
				events = append(events, ev)
			}
		}
	}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "operation abandoned",
		slog.String("op", opID.String()),
		slog.String("kind", string(op.Kind)),
	)
	c.notify(ctx, events...)
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (c *Coordinator) requireAuth() error {
	if st := c.session.State(); st != domain.AuthAuthenticated {
		return fmt.Errorf("session is %s: %w", st, domain.ErrNotAuthenticated)
	}
	return nil
}

// begin registers an operation. For operations on an existing channel the
// channel must be mirrored and in one of the allowed statuses.
func (c *Coordinator) begin(kind domain.OpKind, id common.Hash, expected *big.Int, allowed ...domain.ChannelStatus) (*pendingOp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := domain.ChannelStatusNone
	if kind != domain.OpCreate {
		ch, ok := c.channels[id]
		if !ok {
			return nil, fmt.Errorf("channel %s: %w", id.Hex(), domain.ErrNotFound)
		}
		if c.pending.onChannel(id) {
			return nil, fmt.Errorf("channel %s: %w", id.Hex(), domain.ErrOperationInProgress)
		}
		permitted := false
		for _, s := range allowed {
			if ch.Status == s {
				permitted = true
				break
			}
		}
		if !permitted {
			return nil, fmt.Errorf("channel %s is %s: %w", id.Hex(), ch.Status, domain.ErrInvalidArgument)
		}
		prev = ch.Status
	}

	op, ok := c.pending.begin(kind, id, expected, c.now())
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, domain.ErrOperationInProgress)
	}
	op.prev = prev
	return op, nil
}

// acquire takes the distributed lock for key when a lock manager is set. On
// failure the operation is retired.
func (c *Coordinator) acquire(ctx context.Context, op *pendingOp, key string) (func(), error) {
	if c.locks == nil {
		return func() {}, nil
	}
	unlock, err := c.locks.Acquire(ctx, key, c.cfg.LockTTL)
	if err != nil {
		c.finish(op)
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("%s held elsewhere: %w", key, domain.ErrOperationInProgress)
		}
		return nil, err
	}
	return unlock, nil
}

func (c *Coordinator) isCurrent(op *pendingOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.current(op)
}

// request sends msg on behalf of op and waits for the correlated response.
// An error reply comes back as a domain.RemoteError.
func (c *Coordinator) request(ctx context.Context, op *pendingOp, msg rpc.Message) (rpc.Envelope, error) {
	reqID, err := c.session.Send(ctx, msg)
	if err != nil {
		return rpc.Envelope{}, err
	}
	c.mu.Lock()
	if c.pending.current(op) {
		op.RequestID = reqID
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case env := <-op.reply:
		if reply, ok := env.Message.(rpc.ErrorReply); ok {
			return rpc.Envelope{}, domain.Remote(opKindError(op.Kind), reply.Reason)
		}
		if env.Message.Method() != msg.Method() {
			return rpc.Envelope{}, fmt.Errorf("unexpected %s reply to %s: %w", env.Message.Method(), msg.Method(), domain.ErrInvalidProposal)
		}
		return env, nil
	case <-op.cancelled:
		return rpc.Envelope{}, ErrAbandoned
	case <-timer.C:
		return rpc.Envelope{}, fmt.Errorf("no %s response after %s: %w", msg.Method(), c.cfg.ResponseTimeout, domain.ErrTimeout)
	case <-ctx.Done():
		return rpc.Envelope{}, ctx.Err()
	}
}

// submit broadcasts a ledger transaction for op and waits for its receipt.
func (c *Coordinator) submit(ctx context.Context, op *pendingOp, send func() (common.Hash, error)) (common.Hash, error) {
	if !c.isCurrent(op) {
		return common.Hash{}, ErrAbandoned
	}
	tx, err := send()
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := c.ledger.WaitReceipt(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

func (c *Coordinator) validateProposal(def domain.ChannelDefinition, st domain.State, token common.Address, intent domain.StateIntent) error {
	if len(def.Participants) != 2 {
		return fmt.Errorf("%d participants: %w", len(def.Participants), domain.ErrInvalidProposal)
	}
	if def.Participants[0] != c.user {
		return fmt.Errorf("first participant %s is not the wallet: %w", def.Participants[0].Hex(), domain.ErrInvalidProposal)
	}
	if st.Intent != intent {
		return fmt.Errorf("state intent %d: %w", st.Intent, domain.ErrInvalidProposal)
	}
	return c.validateAllocations(st, token)
}

func (c *Coordinator) validateAllocations(st domain.State, token common.Address) error {
	for _, a := range st.Allocations {
		if a.Token != token {
			return fmt.Errorf("allocation token %s differs from %s: %w", a.Token.Hex(), token.Hex(), domain.ErrInvalidProposal)
		}
		if a.Amount == nil || a.Amount.Sign() < 0 {
			return fmt.Errorf("negative allocation: %w", domain.ErrInvalidProposal)
		}
	}
	return nil
}

func opKindError(kind domain.OpKind) error {
	switch kind {
	case domain.OpCreate:
		return domain.ErrChannelCreation
	case domain.OpResize:
		return domain.ErrResize
	default:
		return domain.ErrChannelClose
	}
}

// opError wraps cause with the operation's error kind unless it already
// carries it.
func opError(op string, kind, cause error) error {
	if errors.Is(cause, kind) {
		return fmt.Errorf("channel/coordinator: %s: %w", op, cause)
	}
	return fmt.Errorf("channel/coordinator: %s: %w: %w", op, kind, cause)
}

func fromWire(st rpc.State) domain.State {
	out := domain.State{
		Intent:      domain.StateIntent(st.Intent),
		Version:     st.Version,
		Data:        []byte(st.StateData),
		Allocations: make([]domain.Allocation, 0, len(st.Allocations)),
	}
	for _, a := range st.Allocations {
		out.Allocations = append(out.Allocations, domain.Allocation{
			Destination: a.Destination,
			Token:       a.Token,
			Amount:      a.Amount.Big(),
		})
	}
	return out
}
