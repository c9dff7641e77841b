package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// Reconcile re-reads a channel from the ledger and folds the result into
// the mirror. Channels unknown to the mirror are adopted when the ledger
// holds them. A channel the ledger no longer holds is marked Closed unless
// an operation or a withdrawal is still outstanding on it; a Failed channel
// the ledger still holds takes the ledger's status.
func (c *Coordinator) Reconcile(ctx context.Context, id common.Hash) (domain.Channel, error) {
	data, err := c.ledger.ChannelData(ctx, id)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("channel/coordinator: reconcile %s: %w", id.Hex(), err)
	}

	c.mu.Lock()
	ch, known := c.channels[id]
	gone := data.Status == domain.LedgerVoid || data.Status == domain.LedgerFinal

	if !known {
		if gone {
			c.mu.Unlock()
			return domain.Channel{}, fmt.Errorf("channel/coordinator: reconcile %s: %w", id.Hex(), domain.ErrNotFound)
		}
		ch, ev := c.adoptLocked(id, data)
		c.mu.Unlock()
		c.notify(ctx, ev)
		return ch, nil
	}

	to := ch.Status
	if !c.pending.onChannel(id) {
		switch {
		case gone:
			switch ch.Status {
			case domain.ChannelStatusOpen, domain.ChannelStatusAwaitingFunding, domain.ChannelStatusResizing:
				to = domain.ChannelStatusClosed
			}
		case ch.Status == domain.ChannelStatusFailed:
			// A timed-out transaction may still have landed.
			to = statusFromLedger(data.Status)
		}
	}

	refresh := func(ch *domain.Channel) {
		if gone || data.LastValidState.Version < ch.Version {
			return
		}
		ch.Allocations = data.LastValidState.Allocations
		ch.Version = data.LastValidState.Version
		ch.Amount = data.LastValidState.TokenTotal(ch.Token)
	}

	if to == ch.Status {
		cur := ch.Clone()
		refresh(&cur)
		c.channels[id] = cur
		c.mu.Unlock()
		return cur.Clone(), nil
	}

	out, ev := c.setStatusLocked(id, to, nil, refresh)
	ev.Reason = "ledger reconciliation"
	c.mu.Unlock()

	c.notify(ctx, ev)
	return out, nil
}

// adoptLocked adds a channel found on the ledger to the mirror.
func (c *Coordinator) adoptLocked(id common.Hash, data domain.ChannelData) (domain.Channel, domain.ChannelEvent) {
	to := statusFromLedger(data.Status)

	token := c.cfg.Token
	if allocs := data.LastValidState.Allocations; len(allocs) > 0 {
		token = allocs[0].Token
	}
	ch, ev := c.setStatusLocked(id, to, nil, func(ch *domain.Channel) {
		if p := data.Definition.Participants; len(p) == 2 {
			ch.Participants = [2]common.Address{p[0], p[1]}
		}
		ch.Adjudicator = data.Definition.Adjudicator
		ch.ChainID = c.cfg.ChainID
		ch.Token = token
		ch.Allocations = data.LastValidState.Allocations
		ch.Version = data.LastValidState.Version
		ch.Amount = data.LastValidState.TokenTotal(token)
	})
	ev.Reason = "adopted from ledger"
	return ch, ev
}

// statusFromLedger maps a live ledger status onto the mirror.
func statusFromLedger(s domain.LedgerChannelStatus) domain.ChannelStatus {
	switch s {
	case domain.LedgerInitial:
		return domain.ChannelStatusAwaitingFunding
	case domain.LedgerDispute:
		return domain.ChannelStatusClosing
	}
	return domain.ChannelStatusOpen
}

// Sync reconciles every channel the ledger lists as open for the user
// together with every live channel in the mirror. It returns the mirror
// afterwards and the joined reconciliation errors, if any.
func (c *Coordinator) Sync(ctx context.Context) ([]domain.Channel, error) {
	ids, err := c.ledger.OpenChannels(ctx, c.user)
	if err != nil {
		return nil, fmt.Errorf("channel/coordinator: sync: %w", err)
	}

	seen := make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	c.mu.Lock()
	for id, ch := range c.channels {
		if !ch.Status.Terminal() && ch.Status != domain.ChannelStatusNone {
			if _, ok := seen[id]; !ok {
				ids = append(ids, id)
				seen[id] = struct{}{}
			}
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := c.Reconcile(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	c.logger.InfoContext(ctx, "channels synced", slog.Int("checked", len(ids)), slog.Int("errors", len(errs)))
	return c.Channels(), errors.Join(errs...)
}

// reconcileAfter re-reads a channel after a confirmation. Failures are
// logged; the mirror keeps the confirmed transition.
func (c *Coordinator) reconcileAfter(ctx context.Context, id common.Hash) {
	if _, err := c.Reconcile(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "post-confirmation reconcile failed",
			slog.String("channel", id.Hex()),
			slog.String("error", err.Error()),
		)
	}
}
