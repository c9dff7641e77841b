package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predicta/internal/domain"
	"github.com/alanyoungcy/predicta/internal/server"
	"github.com/alanyoungcy/predicta/internal/server/handler"
	"github.com/alanyoungcy/predicta/internal/server/ws"
)

// ServerMode keeps the clearnode session logged in, runs the channel
// coordinator and serves the HTTP API and websocket feed until ctx is
// cancelled. Quotes are served while the session is still logging in.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Supervisor.Run(ctx)
	})

	// The coordinator attaches once; its listener survives reconnects.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-deps.Supervisor.Ready():
		}
		if _, err := deps.Coordinator.Sync(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial channel sync incomplete", slog.String("error", err.Error()))
		}
		return deps.Coordinator.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// SettleMode runs the one-shot flow: log in, adopt the user's channels from
// the ledger, reuse or create a channel for the settle token, fund it to the
// configured amount and, when asked, close it and withdraw.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	target, ok := new(big.Int).SetString(a.cfg.Settle.Amount, 10)
	if !ok {
		return fmt.Errorf("settle mode: invalid amount %q", a.cfg.Settle.Amount)
	}
	token := a.cfg.SettleToken()

	if err := deps.Supervisor.Login(ctx); err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}
	stop, err := deps.Coordinator.Attach()
	if err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}
	defer stop()

	channels, err := deps.Coordinator.Sync(ctx)
	if err != nil {
		// Adopted channels are still usable; a partial sync is not fatal.
		a.logger.WarnContext(ctx, "channel sync incomplete", slog.String("error", err.Error()))
	}

	plan := planSettle(channels, token, target)
	a.logger.InfoContext(ctx, "settle plan",
		slog.String("action", plan.Action.String()),
		slog.String("token", token.Hex()),
		slog.String("target", target.String()),
		slog.String("channel", plan.Channel.ID.Hex()),
	)

	ch := plan.Channel
	switch plan.Action {
	case settleCreate:
		ch, err = deps.Coordinator.CreateChannel(ctx, token, plan.Amount, 0)
		if err != nil {
			return fmt.Errorf("settle mode: %w", err)
		}
	case settleFund:
		ch, err = deps.Coordinator.ResizeChannel(ctx, ch.ID, nil, plan.Amount)
		if err != nil {
			return fmt.Errorf("settle mode: %w", err)
		}
	case settleFinishClose:
		if !a.cfg.Settle.Close {
			return fmt.Errorf("settle mode: channel %s is closing; rerun with close enabled", ch.ID.Hex())
		}
	}

	a.logger.InfoContext(ctx, "channel ready",
		slog.String("channel", ch.ID.Hex()),
		slog.String("status", string(ch.Status)),
		slog.String("amount", amountString(ch.Amount)),
	)

	if !a.cfg.Settle.Close {
		return nil
	}
	closed, err := deps.Coordinator.CloseChannel(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}
	a.logger.InfoContext(ctx, "channel closed and withdrawn",
		slog.String("channel", closed.ID.Hex()),
		slog.String("status", string(closed.Status)),
	)
	return nil
}

// --------------------------------------------------------------------------
// Settle planning
// --------------------------------------------------------------------------

type settleAction int

const (
	settleNone settleAction = iota
	settleCreate
	settleFund
	settleFinishClose
)

func (a settleAction) String() string {
	switch a {
	case settleCreate:
		return "create"
	case settleFund:
		return "fund"
	case settleFinishClose:
		return "finish_close"
	default:
		return "none"
	}
}

type settlePlan struct {
	Action  settleAction
	Channel domain.Channel
	// Amount is the create funding or the allocation still missing.
	Amount *big.Int
}

// planSettle picks the first live channel for token. A channel left closing
// by a failed withdrawal takes precedence so the withdrawal is retried.
func planSettle(channels []domain.Channel, token common.Address, target *big.Int) settlePlan {
	var live *domain.Channel
	for i := range channels {
		ch := &channels[i]
		if ch.Token != token {
			continue
		}
		switch ch.Status {
		case domain.ChannelStatusClosing:
			return settlePlan{Action: settleFinishClose, Channel: *ch}
		case domain.ChannelStatusOpen, domain.ChannelStatusAwaitingFunding:
			if live == nil {
				live = ch
			}
		}
	}
	if live == nil {
		return settlePlan{Action: settleCreate, Amount: new(big.Int).Set(target)}
	}

	have := live.Amount
	if have == nil {
		have = new(big.Int)
	}
	if have.Cmp(target) >= 0 {
		return settlePlan{Action: settleNone, Channel: *live}
	}
	return settlePlan{Action: settleFund, Channel: *live, Amount: new(big.Int).Sub(target, have)}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --------------------------------------------------------------------------
// HTTP
// --------------------------------------------------------------------------

// startHTTPServer registers the API server and, with an event bus, the
// websocket hub on g. Both stop when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hub *ws.Hub
	if deps.EventBus != nil {
		hub = ws.NewHub(deps.EventBus, ws.Config{
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			Status:         func() any { return deps.Session.Status() },
		}, a.base)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		a.logger.InfoContext(ctx, "redis disabled; websocket feed not served")
	}

	channels := handler.NewChannelHandler(deps.Coordinator, a.base)
	if deps.ChannelStore != nil {
		channels.SetStore(deps.ChannelStore)
	}
	if deps.AuditStore != nil {
		channels.SetAuditStore(deps.AuditStore)
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.base),
		Quotes:   handler.NewQuoteHandler(deps.Quotes, a.base),
		Session:  handler.NewSessionHandler(deps.Session, a.cfg.Mode),
		Channels: channels,
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}, handlers, hub, deps.RateLimiter, a.base)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
