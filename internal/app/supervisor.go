package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predicta/internal/clearnode"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// authSession is the part of *clearnode.Session the supervisor drives.
type authSession interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, wallet clearnode.WalletSigner, params clearnode.AuthParams) error
	Events() <-chan clearnode.Event
	Status() domain.SessionStatus
}

// sessionEvent is the bus payload for a session event.
type sessionEvent struct {
	Kind  clearnode.EventKind `json:"kind"`
	State domain.AuthState    `json:"state"`
	Error string              `json:"error,omitempty"`
	At    time.Time           `json:"at"`
}

// sessionSupervisor logs the session in, republishes its events on the bus
// and logs back in with backoff when the transport is lost. The session
// itself never reconnects.
type sessionSupervisor struct {
	session authSession
	wallet  clearnode.WalletSigner
	params  clearnode.AuthParams
	bus     domain.EventBus
	logger  *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration
	ready    chan struct{}
}

func newSessionSupervisor(session authSession, wallet clearnode.WalletSigner, params clearnode.AuthParams, bus domain.EventBus, logger *slog.Logger) *sessionSupervisor {
	return &sessionSupervisor{
		session:  session,
		wallet:   wallet,
		params:   params,
		bus:      bus,
		logger:   logger.With(slog.String("component", "session_supervisor")),
		minDelay: 2 * time.Second,
		maxDelay: time.Minute,
		ready:    make(chan struct{}),
	}
}

// Login connects and authenticates once.
func (s *sessionSupervisor) Login(ctx context.Context) error {
	if err := s.session.Connect(ctx); err != nil {
		return fmt.Errorf("session supervisor: %w", err)
	}
	if err := s.session.Authenticate(ctx, s.wallet, s.params); err != nil {
		return fmt.Errorf("session supervisor: %w", err)
	}
	return nil
}

// Ready is closed after the first successful login of Run.
func (s *sessionSupervisor) Ready() <-chan struct{} {
	return s.ready
}

// Run logs in, retrying until it succeeds, then watches the session until
// ctx is cancelled.
func (s *sessionSupervisor) Run(ctx context.Context) error {
	if !s.loginWithBackoff(ctx) {
		return nil
	}
	close(s.ready)

	events := s.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.publish(ctx, ev)
			if ev.Kind != clearnode.EventTransportError {
				continue
			}
			// Errors queued while a login was running are stale.
			if st := s.session.Status(); st.Connected && st.State == domain.AuthAuthenticated {
				continue
			}
			s.logger.WarnContext(ctx, "clearnode lost, logging in again", slog.String("state", string(ev.State)))
			if !s.loginWithBackoff(ctx) {
				return nil
			}
		}
	}
}

// loginWithBackoff returns false only when ctx ends first.
func (s *sessionSupervisor) loginWithBackoff(ctx context.Context) bool {
	delay := s.minDelay
	for {
		err := s.Login(ctx)
		if err == nil {
			s.logger.InfoContext(ctx, "clearnode session authenticated")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.logger.WarnContext(ctx, "clearnode login failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, s.maxDelay)
	}
}

func (s *sessionSupervisor) publish(ctx context.Context, ev clearnode.Event) {
	if s.bus == nil {
		return
	}
	payload := sessionEvent{Kind: ev.Kind, State: ev.State, At: ev.At}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	if payload.At.IsZero() {
		payload.At = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.BusSessionEvents, data); err != nil {
		s.logger.WarnContext(ctx, "publish session event failed", slog.String("error", err.Error()))
	}
}
