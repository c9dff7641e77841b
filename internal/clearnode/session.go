// Package clearnode manages one authenticated session with a clearnode:
// the transport connection, the session-key handshake and the signed
// request/response traffic that flows over it.
package clearnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/crypto"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// Config holds session settings. Zero durations fall back to the defaults
// of DefaultConfig.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	SessionTTL     time.Duration
	DedupTTL       time.Duration
}

// DefaultConfig returns the sandbox endpoint with the standard timeouts.
func DefaultConfig() Config {
	return Config{
		URL:            "wss://clearnet-sandbox.yellow.com/ws",
		ConnectTimeout: 15 * time.Second,
		StepTimeout:    30 * time.Second,
		SessionTTL:     time.Hour,
		DedupTTL:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.DedupTTL < 0 {
		c.DedupTTL = 0
	}
	return c
}

// WalletSigner is the user's primary wallet. It signs the auth policy that
// delegates to the session key. *crypto.Signer implements it.
type WalletSigner interface {
	Address() common.Address
	SignAuthPolicy(domainName string, p crypto.AuthPolicy) (string, error)
}

// AuthParams are the caller-chosen parts of an auth request.
type AuthParams struct {
	Application string
	Scope       string
	Allowances  []rpc.Allowance
	// ExpiresAt is the session expiry in unix seconds. Zero means now plus
	// Config.SessionTTL.
	ExpiresAt uint64
}

// EventKind classifies session events.
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventTransportError EventKind = "transport_error"
	EventDisconnected   EventKind = "disconnected"
)

// Event is an observable session change.
type Event struct {
	Kind  EventKind        `json:"kind"`
	State domain.AuthState `json:"state"`
	Err   error            `json:"-"`
	At    time.Time        `json:"at"`
}

// Session owns one clearnode connection and its authentication state.
// Sessions are independent; create one per wallet.
type Session struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	now    func() time.Time

	dial   singleflight.Group
	nextID atomic.Uint64
	dedup  *Dedup
	events chan Event

	mu         sync.Mutex
	conn       Conn
	gen        uint64
	connClosed chan struct{}
	state      domain.AuthState
	wallet     common.Address
	sessionKey *crypto.Signer
	jwt        string
	lastErr    string

	authInFlight bool
	authReqID    uint64
	authInbox    chan rpc.Envelope

	listeners    map[uint64]func(rpc.Envelope)
	nextListener uint64
}

// NewSession creates a disconnected session.
func NewSession(cfg Config, dialer Dialer, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger.With(slog.String("component", "clearnode")),
		now:       time.Now,
		dedup:     NewDedup(cfg.DedupTTL),
		events:    make(chan Event, 64),
		state:     domain.AuthIdle,
		listeners: make(map[uint64]func(rpc.Envelope)),
	}
}

// Connect opens the transport. It is a no-op when already connected, and
// concurrent callers share one dial.
func (s *Session) Connect(ctx context.Context) error {
	if s.connected() {
		return nil
	}

	_, err, _ := s.dial.Do("connect", func() (any, error) {
		if s.connected() {
			return nil, nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()

		conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("clearnode/session: connect: %w: %w", domain.ErrTransport, err)
		}

		s.mu.Lock()
		s.gen++
		gen := s.gen
		s.conn = conn
		s.connClosed = make(chan struct{})
		s.lastErr = ""
		s.mu.Unlock()

		go s.readLoop(conn, gen)
		s.logger.InfoContext(ctx, "clearnode connected", slog.String("url", s.cfg.URL))
		return nil, nil
	})
	return err
}

// Disconnect closes the transport, discards the session key and resets the
// auth state to idle. It is safe to call in any state.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.dropConnLocked()
	s.setStateLocked(domain.AuthIdle)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.emit(Event{Kind: EventDisconnected, State: domain.AuthIdle})
	s.logger.Info("clearnode disconnected")
	if err := conn.Close(); err != nil {
		return fmt.Errorf("clearnode/session: disconnect: %w", err)
	}
	return nil
}

// Authenticate runs the challenge-response handshake. A fresh session key
// is generated for every attempt. Only one attempt may be in flight; a
// concurrent call fails immediately with domain.ErrOperationInProgress.
func (s *Session) Authenticate(ctx context.Context, wallet WalletSigner, params AuthParams) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("clearnode/session: authenticate: %w", domain.ErrNotConnected)
	}
	if s.authInFlight {
		s.mu.Unlock()
		return fmt.Errorf("clearnode/session: authenticate: %w", domain.ErrOperationInProgress)
	}
	if s.state == domain.AuthAuthenticated {
		same := s.wallet == wallet.Address()
		s.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("clearnode/session: authenticated as another wallet: %w", domain.ErrAuthentication)
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("clearnode/session: authenticate: %w", err)
	}
	s.authInFlight = true
	s.authInbox = make(chan rpc.Envelope, 4)
	s.sessionKey = key
	s.wallet = wallet.Address()
	gen, conn, closed, inbox := s.gen, s.conn, s.connClosed, s.authInbox
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.authInFlight = false
		s.authInbox = nil
		s.authReqID = 0
		s.mu.Unlock()
	}()

	expiresAt := params.ExpiresAt
	if expiresAt == 0 {
		expiresAt = uint64(s.now().Add(s.cfg.SessionTTL).Unix())
	}

	reqID := s.nextID.Add(1)
	s.mu.Lock()
	s.authReqID = reqID
	s.mu.Unlock()

	authReq := rpc.AuthRequest{
		Address:     wallet.Address(),
		SessionKey:  key.Address(),
		Application: params.Application,
		Allowances:  params.Allowances,
		ExpiresAt:   expiresAt,
		Scope:       params.Scope,
	}
	if err := s.writeEnvelope(conn, rpc.Envelope{RequestID: reqID, Timestamp: s.timestamp(), Message: authReq}); err != nil {
		s.abortAuth(gen, domain.AuthFailed, err)
		return err
	}
	s.advanceAuth(gen, domain.AuthAwaitingChallenge)

	env, err := s.awaitAuth(ctx, inbox, closed)
	if err != nil {
		return s.authStepFailed(gen, err)
	}

	var challenge rpc.AuthChallenge
	switch m := env.Message.(type) {
	case rpc.AuthChallenge:
		challenge = m
	case rpc.ErrorReply:
		return s.authRejected(gen, m.Reason)
	default:
		return s.authRejected(gen, fmt.Sprintf("unexpected %s before challenge", env.Message.Method()))
	}

	allowances := make([]crypto.Allowance, 0, len(params.Allowances))
	for _, a := range params.Allowances {
		allowances = append(allowances, crypto.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	sig, err := wallet.SignAuthPolicy(params.Application, crypto.AuthPolicy{
		Challenge:  challenge.ChallengeMessage,
		Scope:      params.Scope,
		Wallet:     wallet.Address(),
		SessionKey: key.Address(),
		ExpiresAt:  expiresAt,
		Allowances: allowances,
	})
	if err != nil {
		wrapped := fmt.Errorf("clearnode/session: sign policy: %w: %w", domain.ErrAuthentication, err)
		s.abortAuth(gen, domain.AuthFailed, wrapped)
		return wrapped
	}

	verify := rpc.Envelope{
		RequestID:  reqID,
		Timestamp:  s.timestamp(),
		Message:    rpc.AuthVerify{Challenge: challenge.ChallengeMessage},
		Signatures: []string{sig},
	}
	if err := s.writeEnvelope(conn, verify); err != nil {
		s.abortAuth(gen, domain.AuthFailed, err)
		return err
	}
	s.advanceAuth(gen, domain.AuthAwaitingVerify)

	env, err = s.awaitAuth(ctx, inbox, closed)
	if err != nil {
		return s.authStepFailed(gen, err)
	}

	switch m := env.Message.(type) {
	case rpc.AuthVerified:
		if !m.Success {
			return s.authRejected(gen, "verification rejected")
		}
		s.mu.Lock()
		if s.gen == gen {
			s.jwt = m.JWTToken
			s.lastErr = ""
			s.setStateLocked(domain.AuthAuthenticated)
		}
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "clearnode authenticated",
			slog.String("wallet", wallet.Address().Hex()),
			slog.String("session_key", key.Address().Hex()),
		)
		return nil
	case rpc.ErrorReply:
		return s.authRejected(gen, m.Reason)
	default:
		return s.authRejected(gen, fmt.Sprintf("unexpected %s during verification", env.Message.Method()))
	}
}

// Send signs msg with the session key and writes it. It returns the
// request id the clearnode will echo in its response.
func (s *Session) Send(ctx context.Context, msg rpc.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	conn, key, state := s.conn, s.sessionKey, s.state
	s.mu.Unlock()

	if conn == nil {
		return 0, fmt.Errorf("clearnode/session: send %s: %w", msg.Method(), domain.ErrNotConnected)
	}
	if key == nil || state != domain.AuthAuthenticated {
		return 0, fmt.Errorf("clearnode/session: send %s: %w", msg.Method(), domain.ErrNotAuthenticated)
	}

	id := s.nextID.Add(1)
	payload, err := rpc.RequestPayload(id, msg, s.timestamp())
	if err != nil {
		return 0, err
	}
	sig, err := key.SignPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("clearnode/session: sign %s: %w", msg.Method(), err)
	}
	frame, err := rpc.Frame(payload, false, []string{sig})
	if err != nil {
		return 0, err
	}
	if err := s.write(conn, frame); err != nil {
		return 0, err
	}
	s.logger.DebugContext(ctx, "request sent",
		slog.String("method", string(msg.Method())),
		slog.Uint64("request_id", id),
	)
	return id, nil
}

// SendRaw writes an already encoded frame.
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clearnode/session: send raw: %w", domain.ErrNotConnected)
	}
	return s.write(conn, data)
}

// Listen registers fn for every decoded inbound frame. Frames are delivered
// in arrival order from the read goroutine; fn must not block for long.
func (s *Session) Listen(fn func(rpc.Envelope)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("clearnode/session: listen: %w", domain.ErrNotConnected)
	}

	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}, nil
}

// Events returns the session event stream. Events are dropped when the
// consumer falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns a snapshot of the session.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.SessionStatus{
		Connected: s.conn != nil,
		State:     s.state,
		Wallet:    s.wallet,
		LastError: s.lastErr,
	}
	if s.sessionKey != nil {
		st.SessionKey = s.sessionKey.Address()
	}
	return st
}

// State returns the current auth state.
func (s *Session) State() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// JWT returns the token issued on successful authentication.
func (s *Session) JWT() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwt
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// readLoop reads frames until the connection fails or is replaced.
func (s *Session) readLoop(conn Conn, gen uint64) {
	lastCleanup := s.now()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.transportFailed(gen, conn, err)
			return
		}

		env, err := rpc.Decode(data)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}
		if s.dedup.IsDuplicate(frameKey(env)) {
			s.logger.Debug("dropping duplicate frame",
				slog.String("method", string(env.Message.Method())),
				slog.Uint64("request_id", env.RequestID),
			)
			continue
		}
		if now := s.now(); now.Sub(lastCleanup) > s.cfg.DedupTTL {
			s.dedup.Cleanup()
			lastCleanup = now
		}

		s.dispatch(gen, env)
	}
}

func frameKey(env rpc.Envelope) string {
	return fmt.Sprintf("%s:%d:%d", env.Message.Method(), env.RequestID, env.Timestamp)
}

func (s *Session) dispatch(gen uint64, env rpc.Envelope) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.authInbox != nil && s.isAuthReply(env) {
		select {
		case s.authInbox <- env:
		default:
		}
	}
	fns := make([]func(rpc.Envelope), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

// isAuthReply reports whether env answers the in-flight handshake. Caller
// must hold s.mu.
func (s *Session) isAuthReply(env rpc.Envelope) bool {
	switch env.Message.(type) {
	case rpc.AuthChallenge, rpc.AuthVerified:
		return true
	case rpc.ErrorReply:
		return env.RequestID == 0 || env.RequestID == s.authReqID
	}
	return false
}

func (s *Session) transportFailed(gen uint64, conn Conn, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	next := domain.AuthIdle
	if s.authInFlight {
		next = domain.AuthFailed
	}
	s.dropConnLocked()
	s.lastErr = cause.Error()
	s.setStateLocked(next)
	s.mu.Unlock()

	_ = conn.Close()
	err := fmt.Errorf("clearnode/session: connection lost: %w: %w", domain.ErrTransport, cause)
	s.logger.Warn("clearnode connection lost", slog.String("error", cause.Error()))
	s.emit(Event{Kind: EventTransportError, State: next, Err: err})
}

// dropConnLocked forgets the current connection. Caller must hold s.mu.
func (s *Session) dropConnLocked() {
	if s.connClosed != nil {
		close(s.connClosed)
		s.connClosed = nil
	}
	s.conn = nil
	s.gen++
	s.sessionKey = nil
	s.jwt = ""
}

// setStateLocked changes the auth state and emits an event. Caller must
// hold s.mu.
func (s *Session) setStateLocked(next domain.AuthState) {
	if s.state == next {
		return
	}
	s.state = next
	s.emit(Event{Kind: EventStateChanged, State: next})
}

func (s *Session) advanceAuth(gen uint64, next domain.AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.setStateLocked(next)
	}
}

// abortAuth ends the attempt in state next and discards the session key.
func (s *Session) abortAuth(gen uint64, next domain.AuthState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.sessionKey = nil
	s.jwt = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.setStateLocked(next)
}

func (s *Session) authRejected(gen uint64, reason string) error {
	err := domain.Remote(domain.ErrAuthentication, reason)
	s.abortAuth(gen, domain.AuthFailed, err)
	s.logger.Warn("clearnode authentication rejected", slog.String("reason", reason))
	return fmt.Errorf("clearnode/session: authenticate: %w", err)
}

// authStepFailed handles a step that produced no reply. Timeouts and
// caller cancellation return the session to idle; a lost transport has
// already moved it to failed.
func (s *Session) authStepFailed(gen uint64, err error) error {
	if errors.Is(err, domain.ErrTransport) {
		return fmt.Errorf("clearnode/session: authenticate: %w", err)
	}
	s.abortAuth(gen, domain.AuthIdle, err)
	return fmt.Errorf("clearnode/session: authenticate: %w", err)
}

func (s *Session) awaitAuth(ctx context.Context, inbox <-chan rpc.Envelope, closed <-chan struct{}) (rpc.Envelope, error) {
	timer := time.NewTimer(s.cfg.StepTimeout)
	defer timer.Stop()

	select {
	case env := <-inbox:
		return env, nil
	case <-timer.C:
		return rpc.Envelope{}, fmt.Errorf("no reply within %s: %w", s.cfg.StepTimeout, domain.ErrTimeout)
	case <-closed:
		return rpc.Envelope{}, fmt.Errorf("connection closed: %w", domain.ErrTransport)
	case <-ctx.Done():
		return rpc.Envelope{}, ctx.Err()
	}
}

func (s *Session) writeEnvelope(conn Conn, env rpc.Envelope) error {
	frame, err := rpc.Encode(env)
	if err != nil {
		return err
	}
	return s.write(conn, frame)
}

func (s *Session) write(conn Conn, frame []byte) error {
	if err := conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("clearnode/session: write: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

func (s *Session) timestamp() uint64 {
	return uint64(s.now().UnixMilli())
}

func (s *Session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event dropped", slog.String("kind", string(ev.Kind)))
	}
}
