package clearnode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/crypto"
	"github.com/alanyoungcy/predicta/internal/domain"
)

const walletKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []rpc.Envelope
	onWrite func(rpc.Envelope)
	stamp   atomic.Uint64
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	env, err := rpc.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setOnWrite(fn func(rpc.Envelope)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

// push delivers msg as a response frame with a unique timestamp.
func (c *fakeConn) push(id uint64, msg rpc.Message) {
	c.pushEnvelope(rpc.Envelope{RequestID: id, Timestamp: c.stamp.Add(1), Message: msg})
}

func (c *fakeConn) pushEnvelope(env rpc.Envelope) {
	data, err := rpc.Encode(env)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

func (c *fakeConn) sent(method rpc.Method) []rpc.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rpc.Envelope
	for _, env := range c.written {
		if env.Message.Method() == method {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	gate  chan struct{}
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeConn, *fakeDialer) {
	t.Helper()
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	s := NewSession(cfg, dialer, testLogger())
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, conn, dialer
}

func testParams() AuthParams {
	return AuthParams{
		Application: "Test app",
		Scope:       "console",
		Allowances:  []rpc.Allowance{{Asset: "ytest.usd", Amount: "1000000000"}},
		ExpiresAt:   1_900_000_000,
	}
}

// acceptingServer answers the handshake like a clearnode that accepts any
// correctly signed policy.
func acceptingServer(t *testing.T, conn *fakeConn, params AuthParams) {
	var req rpc.AuthRequest
	conn.setOnWrite(func(env rpc.Envelope) {
		switch m := env.Message.(type) {
		case rpc.AuthRequest:
			req = m
			conn.push(env.RequestID, rpc.AuthChallenge{ChallengeMessage: "challenge-1"})
		case rpc.AuthVerify:
			allowances := make([]crypto.Allowance, 0, len(req.Allowances))
			for _, a := range req.Allowances {
				allowances = append(allowances, crypto.Allowance{Asset: a.Asset, Amount: a.Amount})
			}
			digest := crypto.AuthPolicyDigest(params.Application, crypto.AuthPolicy{
				Challenge:  m.Challenge,
				Scope:      req.Scope,
				Wallet:     req.Address,
				SessionKey: req.SessionKey,
				ExpiresAt:  req.ExpiresAt,
				Allowances: allowances,
			})
			sig, err := hexutil.Decode(env.Signatures[0])
			if err != nil {
				conn.push(env.RequestID, rpc.ErrorReply{Reason: "bad signature encoding"})
				return
			}
			signer, err := crypto.RecoverAddress(digest, sig)
			if err != nil || signer != req.Address {
				conn.push(env.RequestID, rpc.ErrorReply{Reason: "invalid signature"})
				return
			}
			conn.push(env.RequestID, rpc.AuthVerified{
				Address:    req.Address,
				SessionKey: req.SessionKey,
				JWTToken:   "jwt-token",
				Success:    true,
			})
		}
	})
}

func TestConnectSingleFlight(t *testing.T) {
	s, _, dialer := newTestSession(t, Config{})
	dialer.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(dialer.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.True(t, s.Status().Connected)
}

func TestConnectFailureDiscardsHandle(t *testing.T) {
	s, _, dialer := newTestSession(t, Config{})
	dialer.err = errors.New("handshake refused")

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, s.Status().Connected)

	dialer.err = nil
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestOperationsRequireConnection(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})

	_, err := s.Send(context.Background(), rpc.CreateChannel{ChainID: 1})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, s.SendRaw([]byte(`{}`)), domain.ErrNotConnected)
	_, err = s.Listen(func(rpc.Envelope) {})
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Authenticate(context.Background(), wallet, testParams()), domain.ErrNotConnected)
}

func TestSendRequiresAuthentication(t *testing.T) {
	s, _, _ := newTestSession(t, Config{})
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Send(context.Background(), rpc.CreateChannel{ChainID: 1})
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestAuthenticateHandshake(t *testing.T) {
	s, conn, _ := newTestSession(t, Config{})
	require.NoError(t, s.Connect(context.Background()))

	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)
	params := testParams()
	acceptingServer(t, conn, params)

	require.NoError(t, s.Authenticate(context.Background(), wallet, params))

	st := s.Status()
	assert.Equal(t, domain.AuthAuthenticated, st.State)
	assert.Equal(t, wallet.Address(), st.Wallet)
	assert.NotEqual(t, common.Address{}, st.SessionKey)
	assert.NotEqual(t, wallet.Address(), st.SessionKey)
	assert.Equal(t, "jwt-token", s.JWT())

	reqs := conn.sent(rpc.MethodAuthRequest)
	require.Len(t, reqs, 1)
	authReq := reqs[0].Message.(rpc.AuthRequest)
	assert.Equal(t, wallet.Address(), authReq.Address)
	assert.Equal(t, st.SessionKey, authReq.SessionKey)
	assert.Equal(t, uint64(1_900_000_000), authReq.ExpiresAt)

	// Requests after the handshake are signed by the session key.
	id, err := s.Send(context.Background(), rpc.CreateChannel{ChainID: 11155111})
	require.NoError(t, err)
	creates := conn.sent(rpc.MethodCreateChannel)
	require.Len(t, creates, 1)
	assert.Equal(t, id, creates[0].RequestID)

	payload, err := rpc.RequestPayload(creates[0].RequestID, creates[0].Message, creates[0].Timestamp)
	require.NoError(t, err)
	sig, err := hexutil.Decode(creates[0].Signatures[0])
	require.NoError(t, err)
	signer, err := crypto.RecoverAddress(ethcrypto.Keccak256(payload), sig)
	require.NoError(t, err)
	assert.Equal(t, st.SessionKey, signer)

	// A repeated call for the same wallet is a no-op.
	require.NoError(t, s.Authenticate(context.Background(), wallet, params))
	assert.Len(t, conn.sent(rpc.MethodAuthRequest), 1)
}

func TestAuthenticateConcurrentCallsSendOneRequest(t *testing.T) {
	s, conn, _ := newTestSession(t, Config{StepTimeout: 5 * time.Second})
	require.NoError(t, s.Connect(context.Background()))
	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.Authenticate(ctx, wallet, testParams()) }()

	require.Eventually(t, func() bool {
		return len(conn.sent(rpc.MethodAuthRequest)) == 1
	}, time.Second, 5*time.Millisecond)
	keyDuringAuth := s.Status().SessionKey

	err = s.Authenticate(context.Background(), wallet, testParams())
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	assert.Len(t, conn.sent(rpc.MethodAuthRequest), 1)
	assert.Equal(t, keyDuringAuth, s.Status().SessionKey)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.Equal(t, domain.AuthIdle, s.State())
}

func TestAuthenticateTimeoutReturnsToIdle(t *testing.T) {
	s, _, _ := newTestSession(t, Config{StepTimeout: 30 * time.Millisecond})
	require.NoError(t, s.Connect(context.Background()))
	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)

	err = s.Authenticate(context.Background(), wallet, testParams())
	require.ErrorIs(t, err, domain.ErrTimeout)

	st := s.Status()
	assert.Equal(t, domain.AuthIdle, st.State)
	assert.Equal(t, common.Address{}, st.SessionKey)
	assert.True(t, st.Connected)
}

func TestAuthenticateRejectionCarriesReason(t *testing.T) {
	s, conn, _ := newTestSession(t, Config{})
	require.NoError(t, s.Connect(context.Background()))
	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)

	conn.setOnWrite(func(env rpc.Envelope) {
		switch env.Message.(type) {
		case rpc.AuthRequest:
			conn.push(env.RequestID, rpc.AuthChallenge{ChallengeMessage: "c"})
		case rpc.AuthVerify:
			conn.push(env.RequestID, rpc.ErrorReply{Reason: "challenge expired"})
		}
	})

	err = s.Authenticate(context.Background(), wallet, testParams())
	require.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, "challenge expired", domain.ReasonOf(err))
	assert.Equal(t, domain.AuthFailed, s.State())
	assert.Contains(t, s.Status().LastError, "challenge expired")

	// Retry from failed with a fresh key.
	acceptingServer(t, conn, testParams())
	require.NoError(t, s.Authenticate(context.Background(), wallet, testParams()))
	assert.Equal(t, domain.AuthAuthenticated, s.State())

	reqs := conn.sent(rpc.MethodAuthRequest)
	require.Len(t, reqs, 2)
	assert.NotEqual(t,
		reqs[0].Message.(rpc.AuthRequest).SessionKey,
		reqs[1].Message.(rpc.AuthRequest).SessionKey,
	)
}

func TestTransportFailureForcesIdleWithoutReconnect(t *testing.T) {
	s, conn, dialer := newTestSession(t, Config{})
	require.NoError(t, s.Connect(context.Background()))
	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)
	acceptingServer(t, conn, testParams())
	require.NoError(t, s.Authenticate(context.Background(), wallet, testParams()))

	_ = conn.Close()

	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Connected && st.State == domain.AuthIdle
	}, time.Second, 5*time.Millisecond)

	var sawTransportError bool
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-s.Events():
				if ev.Kind == EventTransportError {
					sawTransportError = errors.Is(ev.Err, domain.ErrTransport)
					return sawTransportError
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), dialer.dials.Load())
	_, err = s.Send(context.Background(), rpc.CreateChannel{ChainID: 1})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestDisconnectIsSafeInAnyState(t *testing.T) {
	s, conn, _ := newTestSession(t, Config{})
	require.NoError(t, s.Disconnect())

	require.NoError(t, s.Connect(context.Background()))
	wallet, err := crypto.NewSigner(walletKey)
	require.NoError(t, err)
	acceptingServer(t, conn, testParams())
	require.NoError(t, s.Authenticate(context.Background(), wallet, testParams()))

	require.NoError(t, s.Disconnect())
	st := s.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, domain.AuthIdle, st.State)
	assert.Equal(t, common.Address{}, st.SessionKey)
	assert.Empty(t, s.JWT())
	require.NoError(t, s.Disconnect())
}

func TestListenDeliversInOrderAndDropsDuplicates(t *testing.T) {
	s, conn, _ := newTestSession(t, Config{})
	require.NoError(t, s.Connect(context.Background()))

	var (
		mu  sync.Mutex
		got []string
	)
	cancel, err := s.Listen(func(env rpc.Envelope) {
		if bu, ok := env.Message.(rpc.BalanceUpdate); ok {
			mu.Lock()
			got = append(got, bu.BalanceUpdates[0].Amount)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	dup := rpc.Envelope{RequestID: 0, Timestamp: 500, Message: rpc.BalanceUpdate{
		BalanceUpdates: []rpc.Balance{{Asset: "ytest.usd", Amount: "1"}},
	}}
	conn.pushEnvelope(dup)
	conn.pushEnvelope(dup)
	for _, amount := range []string{"2", "3"} {
		conn.push(0, rpc.BalanceUpdate{BalanceUpdates: []rpc.Balance{{Asset: "ytest.usd", Amount: amount}}})
	}
	conn.in <- []byte(`not json`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
	mu.Unlock()

	cancel()
	conn.push(0, rpc.BalanceUpdate{BalanceUpdates: []rpc.Balance{{Asset: "ytest.usd", Amount: "4"}}})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("cu:1:1"))
	assert.True(t, d.IsDuplicate("cu:1:1"))
	assert.False(t, d.IsDuplicate("cu:1:2"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.IsDuplicate("cu:1:1"))

	assert.False(t, NewDedup(0).IsDuplicate(strings.Repeat("x", 3)))
}
