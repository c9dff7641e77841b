package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/clearnode"
	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/config"
	"github.com/alanyoungcy/predicta/internal/crypto"
	"github.com/alanyoungcy/predicta/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var (
	usdc = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	weth = common.HexToAddress("0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9")
)

func TestPlanSettle(t *testing.T) {
	target := big.NewInt(100)
	id := func(b byte) common.Hash { return common.Hash{b} }

	cases := []struct {
		name     string
		channels []domain.Channel
		action   settleAction
		channel  common.Hash
		amount   int64
	}{
		{
			name:   "no channels",
			action: settleCreate,
			amount: 100,
		},
		{
			name: "other token only",
			channels: []domain.Channel{
				{ID: id(1), Token: weth, Status: domain.ChannelStatusOpen, Amount: big.NewInt(500)},
			},
			action: settleCreate,
			amount: 100,
		},
		{
			name: "underfunded open channel",
			channels: []domain.Channel{
				{ID: id(1), Token: usdc, Status: domain.ChannelStatusClosed, Amount: big.NewInt(0)},
				{ID: id(2), Token: usdc, Status: domain.ChannelStatusOpen, Amount: big.NewInt(30)},
			},
			action:  settleFund,
			channel: id(2),
			amount:  70,
		},
		{
			name: "awaiting funding with nil amount",
			channels: []domain.Channel{
				{ID: id(3), Token: usdc, Status: domain.ChannelStatusAwaitingFunding},
			},
			action:  settleFund,
			channel: id(3),
			amount:  100,
		},
		{
			name: "already funded",
			channels: []domain.Channel{
				{ID: id(4), Token: usdc, Status: domain.ChannelStatusOpen, Amount: big.NewInt(150)},
			},
			action:  settleNone,
			channel: id(4),
		},
		{
			name: "closing channel wins",
			channels: []domain.Channel{
				{ID: id(5), Token: usdc, Status: domain.ChannelStatusOpen, Amount: big.NewInt(10)},
				{ID: id(6), Token: usdc, Status: domain.ChannelStatusClosing},
			},
			action:  settleFinishClose,
			channel: id(6),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := planSettle(tc.channels, usdc, target)
			assert.Equal(t, tc.action, plan.Action, plan.Action.String())
			assert.Equal(t, tc.channel, plan.Channel.ID)
			if tc.amount != 0 {
				require.NotNil(t, plan.Amount)
				assert.Equal(t, tc.amount, plan.Amount.Int64())
			}
		})
	}
	assert.Equal(t, int64(100), target.Int64(), "target untouched")
}

func TestAuthParams(t *testing.T) {
	p := authParams(config.ClearnodeConfig{
		Application: "predicta",
		Scope:       "console",
		Allowances:  []config.AllowanceEntry{{Asset: "ytest.usd", Amount: "1000000000"}},
	})
	assert.Equal(t, "predicta", p.Application)
	assert.Equal(t, "console", p.Scope)
	assert.Equal(t, []rpc.Allowance{{Asset: "ytest.usd", Amount: "1000000000"}}, p.Allowances)
	assert.Zero(t, p.ExpiresAt)
}

func TestBuildSenders(t *testing.T) {
	assert.Empty(t, buildSenders(config.NotifyConfig{TelegramToken: "t"}), "telegram needs a chat id")

	senders := buildSenders(config.NotifyConfig{
		TelegramToken:     "t",
		TelegramChatID:    "42",
		DiscordWebhookURL: "https://discord.example/hook",
	})
	require.Len(t, senders, 2)
	assert.Equal(t, "telegram", senders[0].Name())
	assert.Equal(t, "discord", senders[1].Name())
}

// --------------------------------------------------------------------------
// session supervisor
// --------------------------------------------------------------------------

type fakeSession struct {
	mu          sync.Mutex
	connectErrs []error
	logins      int
	status      domain.SessionStatus
	events      chan clearnode.Event
}

func newFakeSession(connectErrs ...error) *fakeSession {
	return &fakeSession{connectErrs: connectErrs, events: make(chan clearnode.Event, 8)}
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSession) Authenticate(context.Context, clearnode.WalletSigner, clearnode.AuthParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	f.status = domain.SessionStatus{Connected: true, State: domain.AuthAuthenticated}
	return nil
}

func (f *fakeSession) Events() <-chan clearnode.Event { return f.events }

func (f *fakeSession) Status() domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) drop() {
	f.mu.Lock()
	f.status = domain.SessionStatus{State: domain.AuthIdle}
	f.mu.Unlock()
}

func (f *fakeSession) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

type recordingBus struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payloads == nil {
		b.payloads = make(map[string][][]byte)
	}
	b.payloads[channel] = append(b.payloads[channel], payload)
	return nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads[channel])
}

func (b *recordingBus) last(channel string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.payloads[channel]
	return string(p[len(p)-1])
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *recordingBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func newTestSupervisor(t *testing.T, session *fakeSession, bus domain.EventBus) *sessionSupervisor {
	t.Helper()
	wallet, err := crypto.GenerateSessionKey()
	require.NoError(t, err)
	s := newSessionSupervisor(session, wallet, clearnode.AuthParams{Application: "predicta"}, bus, discard())
	s.minDelay = time.Millisecond
	s.maxDelay = 4 * time.Millisecond
	return s
}

func TestSupervisorRetriesFirstLogin(t *testing.T) {
	session := newFakeSession(errors.New("refused"), errors.New("refused"))
	s := newTestSupervisor(t, session, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never became ready")
	}
	assert.Equal(t, 1, session.loginCount())

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorLogsInAgainAfterTransportError(t *testing.T) {
	session := newFakeSession()
	bus := &recordingBus{}
	s := newTestSupervisor(t, session, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	<-s.Ready()

	// Still authenticated: a queued error is stale and ignored.
	session.events <- clearnode.Event{Kind: clearnode.EventTransportError, State: domain.AuthIdle}
	require.Eventually(t, func() bool { return bus.count(domain.BusSessionEvents) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, session.loginCount())

	session.drop()
	session.events <- clearnode.Event{
		Kind:  clearnode.EventTransportError,
		State: domain.AuthIdle,
		Err:   errors.New("connection reset"),
	}
	require.Eventually(t, func() bool { return session.loginCount() == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, bus.last(domain.BusSessionEvents), `"error":"connection reset"`)
	assert.Contains(t, bus.last(domain.BusSessionEvents), `"kind":"transport_error"`)
}

func TestSupervisorStopsWhileRetrying(t *testing.T) {
	session := newFakeSession(errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"))
	s := newTestSupervisor(t, session, nil)
	s.minDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	select {
	case <-s.Ready():
		t.Fatal("ready closed without a login")
	default:
	}
}
