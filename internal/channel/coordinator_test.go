package channel

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

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/domain"
)

var (
	user      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	broker    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	token     = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	chanA     = common.HexToHash("0x0a")
	chanB     = common.HexToHash("0x0b")
	brokerSig = make([]byte, 65)
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

// fakeSession records requests and answers them through respond, from a
// separate goroutine as a real read loop would.
type fakeSession struct {
	mu       sync.Mutex
	state    domain.AuthState
	nextID   uint64
	sent     []rpc.Message
	listener func(rpc.Envelope)
	respond  func(id uint64, msg rpc.Message) []rpc.Envelope
}

func (s *fakeSession) State() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Send(_ context.Context, msg rpc.Message) (uint64, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.sent = append(s.sent, msg)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		if envs := respond(id, msg); len(envs) > 0 {
			go func() {
				for _, env := range envs {
					s.push(env)
				}
			}()
		}
	}
	return id, nil
}

func (s *fakeSession) Listen(fn func(rpc.Envelope)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
	return func() {}, nil
}

func (s *fakeSession) push(env rpc.Envelope) {
	s.mu.Lock()
	fn := s.listener
	s.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (s *fakeSession) methods() []rpc.Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rpc.Method, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Method())
	}
	return out
}

// fakeLedger applies a transaction's effect on the recorded channel data
// only once its receipt succeeds.
type fakeLedger struct {
	mu           sync.Mutex
	balances     []*big.Int
	balanceCalls int
	data         map[common.Hash]domain.ChannelData
	open         []common.Hash
	calls        []string
	failReceipt  map[string]error
	txs          map[common.Hash]string
	effects      map[common.Hash]func()
	withdrawals  []*big.Int
	proofs       [][]domain.State
}

var _ domain.Ledger = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		data:        make(map[common.Hash]domain.ChannelData),
		failReceipt: make(map[string]error),
		txs:         make(map[common.Hash]string),
		effects:     make(map[common.Hash]func()),
	}
}

func (l *fakeLedger) AccountBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	if len(l.balances) == 0 {
		return new(big.Int), nil
	}
	idx := l.balanceCalls - 1
	if idx >= len(l.balances) {
		idx = len(l.balances) - 1
	}
	return new(big.Int).Set(l.balances[idx]), nil
}

func (l *fakeLedger) ChannelBalance(context.Context, common.Hash, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (l *fakeLedger) ChannelData(_ context.Context, id common.Hash) (domain.ChannelData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.data[id]
	if !ok {
		return domain.ChannelData{Status: domain.LedgerVoid}, nil
	}
	return d, nil
}

func (l *fakeLedger) OpenChannels(context.Context, common.Address) ([]common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Hash(nil), l.open...), nil
}

func (l *fakeLedger) record(method string, effect func()) common.Hash {
	l.calls = append(l.calls, method)
	tx := common.BigToHash(big.NewInt(int64(len(l.txs) + 1)))
	l.txs[tx] = method
	l.effects[tx] = effect
	return tx
}

func (l *fakeLedger) SubmitCreate(_ context.Context, id common.Hash, def domain.ChannelDefinition, initial domain.State, _ []byte) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record("create", func() {
		l.data[id] = domain.ChannelData{Definition: def, Status: domain.LedgerActive, LastValidState: initial}
	}), nil
}

func (l *fakeLedger) SubmitResize(_ context.Context, id common.Hash, candidate domain.State, _ []byte, proofs []domain.State) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proofs = append(l.proofs, proofs)
	return l.record("resize", func() {
		d := l.data[id]
		d.LastValidState = candidate
		l.data[id] = d
	}), nil
}

func (l *fakeLedger) SubmitClose(_ context.Context, id common.Hash, _ domain.State, _ []byte, _ []domain.State) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record("close", func() { delete(l.data, id) }), nil
}

func (l *fakeLedger) SubmitWithdrawal(_ context.Context, _ common.Address, amount *big.Int) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record("withdraw", func() { l.withdrawals = append(l.withdrawals, amount) }), nil
}

func (l *fakeLedger) WaitReceipt(_ context.Context, tx common.Hash) (domain.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	method := l.txs[tx]
	if err, ok := l.failReceipt[method]; ok {
		delete(l.failReceipt, method)
		return domain.Receipt{}, err
	}
	if fn := l.effects[tx]; fn != nil {
		fn()
	}
	return domain.Receipt{TxHash: tx, BlockNumber: 1}, nil
}

func (l *fakeLedger) called() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.ChannelEvent
}

func (r *recorder) ChannelChanged(_ context.Context, ev domain.ChannelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses(id common.Hash) []domain.ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChannelStatus
	for _, ev := range r.events {
		if ev.ChannelID == id {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *recorder) last(id common.Hash) domain.ChannelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].ChannelID == id {
			return r.events[i]
		}
	}
	return domain.ChannelEvent{}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

func wireState(intent domain.StateIntent, version uint64, userAmount int64) rpc.State {
	return rpc.State{
		Intent:  uint8(intent),
		Version: version,
		Allocations: []rpc.Allocation{
			{Destination: user, Token: token, Amount: *rpc.NewBigInt(big.NewInt(userAmount))},
			{Destination: broker, Token: token, Amount: *rpc.NewBigInt(big.NewInt(0))},
		},
	}
}

// broker answers every lifecycle request with a valid co-signed proposal.
func answer(id uint64, msg rpc.Message) []rpc.Envelope {
	switch m := msg.(type) {
	case rpc.CreateChannel:
		return []rpc.Envelope{{RequestID: id, Message: rpc.ChannelCreated{
			ChannelID: chanA,
			Channel: rpc.ChannelDef{
				Participants: []common.Address{user, broker},
				Adjudicator:  common.HexToAddress("0xad"),
				Challenge:    3600,
				Nonce:        1,
			},
			State:           wireState(domain.IntentInitialize, 0, 0),
			ServerSignature: brokerSig,
		}}}
	case rpc.ResizeChannel:
		amount := int64(0)
		if m.AllocateAmount != nil {
			amount += m.AllocateAmount.Big().Int64()
		}
		if m.ResizeAmount != nil {
			amount += m.ResizeAmount.Big().Int64()
		}
		return []rpc.Envelope{{RequestID: id, Message: rpc.ChannelResized{
			ChannelID:       m.ChannelID,
			State:           wireState(domain.IntentResize, 1, amount),
			ServerSignature: brokerSig,
		}}}
	case rpc.CloseChannel:
		return []rpc.Envelope{{RequestID: id, Message: rpc.ChannelClosed{
			ChannelID:       m.ChannelID,
			State:           wireState(domain.IntentFinalize, 2, 20),
			ServerSignature: brokerSig,
		}}}
	}
	return nil
}

type harness struct {
	c       *Coordinator
	session *fakeSession
	ledger  *fakeLedger
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session := &fakeSession{state: domain.AuthAuthenticated, respond: answer}
	ledger := newFakeLedger()
	events := &recorder{}

	c := New(session, ledger, user, Config{
		ChainID:         11155111,
		Token:           token,
		ResponseTimeout: time.Second,
		Funding:         RetryPolicy{Attempts: 3, Interval: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetObserver(events)

	_, err := session.Listen(c.handle)
	require.NoError(t, err)
	return &harness{c: c, session: session, ledger: ledger, events: events}
}

// seedOpen puts an active channel on the ledger and adopts it.
func (h *harness) seedOpen(t *testing.T, id common.Hash, amount int64) {
	t.Helper()
	h.ledger.mu.Lock()
	h.ledger.data[id] = domain.ChannelData{
		Definition: domain.ChannelDefinition{Participants: []common.Address{user, broker}},
		Status:     domain.LedgerActive,
		LastValidState: domain.State{
			Intent:  domain.IntentResize,
			Version: 1,
			Allocations: []domain.Allocation{
				{Destination: user, Token: token, Amount: big.NewInt(amount)},
				{Destination: broker, Token: token, Amount: big.NewInt(0)},
			},
		},
	}
	h.ledger.mu.Unlock()

	ch, err := h.c.Reconcile(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.ChannelStatusOpen, ch.Status)
}

func (h *harness) status(t *testing.T, id common.Hash) domain.ChannelStatus {
	t.Helper()
	ch, err := h.c.Channel(id)
	require.NoError(t, err)
	return ch.Status
}

// --------------------------------------------------------------------------
// Create
// --------------------------------------------------------------------------

func TestCreateChannelWithoutFundsOpensAfterAwaitingFunding(t *testing.T) {
	h := newHarness(t)

	ch, err := h.c.CreateChannel(context.Background(), common.Address{}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, chanA, ch.ID)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
	assert.Equal(t, uint64(11155111), ch.ChainID)
	assert.Equal(t, token, ch.Token)

	assert.Equal(t, []domain.ChannelStatus{
		domain.ChannelStatusCreating,
		domain.ChannelStatusAwaitingFunding,
		domain.ChannelStatusOpen,
	}, h.events.statuses(chanA))
	assert.Equal(t, []string{"create"}, h.ledger.called())
	assert.Empty(t, h.c.Pending())
}

func TestCreateChannelFundsThroughResize(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances = []*big.Int{big.NewInt(0), big.NewInt(20)}

	ch, err := h.c.CreateChannel(context.Background(), token, big.NewInt(20), 11155111)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
	assert.Equal(t, int64(20), ch.Amount.Int64())

	assert.Equal(t, []domain.ChannelStatus{
		domain.ChannelStatusCreating,
		domain.ChannelStatusAwaitingFunding,
		domain.ChannelStatusResizing,
		domain.ChannelStatusOpen,
	}, h.events.statuses(chanA))
	assert.Equal(t, []rpc.Method{rpc.MethodCreateChannel, rpc.MethodResizeChannel}, h.session.methods())
	assert.Equal(t, []string{"create", "resize"}, h.ledger.called())

	h.session.mu.Lock()
	resize := h.session.sent[1].(rpc.ResizeChannel)
	h.session.mu.Unlock()
	assert.Nil(t, resize.ResizeAmount)
	assert.Equal(t, int64(20), resize.AllocateAmount.Big().Int64())
	assert.Equal(t, user, resize.FundsDestination)

	require.Len(t, h.ledger.proofs, 1)
	require.Len(t, h.ledger.proofs[0], 1)
	assert.Equal(t, domain.IntentInitialize, h.ledger.proofs[0][0].Intent)
	assert.Equal(t, 2, h.ledger.balanceCalls)
}

func TestCreateChannelRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	h.session.state = domain.AuthAwaitingVerify

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Empty(t, h.session.methods())
}

func TestCreateChannelRevertFails(t *testing.T) {
	h := newHarness(t)
	h.ledger.failReceipt["create"] = domain.ErrTxReverted

	_, err := h.c.CreateChannel(context.Background(), token, big.NewInt(5), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChannelCreation)
	assert.ErrorIs(t, err, domain.ErrTxReverted)

	assert.Equal(t, domain.ChannelStatusFailed, h.status(t, chanA))
	assert.Empty(t, h.c.Pending())
	assert.Equal(t, []domain.ChannelStatus{
		domain.ChannelStatusCreating,
		domain.ChannelStatusFailed,
	}, h.events.statuses(chanA))
}

func TestCreateChannelErrorReplyCarriesReason(t *testing.T) {
	h := newHarness(t)
	h.session.respond = func(id uint64, _ rpc.Message) []rpc.Envelope {
		return []rpc.Envelope{{RequestID: id, Message: rpc.ErrorReply{Reason: "token not supported"}}}
	}

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	assert.ErrorIs(t, err, domain.ErrChannelCreation)
	assert.Equal(t, "token not supported", domain.ReasonOf(err))
	assert.Empty(t, h.c.Channels())
	assert.Empty(t, h.c.Pending())
	assert.Empty(t, h.ledger.called())
}

func TestCreateChannelRejectsForeignProposal(t *testing.T) {
	h := newHarness(t)
	h.session.respond = func(id uint64, msg rpc.Message) []rpc.Envelope {
		envs := answer(id, msg)
		created := envs[0].Message.(rpc.ChannelCreated)
		created.Channel.Participants = []common.Address{broker, user}
		envs[0].Message = created
		return envs
	}

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	assert.ErrorIs(t, err, domain.ErrChannelCreation)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)
	assert.Equal(t, domain.ChannelStatusFailed, h.status(t, chanA))
	assert.Empty(t, h.ledger.called())
}

// --------------------------------------------------------------------------
// Single flight and stale responses
// --------------------------------------------------------------------------

func TestCreateBlocksEveryOtherOperation(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanB, 10)
	h.session.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.c.Pending()) == 1 }, time.Second, time.Millisecond)

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	_, err = h.c.ResizeChannel(context.Background(), chanB, nil, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	_, err = h.c.CloseChannel(context.Background(), chanB)
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)

	require.Eventually(t, func() bool { return len(h.session.methods()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []rpc.Method{rpc.MethodCreateChannel}, h.session.methods())

	require.NoError(t, h.c.Abandon(context.Background(), h.c.Pending()[0].ID))
	assert.ErrorIs(t, <-done, ErrAbandoned)
	assert.Empty(t, h.c.Pending())
}

func TestOneOperationPerChannel(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)
	h.seedOpen(t, chanB, 10)
	h.ledger.balances = []*big.Int{big.NewInt(100)}

	h.session.respond = func(id uint64, msg rpc.Message) []rpc.Envelope {
		if r, ok := msg.(rpc.ResizeChannel); ok && r.ChannelID == chanA {
			return nil
		}
		return answer(id, msg)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(5))
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.session.methods()) == 1 }, time.Second, time.Millisecond)

	_, err := h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(5))
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	_, err = h.c.CloseChannel(context.Background(), chanA)
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)

	ch, err := h.c.ResizeChannel(context.Background(), chanB, nil, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)

	resizes := 0
	for _, m := range h.session.methods() {
		if m == rpc.MethodResizeChannel {
			resizes++
		}
	}
	assert.Equal(t, 2, resizes)
	require.Len(t, h.c.Pending(), 1)

	require.NoError(t, h.c.Abandon(context.Background(), h.c.Pending()[0].ID))
	assert.ErrorIs(t, <-done, ErrAbandoned)
	assert.Equal(t, domain.ChannelStatusOpen, h.status(t, chanA))
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.ResponseTimeout = 20 * time.Millisecond
	h.seedOpen(t, chanA, 10)
	h.session.respond = nil

	_, err := h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(5))
	assert.ErrorIs(t, err, domain.ErrResize)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Empty(t, h.c.Pending())

	before, err := h.c.Channel(chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, before.Status)

	late := answer(1, rpc.ResizeChannel{ChannelID: chanA, AllocateAmount: rpc.NewBigInt(big.NewInt(5))})
	h.session.push(late[0])

	after, err := h.c.Channel(chanA)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, h.ledger.called())
}

func TestAbandonedOperationIgnoresResponse(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)
	h.session.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := h.c.CloseChannel(context.Background(), chanA)
		done <- err
	}()
	require.Eventually(t, func() bool {
		ch, err := h.c.Channel(chanA)
		return err == nil && ch.Status == domain.ChannelStatusClosing
	}, time.Second, time.Millisecond)

	op := h.c.Pending()[0]
	assert.Equal(t, domain.OpClose, op.Kind)
	require.NoError(t, h.c.Abandon(context.Background(), op.ID))
	assert.ErrorIs(t, <-done, ErrAbandoned)
	assert.Equal(t, domain.ChannelStatusOpen, h.status(t, chanA))

	h.session.push(answer(op.RequestID, rpc.CloseChannel{ChannelID: chanA})[0])
	assert.Equal(t, domain.ChannelStatusOpen, h.status(t, chanA))
	assert.Empty(t, h.ledger.called())

	assert.ErrorIs(t, h.c.Abandon(context.Background(), op.ID), domain.ErrNotFound)
}

func TestDistributedLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.c.SetLockManager(heldLock{})

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	assert.Empty(t, h.c.Pending())
	assert.Empty(t, h.session.methods())
}

// --------------------------------------------------------------------------
// Funding
// --------------------------------------------------------------------------

func TestFundingTimeoutLeavesAwaitingFunding(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.CreateChannel(context.Background(), token, big.NewInt(20), 0)
	assert.ErrorIs(t, err, domain.ErrFundingTimeout)

	assert.Equal(t, domain.ChannelStatusAwaitingFunding, h.status(t, chanA))
	assert.Equal(t, 3, h.ledger.balanceCalls)
	assert.Equal(t, []string{"create"}, h.ledger.called())
	assert.Empty(t, h.c.Pending())

	// A retry once funds arrive completes the step.
	h.ledger.balances = []*big.Int{big.NewInt(20)}
	ch, err := h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(20))
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
}

func TestResizeRevertRestoresStatus(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)
	h.ledger.balances = []*big.Int{big.NewInt(100)}
	h.ledger.failReceipt["resize"] = domain.ErrTxReverted

	_, err := h.c.ResizeChannel(context.Background(), chanA, big.NewInt(5), nil)
	assert.ErrorIs(t, err, domain.ErrResize)
	assert.ErrorIs(t, err, domain.ErrTxReverted)
	assert.Equal(t, domain.ChannelStatusOpen, h.status(t, chanA))
	assert.Equal(t, "transaction reverted", h.events.last(chanA).Reason)
}

func TestErrorForAnotherRequestDoesNotFailResize(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)
	h.ledger.balances = []*big.Int{big.NewInt(100)}

	var balancesID uint64
	h.session.respond = func(id uint64, msg rpc.Message) []rpc.Envelope {
		if _, ok := msg.(rpc.GetLedgerBalances); ok {
			balancesID = id
			return nil
		}
		// the balances failure arrives ahead of the resize answer
		out := []rpc.Envelope{{RequestID: balancesID, Message: rpc.ErrorReply{Reason: "ledger balances unavailable"}}}
		return append(out, answer(id, msg)...)
	}

	require.NoError(t, h.c.RefreshBalances(context.Background()))
	ch, err := h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
	assert.Equal(t, []string{"resize"}, h.ledger.called())
	assert.Empty(t, h.c.Pending())
}

func TestResizeValidatesArguments(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)

	_, err := h.c.ResizeChannel(context.Background(), chanA, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.c.ResizeChannel(context.Background(), chanA, nil, big.NewInt(-1))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.c.ResizeChannel(context.Background(), chanB, nil, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.session.methods())
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

func TestCloseChannelWithdrawsCustodyBalance(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 20)
	h.ledger.balances = []*big.Int{big.NewInt(20)}

	ch, err := h.c.CloseChannel(context.Background(), chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusClosed, ch.Status)

	assert.Equal(t, []string{"close", "withdraw"}, h.ledger.called())
	require.Len(t, h.ledger.withdrawals, 1)
	assert.Equal(t, int64(20), h.ledger.withdrawals[0].Int64())

	last := h.events.last(chanA)
	assert.Equal(t, domain.ChannelStatusClosed, last.To)
	assert.Equal(t, int64(20), last.Withdrawn.Int64())
}

func TestCloseChannelWithNothingToWithdraw(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 0)

	ch, err := h.c.CloseChannel(context.Background(), chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusClosed, ch.Status)
	assert.Equal(t, []string{"close"}, h.ledger.called())
}

func TestCloseRevertKeepsChannelOpen(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 20)
	h.ledger.failReceipt["close"] = domain.ErrTxReverted

	_, err := h.c.CloseChannel(context.Background(), chanA)
	assert.ErrorIs(t, err, domain.ErrChannelClose)
	assert.Equal(t, domain.ChannelStatusOpen, h.status(t, chanA))
}

func TestFailedWithdrawalIsRetriedAlone(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 20)
	h.ledger.balances = []*big.Int{big.NewInt(20)}
	h.ledger.failReceipt["withdraw"] = errors.New("nonce too low")

	_, err := h.c.CloseChannel(context.Background(), chanA)
	assert.ErrorIs(t, err, domain.ErrChannelClose)
	assert.Equal(t, domain.ChannelStatusClosing, h.status(t, chanA))

	ch, err := h.c.CloseChannel(context.Background(), chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusClosed, ch.Status)

	assert.Equal(t, []rpc.Method{rpc.MethodCloseChannel}, h.session.methods())
	assert.Equal(t, []string{"close", "withdraw", "withdraw"}, h.ledger.called())
}

func TestCloseRejectsClosedChannel(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 0)
	_, err := h.c.CloseChannel(context.Background(), chanA)
	require.NoError(t, err)

	_, err = h.c.CloseChannel(context.Background(), chanA)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// --------------------------------------------------------------------------
// Pushes and reconciliation
// --------------------------------------------------------------------------

func TestPushesUpdateMirror(t *testing.T) {
	h := newHarness(t)

	h.session.push(rpc.Envelope{Message: rpc.ChannelsPush{Channels: []rpc.ChannelInfo{{
		ChannelID:   chanB,
		Participant: broker,
		Status:      "open",
		Token:       token,
		Amount:      *rpc.NewBigInt(big.NewInt(7)),
		ChainID:     11155111,
		Version:     3,
	}}}})
	ch, err := h.c.Channel(chanB)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
	assert.Equal(t, int64(7), ch.Amount.Int64())
	assert.Equal(t, chanB, <-h.c.reconcileQ)

	h.session.push(rpc.Envelope{Message: rpc.BalanceUpdate{BalanceUpdates: []rpc.Balance{{Asset: "YTEST.USD", Amount: "12.5"}}}})
	h.session.push(rpc.Envelope{Message: rpc.BalanceUpdate{BalanceUpdates: []rpc.Balance{{Asset: "eth", Amount: "1"}}}})
	assert.Equal(t, []domain.LedgerBalance{
		{Asset: "eth", Amount: "1"},
		{Asset: "ytest.usd", Amount: "12.5"},
	}, h.c.Balances())

	h.session.push(rpc.Envelope{Message: rpc.LedgerBalances{LedgerBalances: []rpc.Balance{{Asset: "ytest.usd", Amount: "3"}}}})
	assert.Equal(t, []domain.LedgerBalance{{Asset: "ytest.usd", Amount: "3"}}, h.c.Balances())

	require.NoError(t, h.c.RefreshBalances(context.Background()))
	assert.Equal(t, []rpc.Method{rpc.MethodGetLedgerBalances}, h.session.methods())
}

func TestSyncAdoptsAndClosesFromLedger(t *testing.T) {
	h := newHarness(t)
	h.seedOpen(t, chanA, 10)

	h.ledger.mu.Lock()
	delete(h.ledger.data, chanA)
	h.ledger.data[chanB] = domain.ChannelData{
		Definition: domain.ChannelDefinition{Participants: []common.Address{user, broker}},
		Status:     domain.LedgerInitial,
	}
	h.ledger.open = []common.Hash{chanB}
	h.ledger.mu.Unlock()

	channels, err := h.c.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, domain.ChannelStatusClosed, h.status(t, chanA))
	assert.Equal(t, domain.ChannelStatusAwaitingFunding, h.status(t, chanB))

	_, err = h.c.Reconcile(context.Background(), common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncRevivesFailedChannelTheLedgerHolds(t *testing.T) {
	h := newHarness(t)
	h.ledger.failReceipt["create"] = domain.ErrTimeout

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	require.Error(t, err)
	require.Equal(t, domain.ChannelStatusFailed, h.status(t, chanA))

	// the create transaction landed after all
	h.ledger.mu.Lock()
	h.ledger.data[chanA] = domain.ChannelData{
		Definition: domain.ChannelDefinition{Participants: []common.Address{user, broker}},
		Status:     domain.LedgerActive,
		LastValidState: domain.State{
			Intent: domain.IntentInitialize,
			Allocations: []domain.Allocation{
				{Destination: user, Token: token, Amount: big.NewInt(0)},
				{Destination: broker, Token: token, Amount: big.NewInt(0)},
			},
		},
	}
	h.ledger.open = []common.Hash{chanA}
	h.ledger.mu.Unlock()

	_, err = h.c.Sync(context.Background())
	require.NoError(t, err)
	ch, err := h.c.Channel(chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, ch.Status)
	assert.Empty(t, ch.Reason)
	assert.Equal(t, "ledger reconciliation", h.events.last(chanA).Reason)

	// a channel in dispute is revived as closing
	h.ledger.mu.Lock()
	d := h.ledger.data[chanA]
	d.Status = domain.LedgerDispute
	h.ledger.data[chanA] = d
	h.ledger.mu.Unlock()
	h.c.mu.Lock()
	failed := h.c.channels[chanA]
	failed.Status = domain.ChannelStatusFailed
	h.c.channels[chanA] = failed
	h.c.mu.Unlock()

	ch, err = h.c.Reconcile(context.Background(), chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusClosing, ch.Status)
}

func TestReconcileKeepsFailedChannelTheLedgerDropped(t *testing.T) {
	h := newHarness(t)
	h.ledger.failReceipt["create"] = domain.ErrTxReverted

	_, err := h.c.CreateChannel(context.Background(), token, nil, 0)
	require.Error(t, err)

	ch, err := h.c.Reconcile(context.Background(), chanA)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusFailed, ch.Status)
}

func TestRunListensUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.session.listener = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	require.Eventually(t, func() bool {
		h.session.mu.Lock()
		defer h.session.mu.Unlock()
		return h.session.listener != nil
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
