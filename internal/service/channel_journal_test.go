package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memChannels struct {
	err  error
	rows map[common.Hash]domain.Channel
}

func (m *memChannels) Upsert(_ context.Context, ch domain.Channel) error {
	if m.err != nil {
		return m.err
	}
	if m.rows == nil {
		m.rows = make(map[common.Hash]domain.Channel)
	}
	m.rows[ch.ID] = ch
	return nil
}

func (m *memChannels) GetByID(_ context.Context, id common.Hash) (domain.Channel, error) {
	ch, ok := m.rows[id]
	if !ok {
		return domain.Channel{}, domain.ErrNotFound
	}
	return ch, nil
}

func (m *memChannels) ListByParticipant(context.Context, common.Address, domain.ListOpts) ([]domain.Channel, error) {
	return nil, nil
}

func (m *memChannels) ListByStatus(context.Context, domain.ChannelStatus) ([]domain.Channel, error) {
	return nil, nil
}

type memAudit struct {
	events  []string
	details []map[string]any
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.events = append(m.events, event)
	m.details = append(m.details, detail)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type notifierFunc func(ctx context.Context, ev domain.ChannelEvent) error

func (f notifierFunc) ChannelEvent(ctx context.Context, ev domain.ChannelEvent) error { return f(ctx, ev) }

type memArchive struct {
	archived []domain.Settlement
}

func (m *memArchive) Archive(_ context.Context, s domain.Settlement) (string, error) {
	m.archived = append(m.archived, s)
	return "settlements/" + s.Channel.ID.Hex() + ".json", nil
}

func (m *memArchive) Load(context.Context, common.Hash) (domain.Settlement, error) {
	return domain.Settlement{}, domain.ErrNotFound
}

func transitionEvent(id common.Hash, op domain.OpKind, from, to domain.ChannelStatus) domain.ChannelEvent {
	return domain.ChannelEvent{
		ChannelID: id,
		Op:        op,
		From:      from,
		To:        to,
		Channel:   domain.Channel{ID: id, Status: to, Amount: big.NewInt(20)},
	}
}

func TestChannelJournalRecordsTransition(t *testing.T) {
	store := &memChannels{}
	audit := &memAudit{}
	bus := newMemBus()
	var notified []domain.ChannelEvent
	j := NewChannelJournal(store, audit, bus, notifierFunc(func(_ context.Context, ev domain.ChannelEvent) error {
		notified = append(notified, ev)
		return nil
	}), nil, discard())

	id := common.HexToHash("0x0a")
	ev := transitionEvent(id, domain.OpCreate, domain.ChannelStatusCreating, domain.ChannelStatusOpen)
	ev.TxHash = common.HexToHash("0xfeed")
	j.ChannelChanged(context.Background(), ev)

	got, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusOpen, got.Status)

	require.Equal(t, []string{"channel.open"}, audit.events)
	assert.Equal(t, id.Hex(), audit.details[0]["channel_id"])
	assert.Equal(t, "creating", audit.details[0]["from"])
	assert.Equal(t, "create", audit.details[0]["op"])
	assert.Equal(t, ev.TxHash.Hex(), audit.details[0]["tx"])
	assert.Equal(t, "20", audit.details[0]["amount"])

	require.Len(t, bus.published[domain.BusChannelEvents], 1)
	require.Len(t, bus.streamed[domain.StreamChannelEvents], 1)
	var decoded domain.ChannelEvent
	require.NoError(t, json.Unmarshal(bus.published[domain.BusChannelEvents][0], &decoded))
	assert.Equal(t, id, decoded.ChannelID)
	assert.Equal(t, domain.ChannelStatusOpen, decoded.To)

	require.Len(t, notified, 1)
	assert.Len(t, j.History(id), 1)
}

func TestChannelJournalArchivesOnClose(t *testing.T) {
	archive := &memArchive{}
	j := NewChannelJournal(nil, nil, nil, nil, archive, discard())

	id := common.HexToHash("0x0b")
	j.ChannelChanged(context.Background(), transitionEvent(id, domain.OpCreate, domain.ChannelStatusCreating, domain.ChannelStatusOpen))
	j.ChannelChanged(context.Background(), transitionEvent(id, domain.OpClose, domain.ChannelStatusOpen, domain.ChannelStatusClosing))
	assert.Empty(t, archive.archived)

	closed := transitionEvent(id, domain.OpClose, domain.ChannelStatusClosing, domain.ChannelStatusClosed)
	closed.Withdrawn = big.NewInt(20)
	j.ChannelChanged(context.Background(), closed)

	require.Len(t, archive.archived, 1)
	s := archive.archived[0]
	assert.Equal(t, id, s.Channel.ID)
	assert.Equal(t, "20", s.Withdrawn)
	require.Len(t, s.Events, 3)
	assert.Equal(t, domain.ChannelStatusClosed, s.Events[2].To)
	assert.Empty(t, j.History(id))
}

func TestChannelJournalDropsHistoryOnFailure(t *testing.T) {
	archive := &memArchive{}
	j := NewChannelJournal(nil, nil, nil, nil, archive, discard())

	id := common.HexToHash("0x0c")
	j.ChannelChanged(context.Background(), transitionEvent(id, domain.OpCreate, domain.ChannelStatusNone, domain.ChannelStatusCreating))
	require.Len(t, j.History(id), 1)

	j.ChannelChanged(context.Background(), transitionEvent(id, domain.OpCreate, domain.ChannelStatusCreating, domain.ChannelStatusFailed))
	assert.Empty(t, j.History(id))
	assert.Empty(t, archive.archived)
}

func TestChannelJournalSinkFailuresDoNotStopOthers(t *testing.T) {
	store := &memChannels{err: errors.New("db down")}
	audit := &memAudit{}
	bus := newMemBus()
	j := NewChannelJournal(store, audit, bus, notifierFunc(func(context.Context, domain.ChannelEvent) error {
		return errors.New("webhook down")
	}), nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.ChannelChanged(ctx, transitionEvent(common.HexToHash("0x0d"), domain.OpResize, domain.ChannelStatusOpen, domain.ChannelStatusResizing))

	assert.Len(t, audit.events, 1)
	assert.Len(t, bus.published[domain.BusChannelEvents], 1)
}
