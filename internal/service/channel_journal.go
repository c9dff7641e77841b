package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/channel"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// EventNotifier alerts operators about a channel transition.
// *notify.Notifier implements it.
type EventNotifier interface {
	ChannelEvent(ctx context.Context, ev domain.ChannelEvent) error
}

// ChannelJournal records every channel transition the coordinator reports:
// it snapshots the channel, appends to the audit log, publishes on the
// event bus and stream, alerts operators and, once a channel is Closed,
// archives its settlement. Every sink is optional and a failing sink only
// logs; the coordinator is never blocked on an error here.
type ChannelJournal struct {
	store    domain.ChannelStore
	audit    domain.AuditStore
	bus      domain.EventBus
	notifier EventNotifier
	archive  domain.SettlementArchive
	logger   *slog.Logger

	// sinkTimeout bounds each sink call.
	sinkTimeout time.Duration

	mu      sync.Mutex
	history map[common.Hash][]domain.ChannelEvent
}

var _ channel.Observer = (*ChannelJournal)(nil)

// NewChannelJournal creates a ChannelJournal. Any dependency may be nil.
func NewChannelJournal(
	store domain.ChannelStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	notifier EventNotifier,
	archive domain.SettlementArchive,
	logger *slog.Logger,
) *ChannelJournal {
	return &ChannelJournal{
		store:       store,
		audit:       audit,
		bus:         bus,
		notifier:    notifier,
		archive:     archive,
		logger:      logger.With(slog.String("component", "channel_journal")),
		sinkTimeout: 10 * time.Second,
		history:     make(map[common.Hash][]domain.ChannelEvent),
	}
}

// ChannelChanged implements channel.Observer.
func (j *ChannelJournal) ChannelChanged(ctx context.Context, ev domain.ChannelEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.sinkTimeout)
	defer cancel()

	log := j.logger.With(
		slog.String("channel", ev.ChannelID.Hex()),
		slog.String("to", string(ev.To)),
	)

	if j.store != nil {
		if err := j.store.Upsert(ctx, ev.Channel); err != nil {
			log.WarnContext(ctx, "channel_journal: snapshot failed", slog.String("error", err.Error()))
		}
	}

	if j.audit != nil {
		if err := j.audit.Log(ctx, "channel."+string(ev.To), auditDetail(ev)); err != nil {
			log.WarnContext(ctx, "channel_journal: audit log failed", slog.String("error", err.Error()))
		}
	}

	if j.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.WarnContext(ctx, "channel_journal: marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := j.bus.Publish(ctx, domain.BusChannelEvents, payload); err != nil {
				log.WarnContext(ctx, "channel_journal: publish failed", slog.String("error", err.Error()))
			}
			if err := j.bus.StreamAppend(ctx, domain.StreamChannelEvents, payload); err != nil {
				log.WarnContext(ctx, "channel_journal: stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if j.notifier != nil {
		if err := j.notifier.ChannelEvent(ctx, ev); err != nil {
			log.WarnContext(ctx, "channel_journal: notify failed", slog.String("error", err.Error()))
		}
	}

	history := j.record(ev)
	if ev.To == domain.ChannelStatusClosed && j.archive != nil {
		s := domain.Settlement{Channel: ev.Channel, Events: history}
		if ev.Withdrawn != nil {
			s.Withdrawn = ev.Withdrawn.String()
		}
		path, err := j.archive.Archive(ctx, s)
		if err != nil {
			log.WarnContext(ctx, "channel_journal: archive failed", slog.String("error", err.Error()))
			return
		}
		log.InfoContext(ctx, "settlement archived", slog.String("path", path))
	}
}

// History returns the transitions recorded for a channel that has not yet
// reached a terminal status.
func (j *ChannelJournal) History(id common.Hash) []domain.ChannelEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.ChannelEvent(nil), j.history[id]...)
}

// record appends ev to the channel's history and returns the history so
// far. Terminal transitions release the history.
func (j *ChannelJournal) record(ev domain.ChannelEvent) []domain.ChannelEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	h := append(j.history[ev.ChannelID], ev)
	if ev.To.Terminal() {
		delete(j.history, ev.ChannelID)
	} else {
		j.history[ev.ChannelID] = h
	}
	return h
}

func auditDetail(ev domain.ChannelEvent) map[string]any {
	detail := map[string]any{
		"channel_id": ev.ChannelID.Hex(),
		"from":       string(ev.From),
		"to":         string(ev.To),
	}
	if ev.Op != "" {
		detail["op"] = string(ev.Op)
	}
	if ev.TxHash != (common.Hash{}) {
		detail["tx"] = ev.TxHash.Hex()
	}
	if ev.Reason != "" {
		detail["reason"] = ev.Reason
	}
	if ev.Withdrawn != nil {
		detail["withdrawn"] = ev.Withdrawn.String()
	}
	if ev.Channel.Amount != nil {
		detail["amount"] = ev.Channel.Amount.String()
	}
	return detail
}
