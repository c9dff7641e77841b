// Package notify sends operator alerts about channel transitions to chat
// services. Events can be filtered by type so operators only receive the
// transitions they care about.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// Notifier fans notifications out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only event types listed in events are
// forwarded by Notify; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends to all senders when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// ChannelEvent renders a channel transition and sends it under the event
// type "channel.<status>", e.g. "channel.closed".
func (n *Notifier) ChannelEvent(ctx context.Context, ev domain.ChannelEvent) error {
	title := fmt.Sprintf("Channel %s", ev.To)

	var b strings.Builder
	fmt.Fprintf(&b, "channel: %s\n", ev.ChannelID.Hex())
	fmt.Fprintf(&b, "transition: %s -> %s", ev.From, ev.To)
	if ev.Op != "" {
		fmt.Fprintf(&b, " (%s)", ev.Op)
	}
	if ev.Channel.Amount != nil {
		fmt.Fprintf(&b, "\namount: %s", ev.Channel.Amount)
	}
	if ev.Withdrawn != nil && ev.Withdrawn.Sign() > 0 {
		fmt.Fprintf(&b, "\nwithdrawn: %s", ev.Withdrawn)
	}
	if ev.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, "\ntx: %s", ev.TxHash.Hex())
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	return n.Notify(ctx, "channel."+string(ev.To), title, b.String())
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
