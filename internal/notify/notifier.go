// Package notify sends operator alerts to chat channels. Alerts are
// dispatched to all registered senders (Telegram, Discord) and can be
// filtered by event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/predictlens/predictlens/internal/domain"
)

// Operational alert types that do not come from the market channel.
const (
	EventDispatchFailed = "dispatch_failed"
	EventArchiveFailed  = "archive_failed"
	EventSweepFailed    = "sweep_failed"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Subscriber is the bus surface Watch reads from.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards event types in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

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

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends to every sender when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Watch forwards market outcomes from the bus until ctx ends. Stakes and
// votes are too frequent to alert on and are skipped.
func (n *Notifier) Watch(ctx context.Context, bus Subscriber) error {
	ch, err := bus.Subscribe(ctx, domain.ChannelMarkets)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	for data := range ch {
		var ev domain.MarketEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		title, msg, ok := describe(ev)
		if !ok {
			continue
		}
		if err := n.Notify(ctx, ev.Type, title, msg); err != nil {
			n.logger.WarnContext(ctx, "market alert not delivered",
				slog.String("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ctx.Err()
}

// describe renders the alert for ev, or ok=false for events that are not
// alerted on.
func describe(ev domain.MarketEvent) (title, msg string, ok bool) {
	total := ev.Totals[0] + ev.Totals[1]
	switch ev.Type {
	case domain.EventMarketResolved:
		return "Market resolved",
			fmt.Sprintf("%s resolved to option %d (pool %d)", ev.MarketID, ev.Option, total), true
	case domain.EventMarketVoided:
		return "Market voided",
			fmt.Sprintf("%s voided; %d refundable", ev.MarketID, total), true
	case domain.EventMarketClosed:
		return "Market closed", fmt.Sprintf("%s closed", ev.MarketID), true
	case domain.EventResolutionStarted:
		return "Resolution started", fmt.Sprintf("%s is resolving", ev.MarketID), true
	}
	return "", "", false
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the rest; all failures are joined into the returned error.
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
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
