package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// Relay consumes engine lifecycle events from the event bus and forwards them
// to the notifier. Delivery failures are logged and skipped; the relay never
// stalls the event stream.
type Relay struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay wired to the given bus and notifier.
func NewRelay(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify-relay")),
	}
}

// Run subscribes to the bus and forwards events until ctx is cancelled or the
// subscription channel closes.
func (r *Relay) Run(ctx context.Context) error {
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("notify: subscribing to event bus: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			title, message := format(ev)
			if err := r.notifier.Notify(ctx, string(ev.Type), title, message); err != nil {
				r.logger.WarnContext(ctx, "notification delivery failed",
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// format renders an event as a short title and human-readable body.
func format(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventMarketCreated:
		title = "Market created"
		maturity := "unknown"
		if ev.Maturity != nil {
			maturity = ev.Maturity.Format("2006-01-02 15:04 MST")
		}
		message = fmt.Sprintf("%s strike %s, matures %s\n%s",
			ev.OracleKey, ev.Strike.String(), maturity, ev.Market.Hex())
	case domain.EventMarketResolved:
		title = "Market resolved"
		message = fmt.Sprintf("%s settled %s\n%s", ev.OracleKey, ev.Result, ev.Market.Hex())
	case domain.EventMarketExpired:
		title = "Market expired"
		message = fmt.Sprintf("%s removed unresolved\n%s", ev.OracleKey, ev.Market.Hex())
	case domain.EventTradeExecuted:
		title = "Trade executed"
		message = fmt.Sprintf("%s options on %s", ev.Amount.String(), ev.Market.Hex())
	case domain.EventRoundClosed:
		title = fmt.Sprintf("Round %d closed", ev.Round)
		message = fmt.Sprintf("allocation for next round: %s", ev.Amount.String())
	default:
		title = string(ev.Type)
		message = ev.At.Format("2006-01-02 15:04:05 MST")
	}
	return title, message
}
