package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
)

// Watcher forwards risk alerts from the bus to the operator notifier.
// Delivery is best effort; a failed notification never blocks the swarm.
type Watcher struct {
	notifier Notifier
	bus      *bus.Bus
	logger   zerolog.Logger
}

// NewWatcher constructs a watcher. notifier may be nil, in which case alerts
// are only logged.
func NewWatcher(notifier Notifier, b *bus.Bus, logger zerolog.Logger) *Watcher {
	return &Watcher{
		notifier: notifier,
		bus:      b,
		logger:   logging.Component(logger, "alert_watcher"),
	}
}

// Run consumes risk alerts until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(bus.ChannelRisk, bus.RoleNotifier)
	if err != nil {
		return err
	}
	defer w.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if msg.Type != bus.TypeRiskAlert {
				continue
			}
			var alert bus.RiskAlert
			if err := msg.Decode(&alert); err != nil {
				w.logger.Error().Err(err).Msg("malformed risk alert")
				continue
			}

			w.logger.Warn().
				Str("severity", alert.Severity).
				Str("position", alert.PositionID).
				Str("token", alert.Token).
				Str("reason", alert.Reason).
				Msg("risk alert")

			if w.notifier == nil {
				continue
			}
			note := Notification{
				At:         msg.Timestamp,
				PositionID: alert.PositionID,
				Token:      alert.Token,
				Severity:   alert.Severity,
				Reason:     alert.Reason,
			}
			if err := w.notifier.Notify(ctx, note); err != nil {
				w.logger.Error().Err(err).Msg("failed to deliver operator notification")
			}
		}
	}
}
