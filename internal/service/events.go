package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// Alerter sends operator notifications. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert events understood by the notifier's event filter.
const (
	AlertOrderAmbiguous   = "order_ambiguous"
	AlertExitOnly         = "exit_only"
	AlertCatastrophicStop = "catastrophic_stop"
	AlertLiquidation      = "liquidation"
	AlertReconcileDrift   = "reconcile_drift"
)

// publish marshals an event onto the bus and the scope's event stream.
// Publishing is best-effort: a missing bus or a failed publish never affects
// the caller.
func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel, eventType, scope string, payload any) {
	if bus == nil {
		return
	}
	data, err := json.Marshal(domain.Event{
		Type:    eventType,
		Scope:   scope,
		Payload: payload,
		At:      time.Now().UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, channel, data); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
	if err := bus.StreamAppend(ctx, domain.EventStream(scope), data); err != nil {
		logger.WarnContext(ctx, "append event failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// alert forwards to a notifier when one is configured.
func alert(ctx context.Context, a Alerter, logger *slog.Logger, event, title, message string) {
	if a == nil {
		return
	}
	if err := a.Notify(ctx, event, title, message); err != nil {
		logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// audit writes an audit entry when a store is configured; failures are
// logged and otherwise ignored.
func audit(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if store == nil {
		return
	}
	if err := store.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
