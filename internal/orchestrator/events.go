package orchestrator

import (
	"context"

	"github.com/vaultco/cosigncore/internal/providerport"
)

// startEventConsumer launches the active provider's event stream consumer
// exactly once per Orchestrator, regardless of how many times
// connect_provider is dispatched against it. ctx controls the consumer's
// entire lifetime, independent of any one command's request context.
func (o *Orchestrator) startEventConsumer(ctx context.Context) {
	o.eventsOnce.Do(func() {
		go o.consumeProviderEvents(ctx)
	})
}

// consumeProviderEvents drains the active provider's normalized event
// stream (§4.4) for the lifetime of ctx. Subscribe already dedups within
// one provider-adapter instance; Dedup is checked again here so a
// Redis-backed Dedup shared across orchestrator replicas also catches
// bursts a single adapter instance wouldn't see on its own.
func (o *Orchestrator) consumeProviderEvents(ctx context.Context) {
	events, err := o.Provider.Subscribe(ctx)
	if err != nil {
		o.Logger.Error("provider event subscription failed", "error", err)
		return
	}
	for event := range events {
		if o.Dedup != nil {
			seen, err := o.Dedup.SeenBefore(ctx, event.ContentHash)
			if err != nil {
				o.Logger.Warn("event dedup check failed", "content_hash", event.ContentHash, "error", err)
			} else if seen {
				continue
			}
		}
		o.handleProviderEvent(ctx, event)
	}
}

func (o *Orchestrator) handleProviderEvent(ctx context.Context, event providerport.Event) {
	switch event.Kind {
	case providerport.EventDisconnect:
		o.Logger.Info("provider disconnected", "content_hash", event.ContentHash)
		if o.Responder == nil {
			return
		}
		topic, _ := event.Payload["topic"].(string)
		if topic == "" {
			return
		}
		if err := o.Responder.Disconnect(ctx, topic); err != nil {
			o.Logger.Warn("pairing disconnect notice failed", "topic", topic, "error", err)
		}
	case providerport.EventAccountChange, providerport.EventChainChange:
		// A bound flow's OwnerSnapshot only changes through the explicit
		// refresh_owners command (handleRefreshOwners), issued per flow by
		// the caller once it has resolved the new owner set — this handler
		// just surfaces the raw change for that caller to act on.
		o.Logger.Info("provider account/chain change", "kind", event.Kind, "content_hash", event.ContentHash)
	default:
		o.Logger.Info("provider event", "kind", event.Kind, "content_hash", event.ContentHash)
	}
}
