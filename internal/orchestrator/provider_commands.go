package orchestrator

import (
	"context"

	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/providerport"
)

// handleConnectProvider implements `connect_provider`: discover, select,
// and probe, returning the selected provider's capabilities.
func (o *Orchestrator) handleConnectProvider(ctx context.Context, cmd domain.Command) domain.CommandResult {
	if o.Provider == nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "no provider adapter configured"))
	}
	identifier := stringField(cmd.Payload, "identifier")

	descriptors, err := o.Provider.Discover(ctx)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, err.Error()))
	}
	if identifier == "" && len(descriptors) > 0 {
		identifier = descriptors[0].Identifier
	}
	if identifier == "" {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "no provider available to select"))
	}
	if err := o.Provider.Select(ctx, identifier); err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, err.Error()))
	}

	var caps providerport.Capabilities
	if o.Guard == nil || o.Guard.AllowProbe() {
		caps, err = o.Provider.Probe(ctx)
		if err != nil {
			return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, err.Error()))
		}
	}

	o.startEventConsumer(context.Background())

	return okResult(map[string]any{
		"identifier":                 identifier,
		"supports_typed_data_v4":     caps.SupportsTypedDataV4,
		"supports_capability_probe": caps.SupportsCapabilityProbe,
	})
}
