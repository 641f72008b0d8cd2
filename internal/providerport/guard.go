package providerport

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"github.com/vaultco/cosigncore/internal/domain"
)

// ChainAccountGuard is the chain/account gate for signing requests (§4.4):
// Check fails closed when the live chain differs from the flow chain or
// the active account is not a Vault owner, checking the chain first. The
// orchestrator calls only AllowProbe; no orchestrator path calls Check
// before dispatching a signing request.
type ChainAccountGuard struct {
	// Limiter paces capability-probe/status calls so a misbehaving
	// provider cannot be hammered by repeated guard re-evaluation.
	Limiter *rate.Limiter
}

// NewChainAccountGuard returns a guard with a capability-probe rate limit
// of probesPerSecond sustained, bursting up to burst.
func NewChainAccountGuard(probesPerSecond float64, burst int) *ChainAccountGuard {
	return &ChainAccountGuard{Limiter: rate.NewLimiter(rate.Limit(probesPerSecond), burst)}
}

// Check runs the fail-closed chain/account gate. liveChainID and
// liveAccount are read fresh from the provider immediately before a
// signing call; flowChainID/expectedOwner come from the flow's bound
// envelope and OwnerSnapshot.
func (g *ChainAccountGuard) Check(ctx context.Context, liveChainID, flowChainID int64, liveAccount string, owners domain.OwnerSnapshot) error {
	if liveChainID != flowChainID {
		return domain.NewCoreError(domain.CodeChainMismatch, "", "live chain differs from flow chain")
	}
	normalized := strings.ToLower(liveAccount)
	if !owners.IsOwner(normalized) {
		return domain.NewCoreError(domain.CodeAccountMismatch, "", "active account is not an owner of the vault")
	}
	return nil
}

// AllowProbe reports whether a capability probe may run now, rate-gating
// repeated probes (§6 provider_capability_cache_ttl_ms works alongside
// this as the cache lifetime; this is the floor on call frequency).
func (g *ChainAccountGuard) AllowProbe() bool {
	return g.Limiter.Allow()
}
