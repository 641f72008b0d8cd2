// Package providerport defines the injected-wallet-provider contract of
// §4.4: discovery, capability probe, typed request/response, a normalized
// event stream with dedup, and the chain/account guard that runs fail
// -closed before any signing request is dispatched.
package providerport

import (
	"context"
	"time"

	"github.com/vaultco/cosigncore/internal/domain"
)

// Descriptor identifies a discoverable provider, ordered deterministically
// by Identifier (§4.4: "discover providers (ordered deterministically by a
// stable identifier)").
type Descriptor struct {
	Identifier string
	Name       string
}

// RequestMethod is the provider method surface consumed (§6).
type RequestMethod string

const (
	MethodAccountRequest   RequestMethod = "eth_requestAccounts"
	MethodChainID          RequestMethod = "eth_chainId"
	MethodSignTypedDataV4  RequestMethod = "eth_signTypedData_v4"
	MethodSignTypedData    RequestMethod = "eth_signTypedData"
	MethodPersonalSign     RequestMethod = "personal_sign"
	MethodSendTransaction  RequestMethod = "eth_sendTransaction"
	MethodCapabilityProbe  RequestMethod = "wallet_getCapabilities"
)

// Request is a typed request to a selected provider.
type Request struct {
	Method     RequestMethod
	Params     map[string]any
	DeadlineMs int64
}

// Response carries either a result or a normalized error.
type Response struct {
	Result map[string]any
	Error  *domain.CoreError
}

// EventKind is the normalized provider event stream's tag set (§4.4).
type EventKind string

const (
	EventAccountChange EventKind = "account-change"
	EventChainChange   EventKind = "chain-change"
	EventDisconnect    EventKind = "disconnect"
	EventMessage       EventKind = "message"
)

// Event is one normalized provider event, content-hash addressable so the
// caller can dedup bursts (§4.4).
type Event struct {
	Kind        EventKind
	ContentHash string
	Payload     map[string]any
}

// Capabilities is the result of a capability probe; an unsupported probe
// method degrades to an empty Capabilities rather than an error (§6).
type Capabilities struct {
	SupportsTypedDataV4 bool
	SupportsCapabilityProbe bool
}

// Provider is the contract a wallet-injected or mock backend must satisfy
// (§9: "a non-browser backend ... must satisfy the same contracts").
type Provider interface {
	// Discover returns every known provider descriptor, already ordered
	// deterministically by Identifier.
	Discover(ctx context.Context) ([]Descriptor, error)

	// Select pins the active provider by identifier for subsequent calls.
	Select(ctx context.Context, identifier string) error

	// Probe returns the active provider's capabilities, degrading
	// gracefully (not erroring) if the probe method is unsupported.
	Probe(ctx context.Context) (Capabilities, error)

	// Request executes req against the active provider with its deadline,
	// translating wallet error codes into the closed taxonomy.
	Request(ctx context.Context, req Request) (Response, error)

	// Subscribe returns a channel of deduplicated normalized events. The
	// channel closes when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Deduplicator is the common dedup contract event consumption runs
// against, satisfied directly by lockredis.EventDedup (distributed, keyed
// by content hash in Redis) and, via NewInProcessDeduplicator, by Deduper
// (single-process, in-memory).
type Deduplicator interface {
	SeenBefore(ctx context.Context, contentHash string) (bool, error)
}

// Deduper absorbs duplicate events within a short window (§4.4). The
// in-process implementation below backs tests and single-process
// deployments; lockredis.EventDedup is the distributed equivalent.
type Deduper struct {
	window time.Duration
	seen   map[string]time.Time
}

// NewDeduper returns a Deduper with the given burst-absorption window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, seen: make(map[string]time.Time)}
}

// SeenBefore reports whether contentHash was already observed within the
// window as of now, recording it either way.
func (d *Deduper) SeenBefore(contentHash string, now time.Time) bool {
	d.evict(now)
	if last, ok := d.seen[contentHash]; ok && now.Sub(last) < d.window {
		d.seen[contentHash] = now
		return true
	}
	d.seen[contentHash] = now
	return false
}

func (d *Deduper) evict(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
}

// inProcessDeduplicator adapts Deduper to Deduplicator, sourcing "now" from
// an injected clock rather than time.Now so callers can test against it
// deterministically.
type inProcessDeduplicator struct {
	d   *Deduper
	now func() time.Time
}

// NewInProcessDeduplicator adapts d to Deduplicator.
func NewInProcessDeduplicator(d *Deduper, now func() time.Time) Deduplicator {
	return inProcessDeduplicator{d: d, now: now}
}

func (w inProcessDeduplicator) SeenBefore(ctx context.Context, contentHash string) (bool, error) {
	return w.d.SeenBefore(contentHash, w.now()), nil
}
