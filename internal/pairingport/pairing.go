// Package pairingport implements the external dApp pairing-protocol
// adapter contract of §4.6: session lifecycle, request ingestion with
// metadata surfaced before approval, and deferred responses that survive
// restarts.
package pairingport

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/vaultco/cosigncore/internal/domain"
)

// SessionLifecycleStage enumerates §4.6's lifecycle:
// pair -> session-proposal -> (approve|reject) -> request-received ->
// respond -> disconnect.
type SessionLifecycleStage string

const (
	StagePair             SessionLifecycleStage = "pair"
	StageSessionProposal  SessionLifecycleStage = "session-proposal"
	StageApproved         SessionLifecycleStage = "approved"
	StageRejected         SessionLifecycleStage = "rejected"
	StageRequestReceived  SessionLifecycleStage = "request-received"
	StageResponded        SessionLifecycleStage = "responded"
	StageDisconnected     SessionLifecycleStage = "disconnected"
)

// DAppMetadata is surfaced before a session proposal can be approved
// (§4.6). Name and Origin are NFC-normalized before surfacing so a
// confusable-homoglyph origin cannot misrepresent itself.
type DAppMetadata struct {
	Name   string
	Origin string
	Icons  []string
}

// NormalizeMetadata applies Unicode NFC normalization to the
// human-readable fields of m.
func NormalizeMetadata(m DAppMetadata) DAppMetadata {
	return DAppMetadata{
		Name:   norm.NFC.String(m.Name),
		Origin: norm.NFC.String(m.Origin),
		Icons:  m.Icons,
	}
}

// proposalClaims is the compact JWT a pairing relay issues for a session
// proposal: topic, expiry, and dApp metadata, verified before the session
// is considered Approved.
type proposalClaims struct {
	jwt.RegisteredClaims
	Topic    string       `json:"topic"`
	Metadata DAppMetadata `json:"metadata"`
}

// IssueProposalToken signs a session-proposal token for topic/metadata,
// expiring at expiresAt, using secret as the HMAC signing key.
func IssueProposalToken(secret []byte, topic string, metadata DAppMetadata, expiresAt time.Time) (string, error) {
	claims := proposalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Topic:    topic,
		Metadata: NormalizeMetadata(metadata),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("pairingport: sign proposal token: %w", err)
	}
	return signed, nil
}

// VerifyProposalToken validates tokenString against secret and returns
// the topic and metadata it carries, or an error if expired/invalid.
func VerifyProposalToken(secret []byte, tokenString string) (topic string, metadata DAppMetadata, err error) {
	claims := &proposalClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return "", DAppMetadata{}, fmt.Errorf("pairingport: verify proposal token: %w", err)
	}
	return claims.Topic, claims.Metadata, nil
}

// Request is a pairing-session signing request surfaced to the core.
type Request struct {
	RequestID string
	Topic     string
	Method    domain.SigningMethod
	Params    map[string]any
	ExpiresAtMs int64
	DApp      DAppMetadata
}

// Responder dispatches an immediate or deferred response for a pairing
// request; a deferred response is re-emitted by the orchestrator once the
// linked transaction reaches Executed (§4.6).
type Responder interface {
	RespondImmediate(ctx context.Context, requestID string, hash string) error
	RespondDeferred(ctx context.Context, requestID string, executedHash string) error
	Disconnect(ctx context.Context, topic string) error
}
