package statemachine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultco/cosigncore/internal/domain"
)

var allTxStatuses = []domain.TxStatus{
	domain.TxDraft, domain.TxSigning, domain.TxProposed, domain.TxConfirming,
	domain.TxReadyToExecute, domain.TxExecuting, domain.TxExecuted,
	domain.TxFailed, domain.TxCancelled,
}

var allTxEventKinds = []domain.TxEventKind{
	domain.TxEventStartPreflight, domain.TxEventAddSignature, domain.TxEventPropose,
	domain.TxEventConfirm, domain.TxEventExecute, domain.TxEventExternalError, domain.TxEventRetry,
}

// TestApplyTx_Total is §8's transition totality property: every
// (state, event) pair returns a defined Outcome (accept or a reject with a
// taxonomy-member code) and never panics.
func TestApplyTx_Total(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ApplyTx never panics and always sets a diagnostic code on rejection", prop.ForAll(
		func(stateIdx, eventIdx int) bool {
			state := allTxStatuses[stateIdx%len(allTxStatuses)]
			kind := allTxEventKinds[eventIdx%len(allTxEventKinds)]

			var outcome domain.Outcome
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("ApplyTx panicked for (%s, %s): %v", state, kind, r)
					}
				}()
				outcome = ApplyTx(state, domain.TxEvent{Kind: kind}, 0, TxGuardContext{})
			}()

			if !outcome.Accepted && outcome.Diagnostic == nil {
				return false
			}
			return true
		},
		gen.IntRange(0, len(allTxStatuses)-1),
		gen.IntRange(0, len(allTxEventKinds)-1),
	))

	properties.TestingRun(t)
}

func TestApplyTx_AddSignature_RequiresOwnerAndBinding(t *testing.T) {
	ctx := TxGuardContext{
		Owners:      domain.OwnerSnapshot{Owners: []string{"0xOwner"}, Threshold: 1},
		ChainID:     1,
		SafeAddress: "0xSafe",
		PayloadHash: "0xHash",
	}

	unbound := &domain.Signature{
		ChainID: 999, SafeAddress: "0xSafe", PayloadHash: "0xHash",
		ExpectedSigner: "0xOwner", RecoveredSigner: "0xOwner",
	}
	outcome := ApplyTx(domain.TxSigning, domain.TxEvent{Kind: domain.TxEventAddSignature, Signature: unbound}, 0, ctx)
	require.False(t, outcome.Accepted)
	assert.Equal(t, domain.CodeSignerMismatch, outcome.Diagnostic.Code)

	notOwner := &domain.Signature{
		ChainID: 1, SafeAddress: "0xSafe", PayloadHash: "0xHash",
		ExpectedSigner: "0xStranger", RecoveredSigner: "0xStranger",
	}
	outcome = ApplyTx(domain.TxSigning, domain.TxEvent{Kind: domain.TxEventAddSignature, Signature: notOwner}, 0, ctx)
	require.False(t, outcome.Accepted)
	assert.Equal(t, domain.CodeAccountMismatch, outcome.Diagnostic.Code)

	bound := &domain.Signature{
		ChainID: 1, SafeAddress: "0xSafe", PayloadHash: "0xHash",
		ExpectedSigner: "0xOwner", RecoveredSigner: "0xOwner",
	}
	outcome = ApplyTx(domain.TxSigning, domain.TxEvent{Kind: domain.TxEventAddSignature, Signature: bound}, 0, ctx)
	require.True(t, outcome.Accepted)
	assert.Equal(t, domain.TxReadyToExecute, outcome.NextTxStatus)
}

func TestApplyTx_TerminalStateRejectsFurtherEvents(t *testing.T) {
	outcome := ApplyTx(domain.TxExecuted, domain.TxEvent{Kind: domain.TxEventPropose}, 0, TxGuardContext{})
	require.False(t, outcome.Accepted)
	assert.Equal(t, domain.CodeUnsupportedMethod, outcome.Diagnostic.Code)
}
