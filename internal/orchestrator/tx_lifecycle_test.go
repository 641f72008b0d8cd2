package orchestrator

import (
	"context"
	"encoding/hex"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/vaultco/cosigncore/internal/chainsig"
	"github.com/vaultco/cosigncore/internal/codec/keys"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
)

// TestTxLifecycle_CreateThroughExecute drives a single-owner, threshold-1
// flow through create_tx, start_preflight, add_tx_signature and execute_tx
// and asserts each stage lands in the state ApplyTx's transition table
// promises (§4.2).
func TestTxLifecycle_CreateThroughExecute(t *testing.T) {
	store := queue.NewMemStore()
	keyring := keys.NewKeyring()
	require.NoError(t, keyring.Add("k1", []byte("a-mac-key-that-is-32-bytes-long")))

	o := New(store, keyring, slog.Default(), "test-holder", func() int64 { return 1000 })

	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner, err := chainsig.NormalizeAddress(crypto.PubkeyToAddress(ownerKey.PublicKey).Hex())
	require.NoError(t, err)

	ctx := context.Background()

	createResult := o.Dispatch(ctx, domain.Command{
		Type:          domain.CmdCreateTx,
		CommandID:     "cmd-1",
		CorrelationID: "corr-1",
		Payload: map[string]any{
			"chain_id":     int64(1),
			"safe_address": "0x1111111111111111111111111111111111111111",
			"to":           "0x2222222222222222222222222222222222222222",
			"value":        "0",
			"data":         "0x",
			"operation":    int64(0),
			"nonce":        int64(0),
			"owners":       []string{owner},
			"threshold":    int64(1),
		},
	})
	require.True(t, createResult.OK, "create_tx: %v", createResult.Error)
	require.Equal(t, string(domain.TxDraft), createResult.Result["status"])
	payloadHash := createResult.Result["payload_hash"].(string)

	preflightResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdStartPreflight, CommandID: "cmd-2", CorrelationID: "corr-2",
		Payload: map[string]any{"payload_hash": payloadHash},
	})
	require.True(t, preflightResult.OK, "start_preflight: %v", preflightResult.Error)
	require.Equal(t, string(domain.TxSigning), preflightResult.Result["status"])

	digest, err := hex.DecodeString(payloadHash[2:])
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, ownerKey)
	require.NoError(t, err)
	sig[64] += 27

	sigResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdAddTxSignature, CommandID: "cmd-3", CorrelationID: "corr-3",
		Payload: map[string]any{
			"payload_hash":    payloadHash,
			"signer":          owner,
			"signature_bytes": "0x" + hex.EncodeToString(sig),
			"source":          string(domain.SourceManualEntry),
			"method":          string(domain.MethodPersonalSign),
			"expected_signer": owner,
		},
	})
	require.True(t, sigResult.OK, "add_tx_signature: %v", sigResult.Error)
	require.Equal(t, owner, sigResult.Result["recovered_signer"])
	require.Equal(t, string(domain.TxReadyToExecute), sigResult.Result["status"])

	executeResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdExecuteTx, CommandID: "cmd-4", CorrelationID: "corr-4",
		Payload: map[string]any{"payload_hash": payloadHash},
	})
	require.True(t, executeResult.OK, "execute_tx: %v", executeResult.Error)
	require.Equal(t, string(domain.TxExecuted), executeResult.Result["status"])
}

// TestTxLifecycle_ProposeConfirmRequiresThresholdTwo exercises the
// propose/confirm path separately with a two-owner, threshold-2 flow where
// a single signature is not enough to reach ReadyToExecute.
func TestTxLifecycle_ProposeConfirmRequiresThresholdTwo(t *testing.T) {
	store := queue.NewMemStore()
	keyring := keys.NewKeyring()
	require.NoError(t, keyring.Add("k1", []byte("a-mac-key-that-is-32-bytes-long")))
	o := New(store, keyring, slog.Default(), "test-holder", func() int64 { return 1000 })
	ctx := context.Background()

	key1, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner1, err := chainsig.NormalizeAddress(crypto.PubkeyToAddress(key1.PublicKey).Hex())
	require.NoError(t, err)
	key2, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner2, err := chainsig.NormalizeAddress(crypto.PubkeyToAddress(key2.PublicKey).Hex())
	require.NoError(t, err)

	createResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdCreateTx, CommandID: "cmd-1", CorrelationID: "corr-1",
		Payload: map[string]any{
			"chain_id":     int64(1),
			"safe_address": "0x1111111111111111111111111111111111111111",
			"to":           "0x2222222222222222222222222222222222222222",
			"value":        "0",
			"data":         "0x",
			"operation":    int64(0),
			"nonce":        int64(0),
			"owners":       []string{owner1, owner2},
			"threshold":    int64(2),
		},
	})
	require.True(t, createResult.OK)
	payloadHash := createResult.Result["payload_hash"].(string)

	require.True(t, o.Dispatch(ctx, domain.Command{
		Type: domain.CmdStartPreflight, CommandID: "cmd-2", CorrelationID: "corr-2",
		Payload: map[string]any{"payload_hash": payloadHash},
	}).OK)

	digest, err := hex.DecodeString(payloadHash[2:])
	require.NoError(t, err)
	sig1, err := crypto.Sign(digest, key1)
	require.NoError(t, err)
	sig1[64] += 27

	firstSig := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdAddTxSignature, CommandID: "cmd-3", CorrelationID: "corr-3",
		Payload: map[string]any{
			"payload_hash": payloadHash, "signer": owner1,
			"signature_bytes": "0x" + hex.EncodeToString(sig1),
			"source":          string(domain.SourceManualEntry),
			"method":          string(domain.MethodPersonalSign),
			"expected_signer": owner1,
		},
	})
	require.True(t, firstSig.OK)
	require.Equal(t, string(domain.TxSigning), firstSig.Result["status"])

	proposeResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdProposeTx, CommandID: "cmd-4", CorrelationID: "corr-4",
		Payload: map[string]any{"payload_hash": payloadHash},
	})
	require.True(t, proposeResult.OK, "propose_tx: %v", proposeResult.Error)
	require.Equal(t, string(domain.TxProposed), proposeResult.Result["status"])

	confirmResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdConfirmTx, CommandID: "cmd-5", CorrelationID: "corr-5",
		Payload: map[string]any{"payload_hash": payloadHash},
	})
	require.True(t, confirmResult.OK, "confirm_tx: %v", confirmResult.Error)
	require.Equal(t, string(domain.TxConfirming), confirmResult.Result["status"])

	sig2, err := crypto.Sign(digest, key2)
	require.NoError(t, err)
	sig2[64] += 27

	secondSig := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdAddTxSignature, CommandID: "cmd-6", CorrelationID: "corr-6",
		Payload: map[string]any{
			"payload_hash": payloadHash, "signer": owner2,
			"signature_bytes": "0x" + hex.EncodeToString(sig2),
			"source":          string(domain.SourceManualEntry),
			"method":          string(domain.MethodPersonalSign),
			"expected_signer": owner2,
		},
	})
	require.True(t, secondSig.OK, "add_tx_signature (second): %v", secondSig.Error)
	require.Equal(t, string(domain.TxReadyToExecute), secondSig.Result["status"])

	executeResult := o.Dispatch(ctx, domain.Command{
		Type: domain.CmdExecuteTx, CommandID: "cmd-7", CorrelationID: "corr-7",
		Payload: map[string]any{"payload_hash": payloadHash},
	})
	require.True(t, executeResult.OK, "execute_tx: %v", executeResult.Error)
	require.Equal(t, string(domain.TxExecuted), executeResult.Result["status"])
}
