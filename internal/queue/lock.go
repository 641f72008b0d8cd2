package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/domain"
)

const writerLockKey = "global"

// AcquireWriterLock implements §4.3's single-writer lock: before any
// mutating command, the caller acquires the global lock with a TTL. An
// expired lock may be reacquired by a different holder, generating a new
// epoch. A live lock held by a different holder is rejected with
// WRITER_LOCK_CONFLICT.
func AcquireWriterLock(ctx context.Context, store Store, holderID string, ttlMs, nowMs int64) (domain.WriterLock, error) {
	data, revision, err := store.Get(ctx, CollectionWriterLock, writerLockKey)
	var current domain.WriterLock
	if err == nil {
		if jsonErr := json.Unmarshal(data, &current); jsonErr != nil {
			return domain.WriterLock{}, fmt.Errorf("queue: decode writer lock: %w", jsonErr)
		}
		if !current.Expired(nowMs) && current.HolderID != holderID {
			return domain.WriterLock{}, domain.NewCoreError(domain.CodeWriterLockConflict, "", "writer lock held by another holder")
		}
	} else if err != ErrNotFound {
		return domain.WriterLock{}, err
	}

	nonce := make([]byte, 32)
	if _, randErr := rand.Read(nonce); randErr != nil {
		return domain.WriterLock{}, fmt.Errorf("queue: generate lock nonce: %w", randErr)
	}
	next := domain.WriterLock{
		HolderID:     holderID,
		Nonce:        hex.EncodeToString(nonce),
		LockEpoch:    current.LockEpoch + 1,
		AcquiredAtMs: nowMs,
		ExpiresAtMs:  nowMs + ttlMs,
	}
	encoded, err := codec.Canonicalize(next)
	if err != nil {
		return domain.WriterLock{}, err
	}
	if _, err := store.CompareAndSwap(ctx, CollectionWriterLock, writerLockKey, revision, encoded); err != nil {
		return domain.WriterLock{}, err
	}
	return next, nil
}

// CheckWriterLock verifies that (holderID, nonce, epoch) still matches the
// stored lock, rejecting a mutation whose caller no longer holds it
// (§4.3: "rejected if the stored triple differs").
func CheckWriterLock(ctx context.Context, store Store, holderID, nonce string, epoch uint64) error {
	data, _, err := store.Get(ctx, CollectionWriterLock, writerLockKey)
	if err != nil {
		return fmt.Errorf("queue: no writer lock held: %w", err)
	}
	var current domain.WriterLock
	if err := json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("queue: decode writer lock: %w", err)
	}
	if !current.Matches(holderID, nonce, epoch) {
		return domain.NewCoreError(domain.CodeWriterLockConflict, "", "caller no longer holds the writer lock")
	}
	return nil
}
