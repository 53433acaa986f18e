package syncer

import (
	"context"

	"chatcache/cmd/internal/blocks"
	"chatcache/cmd/internal/store"
)

// EvictResult reports what a retention pass removed.
type EvictResult struct {
	Blocks   int
	Messages int64
}

// Evict drops cached history below thresholdID: blocks entirely below it are
// deleted, a straddling block is truncated, and the messages go in the same
// transaction so no block ever claims deleted messages.
func (o *Orchestrator) Evict(ctx context.Context, key store.ConversationKey, thresholdID int64) (EvictResult, error) {
	var res EvictResult
	err := o.st.Update(ctx, key, func(tx store.Tx) error {
		var err error
		res, err = evictTx(ctx, tx, thresholdID)
		return err
	})
	if err != nil {
		return EvictResult{}, err
	}
	o.afterEvict(key, thresholdID, res)
	return res, nil
}

// EnforceRetention keeps only the newest keep cached messages of key.
func (o *Orchestrator) EnforceRetention(ctx context.Context, key store.ConversationKey, keep int) (EvictResult, error) {
	if keep <= 0 {
		return EvictResult{}, store.OpError{Op: "syncer.EnforceRetention", Kind: store.ErrInvalidInput}
	}

	var (
		res       EvictResult
		threshold int64
	)
	err := o.st.Update(ctx, key, func(tx store.Tx) error {
		newest, err := tx.ReadBeforeInclusive(ctx, store.MaxID, keep)
		if err != nil {
			return err
		}
		if len(newest) < keep {
			return nil
		}
		threshold = newest[0].ID
		res, err = evictTx(ctx, tx, threshold)
		return err
	})
	if err != nil {
		return EvictResult{}, err
	}
	o.afterEvict(key, threshold, res)
	return res, nil
}

func evictTx(ctx context.Context, tx store.Tx, threshold int64) (EvictResult, error) {
	changed, err := blocks.EvictOlderThan(ctx, tx, threshold)
	if err != nil {
		return EvictResult{}, err
	}
	n, err := tx.DeleteRange(ctx, store.MinID, threshold-1)
	if err != nil {
		return EvictResult{}, err
	}
	return EvictResult{Blocks: changed, Messages: n}, nil
}

func (o *Orchestrator) afterEvict(key store.ConversationKey, threshold int64, res EvictResult) {
	if res.Blocks == 0 && res.Messages == 0 {
		return
	}
	o.metrics.Evicted.Add(float64(res.Messages))
	o.publish(key, ChangeMessages, ChangeBlocks)
	o.log.Info("history.evict",
		"conversation", key.String(),
		"threshold", threshold,
		"blocks", res.Blocks,
		"messages", res.Messages,
	)
}

// Invalidate clears messages, blocks and pending sends of key atomically.
func (o *Orchestrator) Invalidate(ctx context.Context, key store.ConversationKey) error {
	if err := o.st.Update(ctx, key, func(tx store.Tx) error { return tx.Clear(ctx) }); err != nil {
		return err
	}
	o.publish(key, ChangeInvalidated)
	o.log.Info("history.invalidate", "conversation", key.String())
	return nil
}
