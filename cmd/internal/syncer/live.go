package syncer

import (
	"context"
	"errors"

	"chatcache/cmd/internal/blocks"
	"chatcache/cmd/internal/store"
)

// OnLiveMessage applies one pushed message: it confirms a matching pending
// send, stores the message and records its id as a point block.
func (o *Orchestrator) OnLiveMessage(ctx context.Context, m store.Message) error {
	key := m.Key
	if !key.Valid() {
		return store.OpError{Op: "syncer.OnLiveMessage", Kind: store.ErrInvalidInput}
	}

	confirmed := 0
	err := o.st.Update(ctx, key, func(tx store.Tx) error {
		var err error
		confirmed, err = o.ingest(ctx, tx, []store.Message{m})
		if err != nil {
			return err
		}
		_, err = blocks.MergePoint(ctx, tx, m.ID)
		return err
	})
	if err != nil {
		return err
	}

	o.metrics.LiveMessages.Inc()
	o.publish(key, ChangeMessages, ChangeBlocks)
	if confirmed > 0 {
		o.metrics.Sends.WithLabelValues("confirmed").Inc()
		o.publish(key, ChangePending)
	}
	o.log.Debug("live.message",
		"conversation", key.String(),
		"id", m.ID,
		"reference_id", m.ReferenceID,
		"confirmed", confirmed > 0,
	)
	return nil
}

// RunLive feeds ch into OnLiveMessage until ctx ends or ch fails for good.
// A message that cannot be applied is logged and skipped.
func (o *Orchestrator) RunLive(ctx context.Context, ch LiveUpdateChannel) error {
	o.log.Info("live.start")
	defer o.log.Info("live.stop")

	for {
		m, err := ch.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := o.OnLiveMessage(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.log.Error("live.apply_failed",
				"conversation", m.Key.String(),
				"id", m.ID,
				"err", err,
			)
		}
	}
}
