package syncer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"chatcache/cmd/internal/blocks"
	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
)

// FlushResult summarizes one pass over a conversation's send lane.
type FlushResult struct {
	Confirmed int
	Failed    int
	// Deferred counts sends left PENDING because the network went away.
	Deferred int
}

// Send records draft as a PENDING send and, when the network is reachable,
// pushes the conversation's send lane. Network failures are reflected in the
// send's status, not returned: only local storage errors are.
func (o *Orchestrator) Send(ctx context.Context, key store.ConversationKey, draft store.Draft) (string, error) {
	ref, err := outbox.NewReferenceID(o.now())
	if err != nil {
		return "", err
	}

	err = o.st.Update(ctx, key, func(tx store.Tx) error {
		_, err := o.outbox.Create(ctx, tx, ref, draft)
		return err
	})
	if err != nil {
		return "", err
	}
	o.publish(key, ChangePending)

	o.log.Info("outbox.send.created", "conversation", key.String(), "reference_id", ref)

	if !o.reachable(ctx) {
		o.metrics.Sends.WithLabelValues("deferred").Inc()
		return ref, nil
	}
	if _, err := o.FlushConversation(ctx, key); err != nil {
		return ref, err
	}
	return ref, nil
}

// FlushPending pushes the send lane of every conversation holding pending
// sends. Conversations are flushed in parallel, each one in send order.
func (o *Orchestrator) FlushPending(ctx context.Context) (FlushResult, error) {
	if !o.reachable(ctx) {
		return FlushResult{}, nil
	}

	keys, err := o.st.ConversationsWithPending(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	results := make([]FlushResult, len(keys))
	var g errgroup.Group
	g.SetLimit(o.flushConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			r, err := o.FlushConversation(ctx, key)
			results[i] = r
			return err
		})
	}
	err = g.Wait()

	var total FlushResult
	for _, r := range results {
		total.Confirmed += r.Confirmed
		total.Failed += r.Failed
		total.Deferred += r.Deferred
	}
	o.metrics.Pending.Set(float64(total.Deferred))
	if len(keys) > 0 {
		o.log.Info("outbox.flush",
			"conversations", len(keys),
			"confirmed", total.Confirmed,
			"failed", total.Failed,
			"deferred", total.Deferred,
		)
	}
	return total, err
}

// FlushConversation sends key's PENDING and SENT_AWAITING_ACK sends in send
// order. A transient network failure stops the lane and leaves the send in
// place, so nothing behind it overtakes; a rejected send fails and the lane
// moves on.
func (o *Orchestrator) FlushConversation(ctx context.Context, key store.ConversationKey) (FlushResult, error) {
	unlock := o.lanes.Lock(key)
	defer unlock()

	var list []store.PendingSend
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		list, err = tx.ListPending(ctx)
		return err
	})
	if err != nil {
		return FlushResult{}, err
	}

	var res FlushResult
	for i, p := range list {
		if p.Status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !o.reachable(ctx) {
			res.Deferred += countLive(list[i:])
			o.metrics.Sends.WithLabelValues("deferred").Inc()
			return res, nil
		}

		ok, err := o.sendOne(ctx, key, p)
		if err != nil {
			if !isNetwork(err) {
				return res, err
			}
			if transient(err) {
				res.Deferred += countLive(list[i:])
				return res, nil
			}
			res.Failed++
			continue
		}
		if ok {
			res.Confirmed++
		}
	}
	return res, nil
}

// sendOne runs PENDING -> SENT_AWAITING_ACK -> CONFIRMED | FAILED for one send.
// Only a rejection fails the send; after an unavailable or timed-out request it
// stays SENT_AWAITING_ACK. A send already awaiting ack is re-sent with the same
// reference id. It reports whether this call confirmed the send.
func (o *Orchestrator) sendOne(ctx context.Context, key store.ConversationKey, p store.PendingSend) (bool, error) {
	if p.Status == store.StatusPending {
		err := o.st.Update(ctx, key, func(tx store.Tx) error {
			_, _, err := o.outbox.MarkSent(ctx, tx, p.ReferenceID)
			return err
		})
		if err != nil {
			return false, err
		}
		o.publish(key, ChangePending)
	}

	sctx, cancel := o.withTimeout(ctx)
	ack, err := o.sender.Send(sctx, key, p.ReferenceID, p.Draft)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		err = classify("syncer.Send", err)
		if transient(err) {
			// Left SENT_AWAITING_ACK; the next flush re-sends it with the
			// same reference id before anything queued behind it.
			o.metrics.Sends.WithLabelValues("deferred").Inc()
			o.log.Warn("outbox.send.deferred",
				"conversation", key.String(),
				"reference_id", p.ReferenceID,
				"kind", kindLabel(err),
				"err", err,
			)
			return false, err
		}
		if ferr := o.st.Update(ctx, key, func(tx store.Tx) error {
			_, err := o.outbox.Fail(ctx, tx, p.ReferenceID)
			return err
		}); ferr != nil {
			return false, ferr
		}
		o.publish(key, ChangePending)
		o.metrics.Sends.WithLabelValues("failed").Inc()
		o.log.Warn("outbox.send.failed",
			"conversation", key.String(),
			"reference_id", p.ReferenceID,
			"kind", kindLabel(err),
			"err", err,
		)
		return false, err
	}

	var c outbox.Confirmation
	err = o.st.Update(ctx, key, func(tx store.Tx) error {
		var err error
		c, err = o.outbox.Confirm(ctx, tx, p.ReferenceID, ack)
		if err != nil || !c.Applied {
			return err
		}
		if _, err := blocks.MergePoint(ctx, tx, c.Message.ID); err != nil {
			return err
		}
		o.metrics.Merges.Inc()
		return nil
	})
	if err != nil {
		return false, err
	}
	if !c.Applied {
		// The live channel confirmed it first.
		return false, nil
	}

	if c.Mismatch {
		o.metrics.Mismatches.Inc()
	}
	o.metrics.Sends.WithLabelValues("confirmed").Inc()
	o.publish(key, ChangePending, ChangeMessages, ChangeBlocks)
	o.log.Info("outbox.send.confirmed",
		"conversation", key.String(),
		"reference_id", p.ReferenceID,
		"id", ack.ID,
	)
	return true, nil
}

func countLive(list []store.PendingSend) int {
	n := 0
	for _, p := range list {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

// Retry re-queues a FAILED send at the tail of its conversation and pushes
// the lane when the network is reachable.
func (o *Orchestrator) Retry(ctx context.Context, key store.ConversationKey, referenceID string) error {
	err := o.st.Update(ctx, key, func(tx store.Tx) error {
		_, err := o.outbox.Requeue(ctx, tx, referenceID)
		return err
	})
	if err != nil {
		return err
	}
	o.publish(key, ChangePending)
	o.log.Info("outbox.send.retry", "conversation", key.String(), "reference_id", referenceID)

	if !o.reachable(ctx) {
		return nil
	}
	_, err = o.FlushConversation(ctx, key)
	return err
}

// Discard forgets a FAILED send.
func (o *Orchestrator) Discard(ctx context.Context, key store.ConversationKey, referenceID string) error {
	err := o.st.Update(ctx, key, func(tx store.Tx) error {
		return o.outbox.Discard(ctx, tx, referenceID)
	})
	if err != nil {
		return err
	}
	o.publish(key, ChangePending)
	o.log.Info("outbox.send.discard", "conversation", key.String(), "reference_id", referenceID)
	return nil
}

// ListPendingForConversation returns key's tracked sends in send order.
func (o *Orchestrator) ListPendingForConversation(ctx context.Context, key store.ConversationKey) ([]store.PendingSend, error) {
	var out []store.PendingSend
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = o.outbox.ListPendingForConversation(ctx, tx)
		return err
	})
	return out, err
}
