// Package outbox tracks optimistic local sends until the server confirms them.
//
// State machine per reference id:
//
//	PENDING -> SENT_AWAITING_ACK -> CONFIRMED (record removed, message stored)
//	                             -> FAILED    (kept until retried or discarded)
//
// Every transition runs inside the caller's store transaction so a
// confirmation and the message it materializes are applied together.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatcache/cmd/internal/store"
)

// Ack is the server's answer to a successful send.
type Ack struct {
	ID        int64
	Timestamp time.Time
}

// Confirmation describes the outcome of Confirm.
type Confirmation struct {
	Message store.Message

	// Applied is false when the reference id was already consumed.
	Applied bool

	// Mismatch is set when the assigned id belonged to another message.
	// Message then holds the stored message, which was left untouched.
	Mismatch bool
}

type Reconciler struct {
	log *slog.Logger
	now func() time.Time
}

func New(log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create tracks a new PENDING send at the tail of the conversation queue.
// A FAILED send with the same reference id is replaced; any other tracked
// send makes this a duplicate.
func (r *Reconciler) Create(ctx context.Context, tx store.Tx, referenceID string, draft store.Draft) (store.PendingSend, error) {
	if referenceID == "" {
		return store.PendingSend{}, store.OpError{Op: "outbox.Create", Kind: store.ErrInvalidInput}
	}

	old, ok, err := tx.GetPending(ctx, referenceID)
	if err != nil {
		return store.PendingSend{}, err
	}
	if ok {
		if old.Status != store.StatusFailed {
			return store.PendingSend{}, fmt.Errorf("outbox: create %s: %w", referenceID, ErrDuplicateReferenceID)
		}
		if err := tx.DeletePending(ctx, referenceID); err != nil {
			return store.PendingSend{}, err
		}
	}

	p, err := tx.PutPending(ctx, store.PendingSend{
		ReferenceID: referenceID,
		Draft:       draft,
		Status:      store.StatusPending,
		CreatedAt:   r.now(),
	})
	if store.IsConflict(err) {
		return store.PendingSend{}, fmt.Errorf("outbox: create %s: %w", referenceID, ErrDuplicateReferenceID)
	}
	if err != nil {
		return store.PendingSend{}, err
	}
	return p, nil
}

// MarkSent moves PENDING to SENT_AWAITING_ACK. Any other state, or an unknown
// reference id, is left alone so duplicate callbacks are harmless.
func (r *Reconciler) MarkSent(ctx context.Context, tx store.Tx, referenceID string) (store.PendingSend, bool, error) {
	p, ok, err := tx.GetPending(ctx, referenceID)
	if err != nil || !ok || p.Status != store.StatusPending {
		return p, false, err
	}

	p.Status = store.StatusSentAwaitingAck
	p.Attempts++
	p, err = tx.PutPending(ctx, p)
	if err != nil {
		return store.PendingSend{}, false, err
	}
	return p, true, nil
}

// Confirm materializes the send under its server id and drops the record.
// A second Confirm for the same reference id is a no-op.
func (r *Reconciler) Confirm(ctx context.Context, tx store.Tx, referenceID string, ack Ack) (Confirmation, error) {
	p, ok, err := tx.GetPending(ctx, referenceID)
	if err != nil || !ok {
		return Confirmation{}, err
	}

	ts := ack.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	msg := store.Message{
		Key:         tx.Key(),
		ID:          ack.ID,
		Actor:       p.Draft.Actor,
		Body:        p.Draft.Body,
		Params:      p.Draft.Params,
		Timestamp:   ts,
		ReferenceID: referenceID,
	}
	return r.confirmWith(ctx, tx, msg)
}

// ReconcileIncoming is called for every message arriving from the network
// before it is stored. A message echoing a tracked reference id confirms that
// send, whatever its state. The message passes through unmodified; the caller
// stores it.
func (r *Reconciler) ReconcileIncoming(ctx context.Context, tx store.Tx, m store.Message) (bool, error) {
	if m.ReferenceID == "" {
		return false, nil
	}
	_, ok, err := tx.GetPending(ctx, m.ReferenceID)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.DeletePending(ctx, m.ReferenceID); err != nil {
		return false, err
	}

	r.log.Debug("outbox.confirm.incoming",
		"conversation", tx.Key().String(),
		"reference_id", m.ReferenceID,
		"id", m.ID,
	)
	return true, nil
}

func (r *Reconciler) confirmWith(ctx context.Context, tx store.Tx, msg store.Message) (Confirmation, error) {
	existing, found, err := tx.ReadOne(ctx, msg.ID)
	if err != nil {
		return Confirmation{}, err
	}

	if err := tx.DeletePending(ctx, msg.ReferenceID); err != nil {
		return Confirmation{}, err
	}

	if found && existing.ReferenceID != msg.ReferenceID {
		r.log.Warn("outbox.confirm.mismatch",
			"conversation", tx.Key().String(),
			"reference_id", msg.ReferenceID,
			"id", msg.ID,
			"stored_reference_id", existing.ReferenceID,
			"err", ErrReconciliationMismatch,
		)
		return Confirmation{Message: existing, Applied: true, Mismatch: true}, nil
	}

	if err := tx.UpsertMany(ctx, []store.Message{msg}); err != nil {
		return Confirmation{}, err
	}
	return Confirmation{Message: msg, Applied: true}, nil
}

// Fail moves a non-terminal send to FAILED. Unknown reference ids are
// ignored: the send may have been confirmed through another path.
func (r *Reconciler) Fail(ctx context.Context, tx store.Tx, referenceID string) (bool, error) {
	p, ok, err := tx.GetPending(ctx, referenceID)
	if err != nil || !ok || p.Status.Terminal() {
		return false, err
	}

	p.Status = store.StatusFailed
	if _, err := tx.PutPending(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Requeue turns a FAILED send back into PENDING at the tail of the queue,
// keeping its reference id so the server can dedupe.
func (r *Reconciler) Requeue(ctx context.Context, tx store.Tx, referenceID string) (store.PendingSend, error) {
	p, err := r.failed(ctx, tx, "outbox.Requeue", referenceID)
	if err != nil {
		return store.PendingSend{}, err
	}
	return r.Create(ctx, tx, referenceID, p.Draft)
}

// Discard forgets a FAILED send.
func (r *Reconciler) Discard(ctx context.Context, tx store.Tx, referenceID string) error {
	if _, err := r.failed(ctx, tx, "outbox.Discard", referenceID); err != nil {
		return err
	}
	return tx.DeletePending(ctx, referenceID)
}

func (r *Reconciler) failed(ctx context.Context, tx store.Tx, op, referenceID string) (store.PendingSend, error) {
	p, ok, err := tx.GetPending(ctx, referenceID)
	if err != nil {
		return store.PendingSend{}, err
	}
	if !ok {
		return store.PendingSend{}, store.OpError{Op: op, Kind: store.ErrNotFound}
	}
	if p.Status != store.StatusFailed {
		return store.PendingSend{}, fmt.Errorf("%s %s (%s): %w", op, referenceID, p.Status, ErrNotFailed)
	}
	return p, nil
}

// ListPendingForConversation returns the conversation's sends in send order.
func (r *Reconciler) ListPendingForConversation(ctx context.Context, tx store.Tx) ([]store.PendingSend, error) {
	return tx.ListPending(ctx)
}
