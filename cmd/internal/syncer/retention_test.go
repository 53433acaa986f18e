package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatcache/cmd/internal/store"
)

// seedCache stores messages [from, to] and one block claiming them.
func seedCache(t *testing.T, h *harness, from, to int64, hasHistory bool) {
	t.Helper()

	ctx := context.Background()
	err := h.st.Update(ctx, conv1, func(tx store.Tx) error {
		var msgs []store.Message
		for id := from; id <= to; id++ {
			msgs = append(msgs, testMessage(conv1, id))
		}
		if err := tx.UpsertMany(ctx, msgs); err != nil {
			return err
		}
		_, err := tx.InsertBlock(ctx, store.Block{Oldest: from, Newest: to, HasHistory: hasHistory})
		return err
	})
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}
}

func TestEvict_TruncatesStraddlingBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.server.seed(conv1, 1, 100)
	seedCache(t, h, 1, 100, false)
	ctx := context.Background()

	res, err := h.orch.Evict(ctx, conv1, 50)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if res.Blocks != 1 || res.Messages != 49 {
		t.Fatalf("unexpected evict result: %+v", res)
	}
	assertBlocks(t, "truncated", h.blocks(t, conv1), store.Block{Oldest: 50, Newest: 100, HasHistory: true})

	// Evicted history is fetched again on demand.
	page, err := h.orch.LoadOlder(ctx, conv1, 50, 10)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if !page.Network {
		t.Fatalf("evicted window must come from the network")
	}
	assertIDRange(t, "refetched", page.Messages, 40, 49)
}

func TestEvict_DropsBlocksBelowThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	seedCache(t, h, 1, 10, false)
	seedCache(t, h, 20, 30, true)

	res, err := h.orch.Evict(context.Background(), conv1, 25)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if res.Blocks != 2 || res.Messages != 15 {
		t.Fatalf("unexpected evict result: %+v", res)
	}
	assertBlocks(t, "after evict", h.blocks(t, conv1), store.Block{Oldest: 25, Newest: 30, HasHistory: true})

	msgs, err := h.orch.ReadSince(context.Background(), conv1, 0, 0)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	assertIDRange(t, "kept", msgs, 25, 30)
}

func TestEnforceRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	seedCache(t, h, 1, 100, false)
	ctx := context.Background()

	res, err := h.orch.EnforceRetention(ctx, conv1, 200)
	if err != nil {
		t.Fatalf("enforce retention: %v", err)
	}
	if res != (EvictResult{}) {
		t.Fatalf("under the limit nothing is evicted, got=%+v", res)
	}

	res, err = h.orch.EnforceRetention(ctx, conv1, 30)
	if err != nil {
		t.Fatalf("enforce retention: %v", err)
	}
	if res.Messages != 70 {
		t.Fatalf("expected 70 evicted messages got=%+v", res)
	}
	assertBlocks(t, "retained", h.blocks(t, conv1), store.Block{Oldest: 71, Newest: 100, HasHistory: true})

	if _, err := h.orch.EnforceRetention(ctx, conv1, 0); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("keep=0: expected ErrInvalidInput got=%v", err)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	seedCache(t, h, 1, 10, false)
	mustSend(t, h, "queued")
	ctx := context.Background()

	sub := h.orch.Subscribe(conv1)
	defer sub.Close()

	if err := h.orch.Invalidate(ctx, conv1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	select {
	case c := <-sub.C:
		if c.Kind != ChangeInvalidated || c.Key != conv1 {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("no invalidation change delivered")
	}

	if got := h.blocks(t, conv1); len(got) != 0 {
		t.Fatalf("expected no blocks got=%+v", got)
	}
	if got := h.pending(t, conv1); len(got) != 0 {
		t.Fatalf("expected no pending sends got=%+v", got)
	}
	msgs, err := h.orch.ReadSince(ctx, conv1, 0, 0)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages got=%d", len(msgs))
	}
}
