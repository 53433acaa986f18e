package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatcache/cmd/internal/store"
)

func TestOnLiveMessage_PointBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.server.seed(conv1, 1, 10)
	ctx := context.Background()

	if _, err := h.orch.LoadNewer(ctx, conv1, 0); err != nil {
		t.Fatalf("load newer: %v", err)
	}
	assertBlocks(t, "initial", h.blocks(t, conv1), store.Block{Oldest: 1, Newest: 10, HasHistory: false})

	for range 2 {
		if err := h.orch.OnLiveMessage(ctx, testMessage(conv1, 11)); err != nil {
			t.Fatalf("live 11: %v", err)
		}
		assertBlocks(t, "adjacent push", h.blocks(t, conv1), store.Block{Oldest: 1, Newest: 11, HasHistory: false})
	}

	if err := h.orch.OnLiveMessage(ctx, testMessage(conv1, 20)); err != nil {
		t.Fatalf("live 20: %v", err)
	}
	assertBlocks(t, "gap push", h.blocks(t, conv1),
		store.Block{Oldest: 1, Newest: 11, HasHistory: false},
		store.Block{Oldest: 20, Newest: 20, HasHistory: true},
	)

	// Closing the gap keeps the origin flag of the older block.
	h.server.seed(conv1, 11, 20)
	if _, err := h.orch.LoadNewer(ctx, conv1, 11); err != nil {
		t.Fatalf("load newer: %v", err)
	}
	assertBlocks(t, "joined", h.blocks(t, conv1), store.Block{Oldest: 1, Newest: 20, HasHistory: false})
}

func TestOnLiveMessage_InvalidKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	err := h.orch.OnLiveMessage(context.Background(), store.Message{ID: 1})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput got=%v", err)
	}
}

func TestRunLive_AppliesUntilCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	live := &fakeLive{ch: make(chan store.Message)}

	sub := h.orch.Subscribe(conv1)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.RunLive(ctx, live) }()

	// A message that cannot be applied is skipped.
	live.ch <- store.Message{ID: 1}
	live.ch <- testMessage(conv1, 3)

	deadline := time.After(2 * time.Second)
	for got := false; !got; {
		select {
		case c := <-sub.C:
			got = c.Kind == ChangeMessages
		case <-deadline:
			t.Fatalf("timed out waiting for live change")
		}
	}

	msgs, err := h.orch.ReadSince(context.Background(), conv1, 0, 0)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	assertIDRange(t, "live", msgs, 3, 3)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run live: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run live did not stop")
	}
}

type brokenLive struct{ err error }

func (b brokenLive) Next(context.Context) (store.Message, error) { return store.Message{}, b.err }

func TestRunLive_ReturnsChannelFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	want := errors.New("closed for good")
	if err := h.orch.RunLive(context.Background(), brokenLive{err: want}); !errors.Is(err, want) {
		t.Fatalf("expected %v got=%v", want, err)
	}
}
