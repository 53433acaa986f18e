package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
)

var conv1 = store.ConversationKey{AccountID: "acct", Token: "1"}

type fetchCall struct {
	key    store.ConversationKey
	dir    Direction
	anchor int64
	limit  int
}

// fakeServer is a scripted remote log implementing Fetcher and Sender.
type fakeServer struct {
	mu       sync.Mutex
	logs     map[store.ConversationKey][]store.Message
	refs     map[string]int64
	fetches  []fetchCall
	sent     []string
	fetchErr error
	sendErr  func(referenceID string) error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		logs: make(map[store.ConversationKey][]store.Message),
		refs: make(map[string]int64),
	}
}

// seed appends messages from..to (inclusive) to key's log.
func (f *fakeServer) seed(key store.ConversationKey, from, to int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id := from; id <= to; id++ {
		f.logs[key] = append(f.logs[key], testMessage(key, id))
	}
}

func (f *fakeServer) push(m store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[m.Key] = append(f.logs[m.Key], m)
}

func (f *fakeServer) Fetch(_ context.Context, key store.ConversationKey, dir Direction, anchorID int64, limit int) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, fetchCall{key: key, dir: dir, anchor: anchorID, limit: limit})
	if f.fetchErr != nil {
		return FetchResult{}, f.fetchErr
	}

	log := f.logs[key]
	var out []store.Message
	switch dir {
	case Older:
		var below []store.Message
		for _, m := range log {
			if m.ID < anchorID {
				below = append(below, m)
			}
		}
		if len(below) > limit {
			out = below[len(below)-limit:]
			return FetchResult{Messages: clone(out), HasMore: true}, nil
		}
		return FetchResult{Messages: clone(below)}, nil
	default:
		for _, m := range log {
			if m.ID > anchorID {
				out = append(out, m)
			}
		}
		if len(out) > limit {
			return FetchResult{Messages: clone(out[:limit]), HasMore: true}, nil
		}
		return FetchResult{Messages: clone(out)}, nil
	}
}

func (f *fakeServer) Send(_ context.Context, key store.ConversationKey, referenceID string, draft store.Draft) (outbox.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, draft.Body)
	if f.sendErr != nil {
		if err := f.sendErr(referenceID); err != nil {
			return outbox.Ack{}, err
		}
	}
	if id, ok := f.refs[referenceID]; ok {
		return outbox.Ack{ID: id}, nil
	}

	var next int64 = 1
	if log := f.logs[key]; len(log) > 0 {
		next = log[len(log)-1].ID + 1
	}
	m := store.Message{
		Key:         key,
		ID:          next,
		Actor:       draft.Actor,
		Body:        draft.Body,
		Timestamp:   time.Now().UTC(),
		ReferenceID: referenceID,
	}
	f.logs[key] = append(f.logs[key], m)
	f.refs[referenceID] = next
	return outbox.Ack{ID: next, Timestamp: m.Timestamp}, nil
}

func (f *fakeServer) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeServer) lastFetch() fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[len(f.fetches)-1]
}

func (f *fakeServer) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeReach struct{ up atomic.Bool }

func newFakeReach(up bool) *fakeReach {
	r := &fakeReach{}
	r.up.Store(up)
	return r
}

func (r *fakeReach) Reachable(context.Context) bool { return r.up.Load() }

// fakeLive replays messages from a channel.
type fakeLive struct{ ch chan store.Message }

func (l *fakeLive) Next(ctx context.Context) (store.Message, error) {
	select {
	case <-ctx.Done():
		return store.Message{}, ctx.Err()
	case m := <-l.ch:
		return m, nil
	}
}

type harness struct {
	st     *store.InMemoryStore
	server *fakeServer
	reach  *fakeReach
	orch   *Orchestrator
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	h := &harness{
		st:     store.NewInMemoryStore(),
		server: newFakeServer(),
		reach:  newFakeReach(online),
	}
	orch, err := New(Config{
		Store:        h.st,
		Fetcher:      h.server,
		Sender:       h.server,
		Reachability: h.reach,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewerLimit:   50,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) blocks(t *testing.T, key store.ConversationKey) []store.Block {
	t.Helper()

	list, err := h.orch.Blocks(context.Background(), key)
	if err != nil {
		t.Fatalf("blocks: %v", err)
	}
	return list
}

func (h *harness) pending(t *testing.T, key store.ConversationKey) []store.PendingSend {
	t.Helper()

	list, err := h.orch.ListPendingForConversation(context.Background(), key)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	return list
}

func testMessage(key store.ConversationKey, id int64) store.Message {
	return store.Message{
		Key:       key,
		ID:        id,
		Actor:     "user-1",
		Body:      fmt.Sprintf("message %d", id),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func clone(in []store.Message) []store.Message {
	return append([]store.Message(nil), in...)
}

func assertIDRange(t *testing.T, label string, got []store.Message, from, to int64) {
	t.Helper()

	if int64(len(got)) != to-from+1 {
		t.Fatalf("%s: expected %d messages [%d, %d] got=%d", label, to-from+1, from, to, len(got))
	}
	for i, m := range got {
		if m.ID != from+int64(i) {
			t.Fatalf("%s: index %d expected id=%d got=%d", label, i, from+int64(i), m.ID)
		}
	}
}

func assertBlocks(t *testing.T, label string, got []store.Block, want ...store.Block) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("%s: expected %d blocks got=%+v", label, len(want), got)
	}
	for i, w := range want {
		g := got[i]
		if g.Oldest != w.Oldest || g.Newest != w.Newest || g.HasHistory != w.HasHistory {
			t.Fatalf("%s: block %d expected [%d, %d] history=%v got [%d, %d] history=%v",
				label, i, w.Oldest, w.Newest, w.HasHistory, g.Oldest, g.Newest, g.HasHistory)
		}
	}
}
