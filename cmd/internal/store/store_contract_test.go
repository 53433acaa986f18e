package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"
	"time"
)

// runContract exercises the Tx contract against any engine.
// Each subtest uses its own conversation key so engines can be shared.
func runContract(t *testing.T, st Store, prefix string) {
	t.Helper()

	key := func(name string) ConversationKey {
		return ConversationKey{AccountID: "acct-" + prefix, Token: name}
	}

	t.Run("upsert and ranged reads", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("reads")
		mustUpdate(t, st, k, func(tx Tx) error {
			return tx.UpsertMany(ctx, msgs(k, 1, 2, 3, 5, 8))
		})

		mustView(t, st, k, func(tx Tx) error {
			got, err := tx.ReadSince(ctx, 2, 0)
			if err != nil {
				return err
			}
			assertIDs(t, "read since 2", got, 3, 5, 8)

			got, err = tx.ReadSince(ctx, 0, 2)
			if err != nil {
				return err
			}
			assertIDs(t, "read since 0 limit 2", got, 1, 2)

			got, err = tx.ReadBeforeInclusive(ctx, 5, 2)
			if err != nil {
				return err
			}
			assertIDs(t, "read before 5", got, 3, 5)

			n, err := tx.CountBetween(ctx, 2, 8)
			if err != nil {
				return err
			}
			if n != 4 {
				t.Fatalf("count between: expected 4 got=%d", n)
			}

			if _, ok, err := tx.ReadOne(ctx, 4); err != nil || ok {
				t.Fatalf("read one 4: expected miss, ok=%v err=%v", ok, err)
			}
			return nil
		})

		keys, err := st.Conversations(ctx)
		if err != nil {
			t.Fatalf("conversations: %v", err)
		}
		if !slices.Contains(keys, k) {
			t.Fatalf("conversations: %v missing from %v", k, keys)
		}
	})

	t.Run("upsert replaces by id", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("replace")
		mustUpdate(t, st, k, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(k, 7)) })

		edited := msgs(k, 7)[0]
		edited.Body = "edited"
		edited.Edited = true
		edited.Params = map[string]any{"lang": "en"}
		mustUpdate(t, st, k, func(tx Tx) error { return tx.UpsertMany(ctx, []Message{edited}) })

		mustView(t, st, k, func(tx Tx) error {
			m, ok, err := tx.ReadOne(ctx, 7)
			if err != nil || !ok {
				t.Fatalf("read one 7: ok=%v err=%v", ok, err)
			}
			if m.Body != "edited" || !m.Edited {
				t.Fatalf("read one 7: expected edited body, got=%+v", m)
			}
			if m.Params["lang"] != "en" {
				t.Fatalf("read one 7: params lost: %+v", m.Params)
			}
			n, err := tx.CountBetween(ctx, MinID, MaxID)
			if err != nil {
				return err
			}
			if n != 1 {
				t.Fatalf("expected single row, got=%d", n)
			}
			return nil
		})
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		once, twice := key("idem-once"), key("idem-twice")
		batch := func(k ConversationKey) []Message {
			out := msgs(k, 3, 4, 9)
			out[1].Params = map[string]any{"lang": "en"}
			out[2].ReferenceID = "ref-9"
			return out
		}

		mustUpdate(t, st, once, func(tx Tx) error { return tx.UpsertMany(ctx, batch(once)) })
		for range 2 {
			mustUpdate(t, st, twice, func(tx Tx) error { return tx.UpsertMany(ctx, batch(twice)) })
		}

		snapshot := func(k ConversationKey) ([]Message, int64) {
			var (
				all []Message
				n   int64
			)
			mustView(t, st, k, func(tx Tx) error {
				var err error
				if all, err = tx.ReadSince(ctx, MinID, 0); err != nil {
					return err
				}
				n, err = tx.CountBetween(ctx, MinID, MaxID)
				return err
			})
			for i := range all {
				all[i].Key = ConversationKey{}
			}
			return all, n
		}

		wantMsgs, wantN := snapshot(once)
		gotMsgs, gotN := snapshot(twice)
		if gotN != wantN || wantN != 3 {
			t.Fatalf("count: once=%d twice=%d", wantN, gotN)
		}
		if !reflect.DeepEqual(gotMsgs, wantMsgs) {
			t.Fatalf("state differs after a repeated upsert:\nonce:  %+v\ntwice: %+v", wantMsgs, gotMsgs)
		}
	})

	t.Run("backward pages rebuild the prefix", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const n = 40
		k := key("paging")
		ids := make([]int64, 0, n)
		for id := int64(1); id <= n; id++ {
			ids = append(ids, id)
		}
		mustUpdate(t, st, k, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(k, ids...)) })

		for _, tc := range []struct{ upTo, step int64 }{{40, 7}, {40, 40}, {23, 5}, {23, 1}, {1, 3}, {17, 100}} {
			var rebuilt []Message
			mustView(t, st, k, func(tx Tx) error {
				cursor := tc.upTo
				for cursor >= 1 {
					page, err := tx.ReadBeforeInclusive(ctx, cursor, int(tc.step))
					if err != nil {
						return err
					}
					if len(page) == 0 {
						break
					}
					if int64(len(page)) > tc.step {
						t.Fatalf("upTo=%d step=%d: page of %d exceeds limit", tc.upTo, tc.step, len(page))
					}
					rebuilt = append(slices.Clone(page), rebuilt...)
					cursor = page[0].ID - 1
				}
				return nil
			})
			assertIDs(t, fmt.Sprintf("upTo=%d step=%d", tc.upTo, tc.step), rebuilt, ids[:tc.upTo]...)
		}
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, b := key("iso-a"), key("iso-b")
		mustUpdate(t, st, a, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(a, 1, 2)) })
		mustUpdate(t, st, b, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(b, 2)) })

		mustView(t, st, b, func(tx Tx) error {
			got, err := tx.ReadSince(ctx, 0, 0)
			if err != nil {
				return err
			}
			assertIDs(t, "conversation b", got, 2)
			return nil
		})

		err := st.Update(ctx, a, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(b, 9)) })
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("foreign upsert: expected ErrInvalidInput got=%v", err)
		}
	})

	t.Run("failed update applies nothing", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("rollback")
		boom := errors.New("boom")
		err := st.Update(ctx, k, func(tx Tx) error {
			if err := tx.UpsertMany(ctx, msgs(k, 1, 2)); err != nil {
				return err
			}
			if _, err := tx.InsertBlock(ctx, Block{Oldest: 1, Newest: 2}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("update: expected boom got=%v", err)
		}

		mustView(t, st, k, func(tx Tx) error {
			n, err := tx.CountBetween(ctx, MinID, MaxID)
			if err != nil {
				return err
			}
			blocks, err := tx.ListBlocks(ctx)
			if err != nil {
				return err
			}
			if n != 0 || len(blocks) != 0 {
				t.Fatalf("rollback: expected empty partition, messages=%d blocks=%d", n, len(blocks))
			}
			return nil
		})
	})

	t.Run("view rejects writes", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("readonly")
		err := st.View(ctx, k, func(tx Tx) error { return tx.UpsertMany(ctx, msgs(k, 1)) })
		if !errors.Is(err, ErrReadOnly) {
			t.Fatalf("view write: expected ErrReadOnly got=%v", err)
		}
	})

	t.Run("block primitives", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("blocks")
		var mid Block
		mustUpdate(t, st, k, func(tx Tx) error {
			for _, r := range [][2]int64{{30, 40}, {10, 20}, {50, 60}} {
				b, err := tx.InsertBlock(ctx, Block{Oldest: r[0], Newest: r[1], HasHistory: true})
				if err != nil {
					return err
				}
				if r[0] == 30 {
					mid = b
				}
			}
			return nil
		})

		mustView(t, st, k, func(tx Tx) error {
			all, err := tx.ListBlocks(ctx)
			if err != nil {
				return err
			}
			if len(all) != 3 || all[0].Oldest != 10 || all[2].Oldest != 50 {
				t.Fatalf("list blocks: unexpected order %+v", all)
			}

			// [21, 29] touches [10,20] and [30,40] by adjacency only.
			conn, err := tx.FindConnected(ctx, 21, 29)
			if err != nil {
				return err
			}
			if len(conn) != 2 {
				t.Fatalf("find connected: expected 2 got=%+v", conn)
			}

			conn, err = tx.FindConnected(ctx, 42, 48)
			if err != nil {
				return err
			}
			if len(conn) != 0 {
				t.Fatalf("find connected gap: expected none got=%+v", conn)
			}

			cov, ok, err := tx.CoveringBlock(ctx, 35)
			if err != nil || !ok || cov.ID != mid.ID {
				t.Fatalf("covering 35: ok=%v err=%v block=%+v", ok, err, cov)
			}

			old, ok, err := tx.OldestBlock(ctx)
			if err != nil || !ok || old.Oldest != 10 {
				t.Fatalf("oldest block: ok=%v err=%v block=%+v", ok, err, old)
			}
			return nil
		})

		mustUpdate(t, st, k, func(tx Tx) error {
			mid.Newest = 45
			mid.HasHistory = false
			if err := tx.UpdateBlock(ctx, mid); err != nil {
				return err
			}
			return tx.DeleteBlocks(ctx, mid.ID+1000)
		})

		mustView(t, st, k, func(tx Tx) error {
			cov, ok, err := tx.CoveringBlock(ctx, 44)
			if err != nil || !ok || cov.HasHistory {
				t.Fatalf("covering 44 after update: ok=%v err=%v block=%+v", ok, err, cov)
			}
			return nil
		})

		err := st.Update(ctx, k, func(tx Tx) error {
			return tx.UpdateBlock(ctx, Block{ID: mid.ID + 1000, Oldest: 1, Newest: 1})
		})
		if !IsNotFound(err) {
			t.Fatalf("update missing block: expected ErrNotFound got=%v", err)
		}

		err = st.Update(ctx, k, func(tx Tx) error {
			_, err := tx.InsertBlock(ctx, Block{Oldest: 9, Newest: 3})
			return err
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("insert inverted block: expected ErrInvalidInput got=%v", err)
		}
	})

	t.Run("pending sends keep send order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("pending")
		mustUpdate(t, st, k, func(tx Tx) error {
			for _, ref := range []string{prefix + "-ref-b", prefix + "-ref-a", prefix + "-ref-c"} {
				if _, err := tx.PutPending(ctx, PendingSend{
					ReferenceID: ref,
					Draft:       Draft{Actor: "me", Body: ref},
					Status:      StatusPending,
				}); err != nil {
					return err
				}
			}
			return nil
		})

		err := st.Update(ctx, k, func(tx Tx) error {
			_, err := tx.PutPending(ctx, PendingSend{ReferenceID: prefix + "-ref-a", Status: StatusPending})
			return err
		})
		if !IsConflict(err) {
			t.Fatalf("duplicate reference: expected ErrConflict got=%v", err)
		}

		mustUpdate(t, st, k, func(tx Tx) error {
			p, ok, err := tx.GetPending(ctx, prefix+"-ref-a")
			if err != nil || !ok {
				t.Fatalf("get pending: ok=%v err=%v", ok, err)
			}
			p.Status = StatusFailed
			p.Attempts = 2
			if _, err := tx.PutPending(ctx, p); err != nil {
				return err
			}
			return tx.DeletePending(ctx, prefix+"-ref-c")
		})

		mustView(t, st, k, func(tx Tx) error {
			list, err := tx.ListPending(ctx)
			if err != nil {
				return err
			}
			if len(list) != 2 {
				t.Fatalf("list pending: expected 2 got=%d", len(list))
			}
			if list[0].ReferenceID != prefix+"-ref-b" || list[1].ReferenceID != prefix+"-ref-a" {
				t.Fatalf("list pending: unexpected order %s, %s", list[0].ReferenceID, list[1].ReferenceID)
			}
			if list[1].Status != StatusFailed || list[1].Attempts != 2 {
				t.Fatalf("list pending: update lost %+v", list[1])
			}
			if list[0].Draft.Body != prefix+"-ref-b" {
				t.Fatalf("list pending: draft lost %+v", list[0].Draft)
			}
			return nil
		})

		keys, err := st.ConversationsWithPending(ctx)
		if err != nil {
			t.Fatalf("conversations with pending: %v", err)
		}
		found := false
		for _, got := range keys {
			if got == k {
				found = true
			}
		}
		if !found {
			t.Fatalf("conversations with pending: %v missing from %v", k, keys)
		}
	})

	t.Run("delete range and clear", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k := key("clear")
		mustUpdate(t, st, k, func(tx Tx) error {
			if err := tx.UpsertMany(ctx, msgs(k, 1, 2, 3, 4)); err != nil {
				return err
			}
			if _, err := tx.InsertBlock(ctx, Block{Oldest: 1, Newest: 4}); err != nil {
				return err
			}
			n, err := tx.DeleteRange(ctx, 1, 2)
			if err != nil {
				return err
			}
			if n != 2 {
				t.Fatalf("delete range: expected 2 got=%d", n)
			}
			return nil
		})

		mustUpdate(t, st, k, func(tx Tx) error { return tx.Clear(ctx) })

		mustView(t, st, k, func(tx Tx) error {
			n, err := tx.CountBetween(ctx, MinID, MaxID)
			if err != nil {
				return err
			}
			blocks, err := tx.ListBlocks(ctx)
			if err != nil {
				return err
			}
			if n != 0 || len(blocks) != 0 {
				t.Fatalf("clear: messages=%d blocks=%d", n, len(blocks))
			}
			return nil
		})
	})
}

func msgs(k ConversationKey, ids ...int64) []Message {
	out := make([]Message, 0, len(ids))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range ids {
		out = append(out, Message{
			Key:       k,
			ID:        id,
			Actor:     "user-1",
			Body:      "msg",
			Timestamp: base.Add(time.Duration(id) * time.Second),
		})
	}
	return out
}

func assertIDs(t *testing.T, label string, got []Message, want ...int64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("%s: expected %d messages got=%d", label, len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("%s: index %d expected id=%d got=%d", label, i, want[i], got[i].ID)
		}
	}
}

func mustUpdate(t *testing.T, st Store, k ConversationKey, fn func(Tx) error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.Update(ctx, k, fn); err != nil {
		t.Fatalf("update %s: %v", k, err)
	}
}

func mustView(t *testing.T, st Store, k ConversationKey, fn func(Tx) error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.View(ctx, k, fn); err != nil {
		t.Fatalf("view %s: %v", k, err)
	}
}
