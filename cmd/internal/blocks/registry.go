// Package blocks maintains the per-conversation set of fetched id ranges.
//
// Within one conversation the stored blocks are pairwise disjoint and
// non-adjacent after every mutation. All mutations run inside a store.Tx so a
// merge (delete connected, insert merged) is applied all-or-nothing.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatcache/cmd/internal/store"
)

var (
	ErrInvalidRange = errors.New("invalid_range")

	// ErrFragmented is reported by Verify when stored blocks overlap or touch.
	ErrFragmented = errors.New("blocks_fragmented")
)

// Registry binds the transactional block operations to a Store.
// Callers that already hold a transaction use the package-level functions.
type Registry struct {
	st  store.Store
	log *slog.Logger
}

func New(st store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{st: st, log: log}
}

func (r *Registry) FindConnected(ctx context.Context, key store.ConversationKey, oldest, newest int64) ([]store.Block, error) {
	var out []store.Block
	err := r.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = tx.FindConnected(ctx, oldest, newest)
		return err
	})
	return out, err
}

func (r *Registry) Merge(ctx context.Context, key store.ConversationKey, oldest, newest int64, hasHistory bool) (store.Block, error) {
	var out store.Block
	err := r.st.Update(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = Merge(ctx, tx, oldest, newest, hasHistory)
		return err
	})
	if err != nil {
		return store.Block{}, err
	}
	r.log.Debug("blocks.merge",
		"conversation", key.String(),
		"oldest", out.Oldest,
		"newest", out.Newest,
		"has_history", out.HasHistory,
	)
	return out, nil
}

func (r *Registry) Covered(ctx context.Context, key store.ConversationKey, oldest, newest int64) (bool, error) {
	var ok bool
	err := r.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		ok, err = Covered(ctx, tx, oldest, newest)
		return err
	})
	return ok, err
}

func (r *Registry) OldestKnownHasHistory(ctx context.Context, key store.ConversationKey) (bool, error) {
	var ok bool
	err := r.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		ok, err = OldestKnownHasHistory(ctx, tx)
		return err
	})
	return ok, err
}

// List returns every block of the conversation ordered by Oldest.
func (r *Registry) List(ctx context.Context, key store.ConversationKey) ([]store.Block, error) {
	var out []store.Block
	err := r.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = tx.ListBlocks(ctx)
		return err
	})
	return out, err
}

// Verify checks the disjoint, non-adjacent invariant on the stored blocks.
func (r *Registry) Verify(ctx context.Context, key store.ConversationKey) error {
	list, err := r.List(ctx, key)
	if err != nil {
		return err
	}
	return Validate(list)
}

// ---- transactional operations ----

// Merge folds [oldest, newest] into the blocks it overlaps or touches.
//
// HasHistory of the result comes from whichever side owns the merged oldest
// edge. On a tie the new range wins.
func Merge(ctx context.Context, tx store.Tx, oldest, newest int64, hasHistory bool) (store.Block, error) {
	if oldest > newest {
		return store.Block{}, fmt.Errorf("blocks: merge [%d, %d]: %w", oldest, newest, ErrInvalidRange)
	}

	connected, err := tx.FindConnected(ctx, oldest, newest)
	if err != nil {
		return store.Block{}, err
	}
	if len(connected) == 0 {
		return tx.InsertBlock(ctx, store.Block{Oldest: oldest, Newest: newest, HasHistory: hasHistory})
	}

	merged := store.Block{Key: tx.Key(), Oldest: oldest, Newest: newest, HasHistory: hasHistory}
	edge := connected[0]
	ids := make([]int64, 0, len(connected))
	for _, c := range connected {
		if c.Oldest < edge.Oldest {
			edge = c
		}
		merged.Oldest = min(merged.Oldest, c.Oldest)
		merged.Newest = max(merged.Newest, c.Newest)
		ids = append(ids, c.ID)
	}
	if edge.Oldest < oldest {
		merged.HasHistory = edge.HasHistory
	}

	if len(connected) == 1 && sameRange(connected[0], merged) {
		return connected[0], nil
	}

	if err := tx.DeleteBlocks(ctx, ids...); err != nil {
		return store.Block{}, err
	}
	return tx.InsertBlock(ctx, merged)
}

// MergePoint records a single message id learnt outside a ranged fetch
// (live push, confirmed send).
//
// The point claims no history gap below itself unless it becomes the oldest
// edge, in which case nothing is known below it and HasHistory is true.
// A point already inside a block leaves the blocks unchanged.
func MergePoint(ctx context.Context, tx store.Tx, id int64) (store.Block, error) {
	if cov, ok, err := tx.CoveringBlock(ctx, id); err != nil || ok {
		return cov, err
	}

	connected, err := tx.FindConnected(ctx, id, id)
	if err != nil {
		return store.Block{}, err
	}
	ownsEdge := true
	for _, c := range connected {
		if c.Oldest < id {
			ownsEdge = false
		}
	}
	return Merge(ctx, tx, id, id, ownsEdge)
}

// Covering returns the single block that fully contains [oldest, newest].
func Covering(ctx context.Context, tx store.Tx, oldest, newest int64) (store.Block, bool, error) {
	if oldest > newest {
		return store.Block{}, false, fmt.Errorf("blocks: covering [%d, %d]: %w", oldest, newest, ErrInvalidRange)
	}
	b, ok, err := tx.CoveringBlock(ctx, oldest)
	if err != nil || !ok || b.Newest < newest {
		return store.Block{}, false, err
	}
	return b, true, nil
}

// Covered reports whether one stored block contains [oldest, newest].
// A window split across two blocks is not covered.
func Covered(ctx context.Context, tx store.Tx, oldest, newest int64) (bool, error) {
	_, ok, err := Covering(ctx, tx, oldest, newest)
	return ok, err
}

// OldestKnownHasHistory reports HasHistory of the oldest block, or true if
// the conversation has no blocks.
func OldestKnownHasHistory(ctx context.Context, tx store.Tx) (bool, error) {
	b, ok, err := tx.OldestBlock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return b.HasHistory, nil
}

// EvictOlderThan drops every block entirely below threshold and truncates a
// block straddling it. A truncated block has history again: the evicted ids
// still exist on the server. Messages are not touched here.
func EvictOlderThan(ctx context.Context, tx store.Tx, threshold int64) (int, error) {
	list, err := tx.ListBlocks(ctx)
	if err != nil {
		return 0, err
	}

	var drop []int64
	changed := 0
	for _, b := range list {
		switch {
		case b.Newest < threshold:
			drop = append(drop, b.ID)
			changed++
		case b.Oldest < threshold:
			b.Oldest = threshold
			b.HasHistory = true
			if err := tx.UpdateBlock(ctx, b); err != nil {
				return 0, err
			}
			changed++
		}
	}
	if err := tx.DeleteBlocks(ctx, drop...); err != nil {
		return 0, err
	}
	return changed, nil
}

// Validate checks that blocks, in any order, are well formed and pairwise
// disjoint and non-adjacent.
func Validate(list []store.Block) error {
	for i, a := range list {
		if a.Oldest > a.Newest {
			return fmt.Errorf("blocks: block %d [%d, %d]: %w", a.ID, a.Oldest, a.Newest, ErrInvalidRange)
		}
		for _, b := range list[i+1:] {
			if a.Key != b.Key {
				continue
			}
			if a.Touches(b.Oldest, b.Newest) {
				return fmt.Errorf("blocks: [%d, %d] and [%d, %d]: %w",
					a.Oldest, a.Newest, b.Oldest, b.Newest, ErrFragmented)
			}
		}
	}
	return nil
}

func sameRange(a, b store.Block) bool {
	return a.Oldest == b.Oldest && a.Newest == b.Newest && a.HasHistory == b.HasHistory
}
