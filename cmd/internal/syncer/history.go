package syncer

import (
	"context"
	"slices"
	"strconv"

	"chatcache/cmd/internal/store"
)

// olderPlan is the outcome of inspecting local state for a loadOlder window.
type olderPlan struct {
	lo, hi int64

	// local pages need no network call.
	local bool
	page  Page

	// anchor and need describe the fetch that fills the window.
	anchor int64
	need   int

	// covered is what the window already holds locally, served when the
	// network fails.
	covered []store.Message
}

// window is the covered part of [lo, hi] as seen by one transaction.
type window struct {
	cover   store.Block
	found   bool
	msgs    []store.Message
	hasMore bool
}

// LoadOlder serves up to pageSize messages with id < beforeID.
//
// The window [beforeID-pageSize, beforeID-1] is served locally when one block
// covers it, or when the blocks prove the server has nothing older. Otherwise
// the missing part is fetched, merged and served. If the network is down the
// locally covered part is served (Page.Stale); if nothing is covered the
// network error is returned.
func (o *Orchestrator) LoadOlder(ctx context.Context, key store.ConversationKey, beforeID int64, pageSize int) (Page, error) {
	if pageSize <= 0 {
		return Page{}, store.OpError{Op: "syncer.LoadOlder", Kind: store.ErrInvalidInput}
	}
	if beforeID <= store.MinID+int64(pageSize) {
		return Page{}, store.OpError{Op: "syncer.LoadOlder", Kind: store.ErrInvalidInput}
	}

	var plan olderPlan
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		plan, err = o.planOlder(ctx, tx, beforeID, pageSize)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	if plan.local {
		o.metrics.Pages.WithLabelValues(string(Older), "local").Inc()
		return plan.page, nil
	}

	if !o.reachable(ctx) {
		return o.degradeOlder(key, plan, &NetworkError{Op: "syncer.LoadOlder", Kind: ErrNetworkUnavailable})
	}

	fctx, cancel := o.withTimeout(ctx)
	res, err := o.fetcher.Fetch(fctx, key, Older, plan.anchor, plan.need)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		err = classify("syncer.LoadOlder", err)
		o.metrics.Fetches.WithLabelValues(string(Older), kindLabel(err)).Inc()
		return o.degradeOlder(key, plan, err)
	}
	o.metrics.Fetches.WithLabelValues(string(Older), "ok").Inc()

	var page Page
	err = o.st.Update(ctx, key, func(tx store.Tx) error {
		var err error
		page, err = o.applyOlder(ctx, tx, beforeID, plan, res)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	o.publish(key, ChangeMessages, ChangeBlocks)
	o.metrics.Pages.WithLabelValues(string(Older), "network").Inc()
	o.log.Debug("history.load_older.network",
		"conversation", key.String(),
		"anchor", plan.anchor,
		"limit", plan.need,
		"fetched", len(res.Messages),
		"has_more", res.HasMore,
	)
	return page, nil
}

func (o *Orchestrator) planOlder(ctx context.Context, tx store.Tx, beforeID int64, pageSize int) (olderPlan, error) {
	p := olderPlan{
		lo:     beforeID - int64(pageSize),
		hi:     beforeID - 1,
		anchor: beforeID,
		need:   pageSize,
	}

	w, err := o.olderWindow(ctx, tx, beforeID, p.lo, p.hi)
	if err != nil {
		return olderPlan{}, err
	}

	if !w.found {
		// Nothing cached at the window's top edge. Below an origin block
		// there is nothing left to fetch.
		ob, ok, err := tx.OldestBlock(ctx)
		if err != nil {
			return olderPlan{}, err
		}
		if ok && !ob.HasHistory && p.hi < ob.Oldest {
			p.local = true
			p.page = Page{}
		}
		return p, nil
	}

	p.covered = w.msgs

	if w.cover.Oldest <= p.lo {
		n, err := tx.CountBetween(ctx, p.lo, p.hi)
		if err != nil {
			return olderPlan{}, err
		}
		if n == int64(pageSize) {
			p.local = true
			p.page = Page{Messages: w.msgs, HasMore: w.hasMore}
			return p, nil
		}

		o.metrics.RangeMismatches.Inc()
		o.log.Warn("history.range.mismatch",
			"conversation", tx.Key().String(),
			"oldest", p.lo,
			"newest", p.hi,
			"count", n,
			"block_oldest", w.cover.Oldest,
			"block_newest", w.cover.Newest,
		)
		return p, nil
	}

	if !w.cover.HasHistory {
		// The local page is the true end of history.
		p.local = true
		p.page = Page{Messages: w.msgs}
		return p, nil
	}

	p.anchor = w.cover.Oldest
	p.need = pageSize - int(beforeID-w.cover.Oldest)
	return p, nil
}

// olderWindow finds the block owning the top of [lo, hi] (or starting right
// above it) and reads the covered part of the window.
func (o *Orchestrator) olderWindow(ctx context.Context, tx store.Tx, beforeID, lo, hi int64) (window, error) {
	cover, ok, err := tx.CoveringBlock(ctx, hi)
	if err != nil {
		return window{}, err
	}
	if !ok {
		cover, ok, err = tx.CoveringBlock(ctx, beforeID)
		if err != nil || !ok {
			return window{}, err
		}
	}

	w := window{cover: cover, found: true}
	from := max(lo, cover.Oldest)
	if from <= hi {
		msgs, err := readWindow(ctx, tx, from, hi)
		if err != nil {
			return window{}, err
		}
		w.msgs = msgs
	}
	w.hasMore = cover.Oldest < from || cover.HasHistory
	return w, nil
}

func (o *Orchestrator) applyOlder(ctx context.Context, tx store.Tx, beforeID int64, plan olderPlan, res FetchResult) (Page, error) {
	msgs := make([]store.Message, 0, len(res.Messages))
	lowest := plan.anchor
	for _, m := range res.Messages {
		if m.ID >= plan.anchor || m.ID <= store.MinID {
			continue
		}
		msgs = append(msgs, m)
		lowest = min(lowest, m.ID)
	}

	switch {
	case len(msgs) > 0:
		if _, err := o.ingest(ctx, tx, msgs); err != nil {
			return Page{}, err
		}
		if _, err := o.mergeRange(ctx, tx, lowest, plan.anchor-1, res.HasMore); err != nil {
			return Page{}, err
		}
	case !res.HasMore:
		// Nothing below the anchor: the block starting there reaches the
		// origin. With no such block, the origin is recorded as a point just
		// below the anchor so later calls stay local.
		cover, ok, err := tx.CoveringBlock(ctx, plan.anchor)
		if err != nil {
			return Page{}, err
		}
		switch {
		case ok && cover.Oldest == plan.anchor && cover.HasHistory:
			if _, err := o.mergeRange(ctx, tx, plan.anchor, plan.anchor, false); err != nil {
				return Page{}, err
			}
		case !ok:
			if _, err := o.mergeRange(ctx, tx, plan.anchor-1, plan.anchor-1, false); err != nil {
				return Page{}, err
			}
		}
	}

	w, err := o.olderWindow(ctx, tx, beforeID, plan.lo, plan.hi)
	if err != nil {
		return Page{}, err
	}
	if !w.found {
		return Page{Network: true, HasMore: res.HasMore}, nil
	}
	return Page{Messages: w.msgs, Network: true, HasMore: w.hasMore}, nil
}

func (o *Orchestrator) degradeOlder(key store.ConversationKey, plan olderPlan, cause error) (Page, error) {
	if len(plan.covered) == 0 {
		return Page{}, cause
	}
	o.metrics.Pages.WithLabelValues(string(Older), "stale").Inc()
	o.log.Warn("history.load_older.degraded",
		"conversation", key.String(),
		"oldest", plan.lo,
		"newest", plan.hi,
		"served", len(plan.covered),
		"err", cause,
	)
	return Page{Messages: plan.covered, Stale: true, HasMore: true}, nil
}

// LoadNewer asks the network for messages after afterID, merges them and
// serves readSince from the local mirror. Concurrent calls for the same
// conversation and anchor share one round trip.
func (o *Orchestrator) LoadNewer(ctx context.Context, key store.ConversationKey, afterID int64) (Page, error) {
	if !key.Valid() {
		return Page{}, store.OpError{Op: "syncer.LoadNewer", Kind: store.ErrInvalidInput}
	}

	if !o.reachable(ctx) {
		return o.degradeNewer(ctx, key, afterID, &NetworkError{Op: "syncer.LoadNewer", Kind: ErrNetworkUnavailable})
	}

	flightKey := key.String() + "#" + strconv.FormatInt(afterID, 10)
	ch := o.flight.DoChan(flightKey, func() (any, error) {
		// Shared by every waiter: one caller leaving must not cancel the others.
		return o.fetchNewer(context.WithoutCancel(ctx), key, afterID)
	})

	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			if !isNetwork(r.Err) {
				return Page{}, r.Err
			}
			return o.degradeNewer(ctx, key, afterID, r.Err)
		}
		page := r.Val.(Page)
		page.Messages = slices.Clone(page.Messages)
		return page, nil
	}
}

func (o *Orchestrator) fetchNewer(ctx context.Context, key store.ConversationKey, afterID int64) (Page, error) {
	fctx, cancel := o.withTimeout(ctx)
	res, err := o.fetcher.Fetch(fctx, key, Newer, afterID, o.newerLimit)
	cancel()
	if err != nil {
		err = classify("syncer.LoadNewer", err)
		o.metrics.Fetches.WithLabelValues(string(Newer), kindLabel(err)).Inc()
		return Page{}, err
	}
	o.metrics.Fetches.WithLabelValues(string(Newer), "ok").Inc()

	var page Page
	err = o.st.Update(ctx, key, func(tx store.Tx) error {
		msgs := make([]store.Message, 0, len(res.Messages))
		newest := afterID
		for _, m := range res.Messages {
			if m.ID <= afterID || m.ID >= store.MaxID {
				continue
			}
			msgs = append(msgs, m)
			newest = max(newest, m.ID)
		}

		if len(msgs) > 0 {
			if _, err := o.ingest(ctx, tx, msgs); err != nil {
				return err
			}
			if _, err := o.mergeRange(ctx, tx, afterID+1, newest, afterID > 0); err != nil {
				return err
			}
		}

		local, err := tx.ReadSince(ctx, afterID, o.newerLimit)
		if err != nil {
			return err
		}
		page = Page{Messages: local, Network: true, HasMore: res.HasMore}
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	if len(res.Messages) > 0 {
		o.publish(key, ChangeMessages, ChangeBlocks)
	}
	o.metrics.Pages.WithLabelValues(string(Newer), "network").Inc()
	o.log.Debug("history.load_newer.network",
		"conversation", key.String(),
		"anchor", afterID,
		"fetched", len(res.Messages),
		"has_more", res.HasMore,
	)
	return page, nil
}

func (o *Orchestrator) degradeNewer(ctx context.Context, key store.ConversationKey, afterID int64, cause error) (Page, error) {
	local, err := o.ReadSince(ctx, key, afterID, o.newerLimit)
	if err != nil {
		return Page{}, err
	}
	if len(local) == 0 {
		return Page{}, cause
	}
	o.metrics.Pages.WithLabelValues(string(Newer), "stale").Inc()
	o.log.Warn("history.load_newer.degraded",
		"conversation", key.String(),
		"anchor", afterID,
		"served", len(local),
		"err", cause,
	)
	return Page{Messages: local, Stale: true, HasMore: true}, nil
}

// readWindow returns the stored messages with from <= id <= to, ascending.
func readWindow(ctx context.Context, tx store.Tx, from, to int64) ([]store.Message, error) {
	msgs, err := tx.ReadBeforeInclusive(ctx, to, int(to-from+1))
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID >= from {
			out = append(out, m)
		}
	}
	return out, nil
}
