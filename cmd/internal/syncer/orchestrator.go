// Package syncer decides between local and network paths for history reads
// and sends, and keeps messages, blocks and pending sends consistent.
//
// Every local side effect of one operation is a single store.Update, so a
// cancelled or failed fetch never leaves a partial merge behind. Sends of one
// conversation go through a per-conversation lane that preserves send order.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"chatcache/cmd/internal/blocks"
	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
)

// Config wires the orchestrator's collaborators and limits.
type Config struct {
	Store        store.Store
	Fetcher      Fetcher
	Sender       Sender
	Reachability Reachability

	Log      *slog.Logger
	Metrics  *Metrics
	Notifier *Notifier

	// NewerLimit caps one loadNewer round trip (default 100).
	NewerLimit int
	// FlushConcurrency bounds conversations flushed in parallel (default 4).
	FlushConcurrency int
	// NetworkTimeout bounds each fetch/send call (default 15s).
	NetworkTimeout time.Duration

	Now func() time.Time
}

type Orchestrator struct {
	st       store.Store
	fetcher  Fetcher
	sender   Sender
	reach    Reachability
	log      *slog.Logger
	metrics  *Metrics
	notifier *Notifier
	outbox   *outbox.Reconciler

	newerLimit       int
	flushConcurrency int
	netTimeout       time.Duration
	now              func() time.Time

	lanes  *store.KeyedLocks
	flight singleflight.Group
}

// Page is a window of messages served to the caller, ascending by id.
type Page struct {
	Messages []store.Message

	// Network is set when a fetch result was applied for this page.
	Network bool
	// Stale is set when the network failed and the page was served from what
	// was already covered locally; it may be shorter than requested.
	Stale bool
	// HasMore reports whether more messages may exist beyond the page in the
	// read direction.
	HasMore bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: nil store")
	}
	if cfg.Fetcher == nil || cfg.Sender == nil {
		return nil, errors.New("syncer: nil network collaborator")
	}
	if cfg.Reachability == nil {
		cfg.Reachability = AlwaysReachable{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewNotifier(cfg.Log)
	}
	if cfg.NewerLimit <= 0 {
		cfg.NewerLimit = 100
	}
	if cfg.FlushConcurrency <= 0 {
		cfg.FlushConcurrency = 4
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		st:               cfg.Store,
		fetcher:          cfg.Fetcher,
		sender:           cfg.Sender,
		reach:            cfg.Reachability,
		log:              cfg.Log,
		metrics:          cfg.Metrics,
		notifier:         cfg.Notifier,
		outbox:           outbox.New(cfg.Log),
		newerLimit:       cfg.NewerLimit,
		flushConcurrency: cfg.FlushConcurrency,
		netTimeout:       cfg.NetworkTimeout,
		now:              cfg.Now,
		lanes:            store.NewKeyedLocks(),
	}, nil
}

// Subscribe returns a change feed for key. The caller must Close it.
func (o *Orchestrator) Subscribe(key store.ConversationKey) *Subscription {
	return o.notifier.Subscribe(key, 0)
}

// Blocks returns the stored blocks of key ordered by Oldest.
func (o *Orchestrator) Blocks(ctx context.Context, key store.ConversationKey) ([]store.Block, error) {
	var out []store.Block
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = tx.ListBlocks(ctx)
		return err
	})
	return out, err
}

// ReadSince serves ids > afterID from the local mirror only.
func (o *Orchestrator) ReadSince(ctx context.Context, key store.ConversationKey, afterID int64, limit int) ([]store.Message, error) {
	var out []store.Message
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = tx.ReadSince(ctx, afterID, limit)
		return err
	})
	return out, err
}

// ReadBeforeInclusive serves up to limit ids <= uptoID from the local mirror only.
func (o *Orchestrator) ReadBeforeInclusive(ctx context.Context, key store.ConversationKey, uptoID int64, limit int) ([]store.Message, error) {
	var out []store.Message
	err := o.st.View(ctx, key, func(tx store.Tx) error {
		var err error
		out, err = tx.ReadBeforeInclusive(ctx, uptoID, limit)
		return err
	})
	return out, err
}

func (o *Orchestrator) reachable(ctx context.Context) bool {
	return o.reach.Reachable(ctx)
}

func (o *Orchestrator) publish(key store.ConversationKey, kinds ...ChangeKind) {
	for _, k := range kinds {
		o.notifier.Publish(Change{Key: key, Kind: k})
	}
}

// ingest reconciles and stores messages that arrived from the network.
// Edit and delete system messages update their parent in place when the
// parent is already cached. It returns how many pending sends were confirmed.
func (o *Orchestrator) ingest(ctx context.Context, tx store.Tx, msgs []store.Message) (int, error) {
	key := tx.Key()
	batch := make([]store.Message, 0, len(msgs))
	confirmed := 0

	for _, m := range msgs {
		m.Key = key

		matched, err := o.outbox.ReconcileIncoming(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		if matched {
			confirmed++
		}

		if parent, ok, err := o.parentUpdate(ctx, tx, m); err != nil {
			return 0, err
		} else if ok {
			batch = append(batch, parent)
		}
		batch = append(batch, m)
	}

	if err := tx.UpsertMany(ctx, batch); err != nil {
		return 0, err
	}
	return confirmed, nil
}

func (o *Orchestrator) parentUpdate(ctx context.Context, tx store.Tx, m store.Message) (store.Message, bool, error) {
	if m.SystemType != store.SystemMessageEdited && m.SystemType != store.SystemMessageDeleted {
		return store.Message{}, false, nil
	}

	parentID := m.ParentID
	if m.Parent != nil && m.Parent.ID != 0 {
		parentID = m.Parent.ID
	}
	if parentID == 0 {
		return store.Message{}, false, nil
	}

	cur, ok, err := tx.ReadOne(ctx, parentID)
	if err != nil || !ok {
		return store.Message{}, false, err
	}

	if m.Parent != nil {
		next := *m.Parent
		next.Key = tx.Key()
		next.ID = parentID
		next.Parent = nil
		next.Edited = next.Edited || cur.Edited
		next.Deleted = next.Deleted || cur.Deleted
		cur = next
	}
	if m.SystemType == store.SystemMessageDeleted {
		cur.Deleted = true
	} else {
		cur.Edited = true
	}
	return cur, true, nil
}

// mergeRange merges a fetched range and counts it.
func (o *Orchestrator) mergeRange(ctx context.Context, tx store.Tx, oldest, newest int64, hasHistory bool) (store.Block, error) {
	b, err := blocks.Merge(ctx, tx, oldest, newest, hasHistory)
	if err != nil {
		return store.Block{}, err
	}
	o.metrics.Merges.Inc()
	return b, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.netTimeout)
}
