package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test engine used when no database is configured.
//
// Concurrency model:
//   - Each conversation partition is copy-on-write. Update clones the
//     partition, runs fn on the clone and publishes it only on success, so a
//     failed or cancelled Update leaves nothing behind.
//   - A per-conversation writer lock serializes Updates of the same key.
//   - View reads a published partition, which is never mutated again.
type InMemoryStore struct {
	mu      sync.RWMutex
	parts   map[ConversationKey]*memPart
	writers *KeyedLocks
}

type memPart struct {
	msgs      map[int64]Message
	blocks    []Block // ordered by Oldest
	nextBlock int64
	pending   map[string]PendingSend
	nextSeq   int64
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		parts:   make(map[ConversationKey]*memPart),
		writers: NewKeyedLocks(),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) snapshot(key ConversationKey) *memPart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[key]
}

// Update runs fn against a private copy of the partition and publishes it on success.
func (s *InMemoryStore) Update(ctx context.Context, key ConversationKey, fn func(Tx) error) error {
	if !key.Valid() {
		return invalid("store.Update", "invalid conversation key")
	}
	if err := ctx.Err(); err != nil {
		return txFailed("store.Update", err)
	}

	unlock := s.writers.Lock(key)
	defer unlock()

	next := s.snapshot(key).clone()
	if err := fn(&memTx{key: key, part: next}); err != nil {
		return err
	}

	// Cancellation before publish discards the whole transaction.
	if err := ctx.Err(); err != nil {
		return txFailed("store.Update", err)
	}

	s.mu.Lock()
	s.parts[key] = next
	s.mu.Unlock()
	return nil
}

// View runs fn against the latest published partition.
func (s *InMemoryStore) View(ctx context.Context, key ConversationKey, fn func(Tx) error) error {
	if !key.Valid() {
		return invalid("store.View", "invalid conversation key")
	}
	if err := ctx.Err(); err != nil {
		return txFailed("store.View", err)
	}

	part := s.snapshot(key)
	if part == nil {
		part = newMemPart()
	}
	return fn(&memTx{key: key, part: part, readOnly: true})
}

// ConversationsWithPending lists keys holding at least one non-failed send.
func (s *InMemoryStore) ConversationsWithPending(ctx context.Context) ([]ConversationKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, txFailed("store.ConversationsWithPending", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ConversationKey
	for key, part := range s.parts {
		for _, p := range part.pending {
			if p.Status != StatusFailed {
				out = append(out, key)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Conversations lists keys holding at least one cached message.
func (s *InMemoryStore) Conversations(ctx context.Context) ([]ConversationKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, txFailed("store.Conversations", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ConversationKey
	for key, part := range s.parts {
		if len(part.msgs) > 0 {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func newMemPart() *memPart {
	return &memPart{
		msgs:    make(map[int64]Message),
		pending: make(map[string]PendingSend),
	}
}

func (p *memPart) clone() *memPart {
	if p == nil {
		return newMemPart()
	}
	return &memPart{
		msgs:      maps.Clone(p.msgs),
		blocks:    slices.Clone(p.blocks),
		nextBlock: p.nextBlock,
		pending:   maps.Clone(p.pending),
		nextSeq:   p.nextSeq,
	}
}

// memTx operates on one partition. Published partitions are only ever read.
type memTx struct {
	key      ConversationKey
	part     *memPart
	readOnly bool
}

func (t *memTx) Key() ConversationKey { return t.key }

func (t *memTx) writable(op string) error {
	if t.readOnly {
		return OpError{Op: op, Kind: ErrReadOnly}
	}
	return nil
}

// ---- messages ----

func (t *memTx) UpsertMany(_ context.Context, msgs []Message) error {
	if err := t.writable("store.UpsertMany"); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Key != t.key {
			return invalid("store.UpsertMany", "message belongs to another conversation")
		}
		m.Params = maps.Clone(m.Params)
		m.Parent = nil
		t.part.msgs[m.ID] = m
	}
	return nil
}

func (t *memTx) sortedIDs(keep func(int64) bool) []int64 {
	ids := make([]int64, 0, len(t.part.msgs))
	for id := range t.part.msgs {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *memTx) collect(ids []int64) []Message {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.part.msgs[id])
	}
	return out
}

func (t *memTx) ReadSince(_ context.Context, afterID int64, limit int) ([]Message, error) {
	ids := t.sortedIDs(func(id int64) bool { return id > afterID })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return t.collect(ids), nil
}

func (t *memTx) ReadBeforeInclusive(_ context.Context, uptoID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, invalid("store.ReadBeforeInclusive", "limit must be positive")
	}
	ids := t.sortedIDs(func(id int64) bool { return id <= uptoID })
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return t.collect(ids), nil
}

func (t *memTx) ReadOne(_ context.Context, id int64) (Message, bool, error) {
	m, ok := t.part.msgs[id]
	return m, ok, nil
}

func (t *memTx) DeleteRange(_ context.Context, fromID, toID int64) (int64, error) {
	if err := t.writable("store.DeleteRange"); err != nil {
		return 0, err
	}
	var n int64
	for id := range t.part.msgs {
		if fromID <= id && id <= toID {
			delete(t.part.msgs, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountBetween(_ context.Context, oldestID, newestID int64) (int64, error) {
	var n int64
	for id := range t.part.msgs {
		if oldestID <= id && id <= newestID {
			n++
		}
	}
	return n, nil
}

// ---- blocks ----

func (t *memTx) FindConnected(_ context.Context, oldest, newest int64) ([]Block, error) {
	var out []Block
	for _, b := range t.part.blocks {
		if b.Touches(oldest, newest) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) CoveringBlock(_ context.Context, id int64) (Block, bool, error) {
	for _, b := range t.part.blocks {
		if b.Contains(id) {
			return b, true, nil
		}
	}
	return Block{}, false, nil
}

func (t *memTx) OldestBlock(_ context.Context) (Block, bool, error) {
	if len(t.part.blocks) == 0 {
		return Block{}, false, nil
	}
	return t.part.blocks[0], true, nil
}

func (t *memTx) ListBlocks(_ context.Context) ([]Block, error) {
	return slices.Clone(t.part.blocks), nil
}

func (t *memTx) InsertBlock(_ context.Context, b Block) (Block, error) {
	if err := t.writable("store.InsertBlock"); err != nil {
		return Block{}, err
	}
	if b.Oldest > b.Newest {
		return Block{}, invalid("store.InsertBlock", "oldest > newest")
	}
	t.part.nextBlock++
	b.ID = t.part.nextBlock
	b.Key = t.key
	t.part.blocks = append(t.part.blocks, b)
	t.sortBlocks()
	return b, nil
}

func (t *memTx) UpdateBlock(_ context.Context, b Block) error {
	if err := t.writable("store.UpdateBlock"); err != nil {
		return err
	}
	if b.Oldest > b.Newest {
		return invalid("store.UpdateBlock", "oldest > newest")
	}
	for i := range t.part.blocks {
		if t.part.blocks[i].ID == b.ID {
			b.Key = t.key
			t.part.blocks[i] = b
			t.sortBlocks()
			return nil
		}
	}
	return OpError{Op: "store.UpdateBlock", Kind: ErrNotFound}
}

func (t *memTx) DeleteBlocks(_ context.Context, ids ...int64) error {
	if err := t.writable("store.DeleteBlocks"); err != nil {
		return err
	}
	t.part.blocks = slices.DeleteFunc(t.part.blocks, func(b Block) bool {
		return slices.Contains(ids, b.ID)
	})
	return nil
}

func (t *memTx) sortBlocks() {
	sort.Slice(t.part.blocks, func(i, j int) bool { return t.part.blocks[i].Oldest < t.part.blocks[j].Oldest })
}

// ---- pending sends ----

func (t *memTx) GetPending(_ context.Context, referenceID string) (PendingSend, bool, error) {
	p, ok := t.part.pending[referenceID]
	return p, ok, nil
}

func (t *memTx) PutPending(_ context.Context, p PendingSend) (PendingSend, error) {
	if err := t.writable("store.PutPending"); err != nil {
		return PendingSend{}, err
	}
	if p.ReferenceID == "" {
		return PendingSend{}, invalid("store.PutPending", "missing reference id")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, exists := t.part.pending[p.ReferenceID]
	switch {
	case exists && p.Seq == 0:
		return PendingSend{}, OpError{Op: "store.PutPending", Kind: ErrConflict}
	case !exists && p.Seq != 0:
		return PendingSend{}, OpError{Op: "store.PutPending", Kind: ErrNotFound}
	case p.Seq == 0:
		t.part.nextSeq++
		p.Seq = t.part.nextSeq
	}
	p.Key = t.key
	p.Draft.Params = maps.Clone(p.Draft.Params)
	t.part.pending[p.ReferenceID] = p
	return p, nil
}

func (t *memTx) DeletePending(_ context.Context, referenceID string) error {
	if err := t.writable("store.DeletePending"); err != nil {
		return err
	}
	delete(t.part.pending, referenceID)
	return nil
}

func (t *memTx) ListPending(_ context.Context) ([]PendingSend, error) {
	out := make([]PendingSend, 0, len(t.part.pending))
	for _, p := range t.part.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) Clear(_ context.Context) error {
	if err := t.writable("store.Clear"); err != nil {
		return err
	}
	*t.part = memPart{
		msgs:      make(map[int64]Message),
		pending:   make(map[string]PendingSend),
		nextBlock: t.part.nextBlock,
		nextSeq:   t.part.nextSeq,
	}
	return nil
}
