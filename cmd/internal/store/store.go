// Package store is the local persistence layer of the chat-history cache.
//
// It holds three per-conversation structures (messages, fetched-range blocks,
// pending sends) behind one transactional contract so that a fetch result, a
// block merge and a send confirmation are applied all-or-nothing.
package store

import (
	"context"
	"math"
)

// Store is the storage engine contract.
//
// Requirements:
//   - Update runs fn in a read-write transaction scoped to one conversation.
//     Updates of the same conversation are serialized; different conversations
//     proceed in parallel. If fn returns an error nothing is applied.
//   - View runs fn against a consistent snapshot. It may observe the state
//     before or after a concurrent Update, never a partial one.
type Store interface {
	Update(ctx context.Context, key ConversationKey, fn func(Tx) error) error
	View(ctx context.Context, key ConversationKey, fn func(Tx) error) error

	// ConversationsWithPending lists keys that hold at least one non-failed send.
	ConversationsWithPending(ctx context.Context) ([]ConversationKey, error)
	// Conversations lists keys that hold at least one cached message.
	Conversations(ctx context.Context) ([]ConversationKey, error)

	Close() error
}

// Tx exposes the primitives of one conversation partition.
// All reads are ordered by message id / block oldest ascending unless stated.
type Tx interface {
	Key() ConversationKey

	// ---- messages ----

	// UpsertMany stores messages by InternalKey; last write wins per key.
	UpsertMany(ctx context.Context, msgs []Message) error
	// ReadSince returns ids > afterID ascending. limit <= 0 means unbounded.
	ReadSince(ctx context.Context, afterID int64, limit int) ([]Message, error)
	// ReadBeforeInclusive returns up to limit messages with id <= uptoID,
	// taking the newest first, and returns them ascending.
	ReadBeforeInclusive(ctx context.Context, uptoID int64, limit int) ([]Message, error)
	ReadOne(ctx context.Context, id int64) (Message, bool, error)
	DeleteRange(ctx context.Context, fromID, toID int64) (int64, error)
	CountBetween(ctx context.Context, oldestID, newestID int64) (int64, error)

	// ---- blocks ----

	// FindConnected returns blocks overlapping or adjacent to [oldest, newest].
	FindConnected(ctx context.Context, oldest, newest int64) ([]Block, error)
	// CoveringBlock returns the block containing id.
	CoveringBlock(ctx context.Context, id int64) (Block, bool, error)
	// OldestBlock returns the block with the smallest Oldest.
	OldestBlock(ctx context.Context) (Block, bool, error)
	ListBlocks(ctx context.Context) ([]Block, error)
	InsertBlock(ctx context.Context, b Block) (Block, error)
	UpdateBlock(ctx context.Context, b Block) error
	DeleteBlocks(ctx context.Context, ids ...int64) error

	// ---- pending sends ----

	GetPending(ctx context.Context, referenceID string) (PendingSend, bool, error)
	// PutPending inserts a send when Seq is zero (allocating the next Seq;
	// ErrConflict if the reference id exists) and otherwise updates the
	// status and attempts of an existing send (ErrNotFound if absent).
	PutPending(ctx context.Context, p PendingSend) (PendingSend, error)
	DeletePending(ctx context.Context, referenceID string) error
	// ListPending returns sends ordered by Seq.
	ListPending(ctx context.Context) ([]PendingSend, error)

	// Clear removes every message, block and pending send of the partition.
	Clear(ctx context.Context) error
}

// Range bounds for open-ended queries.
const (
	MinID int64 = math.MinInt64 + 1
	MaxID int64 = math.MaxInt64 - 1
)
