package syncer

import (
	"context"

	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
)

// Direction selects which side of the anchor a fetch reads.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// FetchResult is one page returned by the server.
type FetchResult struct {
	Messages []store.Message

	// HasMore reports whether the server holds further messages beyond the
	// page in the fetch direction. For Older it is the hasMoreHistory flag.
	HasMore bool
}

// Fetcher reads a page of the remote log.
//
// Older returns up to limit messages with id < anchorID (the newest ones);
// Newer returns up to limit messages with id > anchorID (the oldest ones).
// Within that range the server omits nothing.
type Fetcher interface {
	Fetch(ctx context.Context, key store.ConversationKey, dir Direction, anchorID int64, limit int) (FetchResult, error)
}

// Sender posts a draft. The server dedupes by referenceID.
type Sender interface {
	Send(ctx context.Context, key store.ConversationKey, referenceID string, draft store.Draft) (outbox.Ack, error)
}

// Reachability is polled at the start of every network-capable operation.
type Reachability interface {
	Reachable(ctx context.Context) bool
}

// LiveUpdateChannel delivers pushed messages. Next blocks until a message
// arrives, the context ends, or the channel gives up for good.
type LiveUpdateChannel interface {
	Next(ctx context.Context) (store.Message, error)
}

// AlwaysReachable is used when no reachability probe is configured.
type AlwaysReachable struct{}

func (AlwaysReachable) Reachable(context.Context) bool { return true }
