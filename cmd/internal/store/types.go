package store

import (
	"strings"
	"time"
)

// ConversationKey partitions every cached structure.
// It is stable for the lifetime of an account's membership and never reused.
type ConversationKey struct {
	AccountID string
	Token     string
}

// Valid reports whether both parts are non-empty.
func (k ConversationKey) Valid() bool {
	return strings.TrimSpace(k.AccountID) != "" && strings.TrimSpace(k.Token) != ""
}

// String is used for logs and advisory lock keys.
func (k ConversationKey) String() string {
	return k.AccountID + "/" + k.Token
}

// System message types that mutate an earlier message in place.
const (
	SystemMessageEdited  = "message_edited"
	SystemMessageDeleted = "message_deleted"
)

// Message is one server-ordered chat entry.
//
// Identity is (Key, ID). ID is assigned by the server and grows monotonically
// per conversation; it is not unique across conversations.
type Message struct {
	Key         ConversationKey
	ID          int64
	Actor       string
	Body        string
	Timestamp   time.Time
	Edited      bool
	Deleted     bool
	Params      map[string]any
	ReferenceID string
	SystemType  string
	ParentID    int64

	// Parent is the server's copy of the message an edit/delete system message
	// refers to. It is applied on ingest and never persisted.
	Parent *Message
}

// InternalKey is the globally unique storage identity of a Message.
type InternalKey struct {
	Key ConversationKey
	ID  int64
}

// InternalKey returns the storage identity of m.
func (m Message) InternalKey() InternalKey {
	return InternalKey{Key: m.Key, ID: m.ID}
}

// Block claims that [Oldest, Newest] is fully and contiguously present in the
// message table for Key. HasHistory reports whether the server still holds
// messages older than Oldest.
type Block struct {
	ID         int64
	Key        ConversationKey
	Oldest     int64
	Newest     int64
	HasHistory bool
}

// Contains reports whether id lies inside the block.
func (b Block) Contains(id int64) bool {
	return b.Oldest <= id && id <= b.Newest
}

// Touches reports whether b overlaps or is adjacent to [oldest, newest].
func (b Block) Touches(oldest, newest int64) bool {
	return b.Oldest <= newest+1 && oldest-1 <= b.Newest
}

// SendStatus is the lifecycle state of a PendingSend.
type SendStatus string

const (
	StatusPending         SendStatus = "pending"
	StatusSentAwaitingAck SendStatus = "sent_awaiting_ack"
	StatusConfirmed       SendStatus = "confirmed"
	StatusFailed          SendStatus = "failed"
)

// Terminal reports whether no further automatic transition is possible.
func (s SendStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Draft is the locally authored content of a send.
type Draft struct {
	Actor  string
	Body   string
	Params map[string]any
}

// PendingSend is an optimistic message awaiting server confirmation.
// Seq orders sends within a conversation (original send order).
type PendingSend struct {
	Key         ConversationKey
	ReferenceID string
	Seq         int64
	Draft       Draft
	Status      SendStatus
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
