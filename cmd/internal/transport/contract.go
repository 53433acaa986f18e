package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcache/cmd/internal/store"
)

// Version is the protocol version embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the live websocket.
const Subprotocol = "chatcache.live.v1"

// Envelope types (wire-stable).
const (
	// TypeHello starts a session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeConversationJoin subscribes to one conversation and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeMessageNew pushes a message accepted by the server.
	TypeMessageNew = "message_new"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical websocket wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeHello, TypeHelloAck, TypeConversationJoin, TypeMessageNew, TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- payloads ----

// HelloPayload authenticates the live session.
type HelloPayload struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationJoinPayload narrows the push stream to one conversation.
// A session that joins nothing receives every conversation of the account.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessagePayload is the wire form of a message, shared by message_new pushes
// and HTTP history pages.
type MessagePayload struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Sender         string          `json:"sender"`
	Text           string          `json:"text"`
	ServerTS       time.Time       `json:"server_ts"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	Edited         bool            `json:"edited,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	SystemType     string          `json:"system_type,omitempty"`
	ParentSeq      int64           `json:"parent_seq,omitempty"`
	Parent         *MessagePayload `json:"parent,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
}

// HistoryPayload is one page of GET /v1/conversations/{id}/messages.
type HistoryPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// SendPayload is the body of POST /v1/conversations/{id}/messages.
type SendPayload struct {
	ConversationID string         `json:"conversation_id"`
	ClientMsgID    string         `json:"client_msg_id"`
	Sender         string         `json:"sender,omitempty"`
	Text           string         `json:"text"`
	Params         map[string]any `json:"params,omitempty"`
}

// SendAckPayload returns the server id of an accepted (or deduplicated) send.
type SendAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	Seq            int64     `json:"seq"`
	ServerTS       time.Time `json:"server_ts"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- conversions ----

// ToMessage converts a wire message of accountID into the cached form.
func (p MessagePayload) ToMessage(accountID string) store.Message {
	m := store.Message{
		Key:         store.ConversationKey{AccountID: accountID, Token: p.ConversationID},
		ID:          p.Seq,
		Actor:       p.Sender,
		Body:        p.Text,
		Timestamp:   p.ServerTS,
		Edited:      p.Edited,
		Deleted:     p.Deleted,
		Params:      p.Params,
		ReferenceID: p.ClientMsgID,
		SystemType:  p.SystemType,
		ParentID:    p.ParentSeq,
	}
	if p.Parent != nil {
		parent := p.Parent.ToMessage(accountID)
		m.Parent = &parent
	}
	return m
}

// FromMessage is the inverse of ToMessage.
func FromMessage(m store.Message) MessagePayload {
	p := MessagePayload{
		ConversationID: m.Key.Token,
		Seq:            m.ID,
		Sender:         m.Actor,
		Text:           m.Body,
		ServerTS:       m.Timestamp,
		ClientMsgID:    m.ReferenceID,
		Edited:         m.Edited,
		Deleted:        m.Deleted,
		SystemType:     m.SystemType,
		ParentSeq:      m.ParentID,
		Params:         m.Params,
	}
	if m.Parent != nil {
		parent := FromMessage(*m.Parent)
		p.Parent = &parent
	}
	return p
}

func newEnvelope(typ, id string, payload any, ts time.Time) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: b}, nil
}
