package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const testAccount = "acct"

// chatServer is a minimal in-memory chat server speaking the HTTP API and the
// live websocket protocol.
type chatServer struct {
	t *testing.T

	mu   sync.Mutex
	logs map[string][]MessagePayload
	refs map[string]int64

	lastHeader http.Header

	// push is drained by every live connection in turn.
	push chan MessagePayload
	// dropAfter closes a live connection after that many pushes (0 = never).
	dropAfter atomic.Int32

	conns atomic.Int32
	joins chan string

	srv *httptest.Server
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	s := &chatServer{
		t:     t,
		logs:  make(map[string][]MessagePayload),
		refs:  make(map[string]int64),
		push:  make(chan MessagePayload, 16),
		joins: make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleHistory)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSend)
	mux.HandleFunc("GET /live", s.handleLive)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/live"
}

func (s *chatServer) seed(conv string, from, to int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := from; id <= to; id++ {
		s.logs[conv] = append(s.logs[conv], MessagePayload{
			ConversationID: conv,
			Seq:            id,
			Sender:         "user-1",
			Text:           "message " + strconv.FormatInt(id, 10),
			ServerTS:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		})
	}
}

func (s *chatServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	q := r.URL.Query()
	anchor, _ := strconv.ParseInt(q.Get("anchor"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	log := s.logs[conv]
	s.mu.Unlock()

	out := HistoryPayload{ConversationID: conv}
	switch q.Get("direction") {
	case "older":
		var below []MessagePayload
		for _, m := range log {
			if m.Seq < anchor {
				below = append(below, m)
			}
		}
		if len(below) > limit {
			below = below[len(below)-limit:]
			out.HasMore = true
		}
		out.Messages = below
	case "newer":
		for _, m := range log {
			if m.Seq > anchor {
				out.Messages = append(out.Messages, m)
			}
		}
		if len(out.Messages) > limit {
			out.Messages = out.Messages[:limit]
			out.HasMore = true
		}
	default:
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Code: "bad_direction", Message: "direction must be older or newer"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *chatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")

	var p SendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || strings.TrimSpace(p.Text) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorPayload{Code: "bad_message", Message: "text required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeader = r.Header.Clone()

	if seq, ok := s.refs[p.ClientMsgID]; ok {
		writeJSON(w, http.StatusOK, SendAckPayload{ConversationID: conv, ClientMsgID: p.ClientMsgID, Seq: seq})
		return
	}

	var next int64 = 1
	if log := s.logs[conv]; len(log) > 0 {
		next = log[len(log)-1].Seq + 1
	}
	m := MessagePayload{
		ConversationID: conv,
		Seq:            next,
		Sender:         p.Sender,
		Text:           p.Text,
		ServerTS:       time.Now().UTC(),
		ClientMsgID:    p.ClientMsgID,
	}
	s.logs[conv] = append(s.logs[conv], m)
	s.refs[p.ClientMsgID] = next
	writeJSON(w, http.StatusCreated, SendAckPayload{ConversationID: conv, ClientMsgID: p.ClientMsgID, Seq: next, ServerTS: m.ServerTS})
}

func (s *chatServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.conns.Add(1)

	ctx := r.Context()

	env, err := readEnvelope(ctx, conn)
	if err != nil || env.Type != TypeHello {
		return
	}
	var hello HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.AccountID != testAccount {
		s.writeEnv(ctx, conn, TypeError, ErrorPayload{Code: "hello_failed", Message: "unknown account"})
		return
	}
	s.writeEnv(ctx, conn, TypeHelloAck, HelloAckPayload{SessionID: "session-" + strconv.Itoa(int(s.conns.Load()))})

	// Client frames (joins, pongs) are read in the background.
	go func() {
		for {
			env, err := readEnvelope(ctx, conn)
			if err != nil {
				return
			}
			if env.Type == TypeConversationJoin {
				var p ConversationJoinPayload
				_ = json.Unmarshal(env.Payload, &p)
				s.joins <- p.ConversationID
				s.writeEnv(ctx, conn, TypeConversationJoin, p)
			}
		}
	}()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.push:
			s.writeEnv(ctx, conn, TypeMessageNew, m)
			sent++
			if n := int(s.dropAfter.Load()); n > 0 && sent >= n {
				_ = conn.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	}
}

func (s *chatServer) writeEnv(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	env, err := newEnvelope(typ, "srv", payload, time.Now().UTC())
	if err != nil {
		s.t.Errorf("server envelope: %v", err)
		return
	}
	_ = writeEnvelope(ctx, conn, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
