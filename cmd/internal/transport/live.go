package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
)

const (
	liveDefaultBaseDelay    = 1 * time.Second
	liveDefaultMaxDelay     = 30 * time.Second
	liveDefaultPingInterval = 25 * time.Second
	liveDefaultPingTimeout  = 5 * time.Second
	liveDialTimeout         = 10 * time.Second
	liveWriteTimeout        = 5 * time.Second
	liveMaxPingFailures     = 3

	// A connection that stayed up this long resets the backoff.
	liveStableAfter = 60 * time.Second

	// Max bytes per websocket frame read.
	liveMaxFrameBytes = 1 << 20
)

var (
	ErrLiveClosed = errors.New("live_closed")
	ErrLiveGaveUp = errors.New("live_reconnect_exhausted")

	errBadJSON = errors.New("bad_json")
)

// LiveConfig configures a LiveChannel.
type LiveConfig struct {
	URL       string
	AccountID string
	Token     string

	// Conversations narrows the stream; empty means every conversation.
	Conversations []string

	Log *slog.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive failed dials (0 = retry forever).
	MaxAttempts int

	PingInterval time.Duration
	PingTimeout  time.Duration

	// OnConnect runs after every successful handshake, OnDisconnect after a
	// connection is lost. Both run on the reading goroutine.
	OnConnect    func()
	OnDisconnect func(err error)
}

// LiveChannel is a reconnecting websocket subscription to message_new pushes.
//
// Next dials lazily, redials with exponential backoff and jitter after a
// drop, and keeps the connection alive with pings. Cancelling the context of
// a Next call in the middle of a read closes the current connection; the next
// call reconnects. Next must not be called concurrently.
type LiveChannel struct {
	cfg LiveConfig
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopPing context.CancelFunc

	attempt     int
	failures    int
	dialed      bool
	connectedAt time.Time

	closed atomic.Bool
}

func NewLiveChannel(cfg LiveConfig) (*LiveChannel, error) {
	if err := validateWSURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("transport: invalid live url: %w", err)
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("transport: missing account id")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = liveDefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = liveDefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = liveDefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = liveDefaultPingTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &LiveChannel{cfg: cfg, log: cfg.Log}, nil
}

// Next blocks until a message is pushed, ctx ends, the channel is closed or
// reconnecting gives up.
func (l *LiveChannel) Next(ctx context.Context) (store.Message, error) {
	for {
		if l.closed.Load() {
			return store.Message{}, ErrLiveClosed
		}

		conn, err := l.ensure(ctx)
		if err != nil {
			return store.Message{}, err
		}

		env, err := readEnvelope(ctx, conn)
		if errors.Is(err, errBadJSON) {
			l.log.Warn("live.envelope.invalid", "err", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				l.drop(conn, websocket.StatusNormalClosure, nil)
				return store.Message{}, ctx.Err()
			}
			if l.closed.Load() {
				return store.Message{}, ErrLiveClosed
			}
			l.drop(conn, websocket.StatusGoingAway, err)
			continue
		}

		if err := env.Validate(); err != nil {
			l.log.Warn("live.envelope.invalid", "err", err)
			continue
		}

		switch env.Type {
		case TypeMessageNew:
			var p MessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				l.log.Warn("live.message.invalid", "envelope_id", env.ID, "err", err)
				continue
			}
			m := p.ToMessage(l.cfg.AccountID)
			if !m.Key.Valid() || m.ID == 0 {
				l.log.Warn("live.message.invalid", "envelope_id", env.ID, "conversation", p.ConversationID, "seq", p.Seq)
				continue
			}
			return m, nil

		case TypeError:
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			l.log.Warn("live.server_error", "code", p.Code, "message", p.Message)

		default:
			l.log.Debug("live.envelope", "type", env.Type, "envelope_id", env.ID)
		}
	}
}

// Close stops the channel. A blocked Next returns ErrLiveClosed.
func (l *LiveChannel) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		l.drop(conn, websocket.StatusNormalClosure, nil)
	}
	return nil
}

// ensure returns the live connection, dialing with backoff when there is none.
func (l *LiveChannel) ensure(ctx context.Context) (*websocket.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	for {
		if l.cfg.MaxAttempts > 0 && l.failures >= l.cfg.MaxAttempts {
			return nil, fmt.Errorf("transport: live after %d failed dials: %w", l.failures, ErrLiveGaveUp)
		}

		if l.dialed {
			delay := l.nextDelay()
			l.log.Info("live.reconnect", "attempt", l.attempt, "delay", delay.String())

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		if l.closed.Load() {
			return nil, ErrLiveClosed
		}

		l.dialed = true
		conn, err := l.dial(ctx)
		if err == nil {
			l.failures = 0
			l.adopt(conn)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.failures++
		l.log.Warn("live.dial.fail", "failures", l.failures, "err", err)
	}
}

// nextDelay is base * 2^attempt plus up to base/2 of jitter, capped at max.
func (l *LiveChannel) nextDelay() time.Duration {
	if !l.connectedAt.IsZero() && time.Since(l.connectedAt) > liveStableAfter {
		l.attempt = 0
	}
	l.connectedAt = time.Time{}

	delay := l.cfg.BaseDelay << min(l.attempt, 30)
	if delay <= 0 || delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	delay += time.Duration(rand.Int64N(int64(l.cfg.BaseDelay)/2 + 1))
	l.attempt++
	return min(delay, l.cfg.MaxDelay)
}

func (l *LiveChannel) dial(parent context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, liveDialTimeout)
	defer cancel()

	h := http.Header{}
	if l.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+l.cfg.Token)
	}
	h.Set(headerAccount, l.cfg.AccountID)

	conn, resp, err := websocket.Dial(ctx, l.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(liveMaxFrameBytes)

	if err := l.handshake(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return conn, nil
}

// handshake sends hello, waits for hello_ack and joins the configured
// conversations. Join echoes are consumed by Next.
func (l *LiveChannel) handshake(ctx context.Context, conn *websocket.Conn) error {
	now := time.Now().UTC()
	if err := l.send(ctx, conn, TypeHello, HelloPayload{AccountID: l.cfg.AccountID, Token: l.cfg.Token}, now); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return fmt.Errorf("hello_ack: %w", err)
		}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("hello_ack: %w", err)
		}
		if env.Type == TypeError {
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("hello rejected: %s: %s", p.Code, p.Message)
		}
		if env.Type != TypeHelloAck {
			continue
		}

		var ack HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("hello_ack payload: %w", err)
		}
		l.log.Info("live.connected", "session_id", ack.SessionID, "url", l.cfg.URL)
		break
	}

	for _, id := range l.cfg.Conversations {
		if err := l.send(ctx, conn, TypeConversationJoin, ConversationJoinPayload{ConversationID: id}, now); err != nil {
			return fmt.Errorf("join %s: %w", id, err)
		}
	}
	return nil
}

func (l *LiveChannel) send(parent context.Context, conn *websocket.Conn, typ string, payload any, now time.Time) error {
	id, err := outbox.NewReferenceID(now)
	if err != nil {
		return err
	}
	env, err := newEnvelope(typ, id, payload, now)
	if err != nil {
		return err
	}
	return writeEnvelope(parent, conn, env)
}

func (l *LiveChannel) adopt(conn *websocket.Conn) {
	pingCtx, stop := context.WithCancel(context.Background())

	l.mu.Lock()
	l.conn = conn
	l.stopPing = stop
	l.mu.Unlock()

	l.connectedAt = time.Now()
	go l.heartbeat(pingCtx, conn)

	if l.cfg.OnConnect != nil {
		l.cfg.OnConnect()
	}
}

// drop forgets conn (if still current) and closes it.
func (l *LiveChannel) drop(conn *websocket.Conn, code websocket.StatusCode, cause error) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		if l.stopPing != nil {
			l.stopPing()
			l.stopPing = nil
		}
	}
	l.mu.Unlock()

	_ = conn.Close(code, "bye")

	if !current || cause == nil {
		return
	}
	l.log.Info("live.disconnected", "close_status", int(websocket.CloseStatus(cause)), "err", cause)
	if l.cfg.OnDisconnect != nil {
		l.cfg.OnDisconnect(cause)
	}
}

func (l *LiveChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(l.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(ctx, l.cfg.PingTimeout)
			err := conn.Ping(hbCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			l.log.Info("live.ping.fail", "failures", failures, "err", err)
			if failures >= liveMaxPingFailures {
				// The pending read fails and Next reconnects.
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(parent, liveWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
