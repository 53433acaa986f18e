// Package transport provides the network collaborators of the sync
// orchestrator: an HTTP history/send client, a reachability prober and a
// websocket live channel speaking v1 envelopes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
	"chatcache/cmd/internal/syncer"
)

const (
	defaultHTTPTimeout = 15 * time.Second

	// Hard cap on a response body.
	maxBodyBytes = 4 << 20

	headerAccount = "X-Chatcache-Account"
)

// Client talks to the chat server's HTTP API for one account.
//
//	GET  {base}/v1/conversations/{id}/messages?direction=older|newer&anchor=N&limit=L
//	POST {base}/v1/conversations/{id}/messages
type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
	log       *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(baseURL, accountID string, opts ...Option) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("transport: missing account id")
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// AccountID is the account every key passed to the client must belong to.
func (c *Client) AccountID() string { return c.accountID }

// Fetch reads one history page.
func (c *Client) Fetch(ctx context.Context, key store.ConversationKey, dir syncer.Direction, anchorID int64, limit int) (syncer.FetchResult, error) {
	const op = "transport.Fetch"
	if err := c.checkKey(op, key); err != nil {
		return syncer.FetchResult{}, err
	}
	if limit <= 0 {
		return syncer.FetchResult{}, store.OpError{Op: op, Kind: store.ErrInvalidInput}
	}

	q := url.Values{}
	q.Set("direction", string(dir))
	q.Set("anchor", strconv.FormatInt(anchorID, 10))
	q.Set("limit", strconv.Itoa(limit))

	var page HistoryPayload
	if err := c.do(ctx, op, http.MethodGet, messagesPath(key), q, nil, &page); err != nil {
		return syncer.FetchResult{}, err
	}

	out := syncer.FetchResult{
		Messages: make([]store.Message, 0, len(page.Messages)),
		HasMore:  page.HasMore,
	}
	for _, p := range page.Messages {
		if p.ConversationID == "" {
			p.ConversationID = key.Token
		}
		out.Messages = append(out.Messages, p.ToMessage(key.AccountID))
	}

	c.log.Debug("transport.fetch",
		"conversation", key.String(),
		"direction", string(dir),
		"anchor", anchorID,
		"limit", limit,
		"count", len(out.Messages),
		"has_more", out.HasMore,
	)
	return out, nil
}

// Send posts a draft under referenceID. The server dedupes by it, so a
// repeated call returns the id assigned the first time.
func (c *Client) Send(ctx context.Context, key store.ConversationKey, referenceID string, draft store.Draft) (outbox.Ack, error) {
	const op = "transport.Send"
	if err := c.checkKey(op, key); err != nil {
		return outbox.Ack{}, err
	}
	if strings.TrimSpace(referenceID) == "" {
		return outbox.Ack{}, store.OpError{Op: op, Kind: store.ErrInvalidInput}
	}

	body := SendPayload{
		ConversationID: key.Token,
		ClientMsgID:    referenceID,
		Sender:         draft.Actor,
		Text:           draft.Body,
		Params:         draft.Params,
	}

	var ack SendAckPayload
	if err := c.do(ctx, op, http.MethodPost, messagesPath(key), nil, body, &ack); err != nil {
		return outbox.Ack{}, err
	}
	if ack.Seq == 0 {
		return outbox.Ack{}, &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkUnavailable, Err: errors.New("ack without seq")}
	}
	if ack.ClientMsgID != "" && ack.ClientMsgID != referenceID {
		return outbox.Ack{}, &syncer.NetworkError{
			Op:   op,
			Kind: syncer.ErrNetworkRejected,
			Err:  fmt.Errorf("ack for %q, sent %q", ack.ClientMsgID, referenceID),
		}
	}
	return outbox.Ack{ID: ack.Seq, Timestamp: ack.ServerTS}, nil
}

func (c *Client) checkKey(op string, key store.ConversationKey) error {
	if !key.Valid() || key.AccountID != c.accountID {
		return store.OpError{Op: op, Kind: store.ErrInvalidInput}
	}
	return nil
}

func messagesPath(key store.ConversationKey) string {
	return "/v1/conversations/" + url.PathEscape(key.Token) + "/messages"
}

// do runs one JSON round trip. Every failure comes back as a
// *syncer.NetworkError.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAccount, c.accountID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return requestErr(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return requestErr(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusErr(op, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func requestErr(op string, err error) error {
	kind := syncer.ErrNetworkUnavailable
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = syncer.ErrNetworkTimeout
	}
	return &syncer.NetworkError{Op: op, Kind: kind, Err: err}
}

// statusErr maps an HTTP failure status: client errors are rejections, except
// 408 and 429 which are worth retrying; server errors mean unavailable.
func statusErr(op string, code int, body []byte) error {
	var p ErrorPayload
	_ = json.Unmarshal(body, &p)

	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := fmt.Errorf("status %d: %s", code, msg)
	if p.Code != "" {
		err = fmt.Errorf("status %d (%s): %s", code, p.Code, msg)
	}

	switch {
	case code == http.StatusRequestTimeout:
		return &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkTimeout, Err: err}
	case code == http.StatusTooManyRequests:
		return &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkUnavailable, Err: err}
	case code >= 400 && code < 500:
		return &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkRejected, Err: err}
	default:
		return &syncer.NetworkError{Op: op, Kind: syncer.ErrNetworkUnavailable, Err: err}
	}
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
