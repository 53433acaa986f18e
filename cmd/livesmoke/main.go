// Package main is a CI-friendly smoke test of a chat server against the
// chatcache transport.
//
// It validates:
//   - reachability probe
//   - live handshake (hello/ack) and conversation join
//   - send -> ack over HTTP
//   - the sent message arriving as message_new on the live channel
//   - idempotent dedupe by client reference id
//   - history fetch containing the message
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatcache/cmd/internal/outbox"
	"chatcache/cmd/internal/store"
	"chatcache/cmd/internal/syncer"
	"chatcache/cmd/internal/transport"
)

type options struct {
	baseURL string
	liveURL string
	account string
	token   string
	convID  string
	text    string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "livesmoke",
		Short:        "Smoke-test a chat server through the chatcache transport",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var w io.Writer = io.Discard
			if opts.verbose {
				w = cmd.ErrOrStderr()
			}
			log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))

			if err := run(cmd.Context(), opts, cmd.OutOrStdout(), log); err != nil {
				return fmt.Errorf("SMOKE FAIL: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SMOKE OK")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base", "http://127.0.0.1:8080", "Chat server HTTP base URL")
	f.StringVar(&opts.liveURL, "live", "ws://127.0.0.1:8080/live", "Live websocket URL")
	f.StringVar(&opts.account, "account", "smoke", "Account id")
	f.StringVar(&opts.token, "token", "", "Bearer token")
	f.StringVar(&opts.convID, "conv", "dev-room-1", "Conversation to use")
	f.StringVar(&opts.text, "text", "hello chatcache", "Message text to send")
	f.DurationVar(&opts.timeout, "timeout", 7*time.Second, "Per-step timeout")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(root context.Context, opts options, out io.Writer, log *slog.Logger) error {
	key := store.ConversationKey{AccountID: opts.account, Token: opts.convID}

	prober := transport.NewProber(opts.baseURL+"/healthz", transport.WithProbeLogger(log))
	if !prober.Reachable(root) {
		return errors.New("server not reachable")
	}

	client, err := transport.NewClient(opts.baseURL, opts.account, transport.WithToken(opts.token), transport.WithLogger(log))
	if err != nil {
		return err
	}

	connected := make(chan struct{}, 1)
	live, err := transport.NewLiveChannel(transport.LiveConfig{
		URL:           opts.liveURL,
		AccountID:     opts.account,
		Token:         opts.token,
		Conversations: []string{opts.convID},
		Log:           log,
		MaxAttempts:   3,
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = live.Close() }()

	pushes := make(chan store.Message, 16)
	liveErr := make(chan error, 1)
	go func() {
		for {
			m, err := live.Next(root)
			if err != nil {
				liveErr <- err
				return
			}
			pushes <- m
		}
	}()

	select {
	case <-connected:
	case err := <-liveErr:
		return fmt.Errorf("live connect: %w", err)
	case <-time.After(opts.timeout):
		return errors.New("live connect: timeout")
	}

	ref, err := outbox.NewReferenceID(time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(root, opts.timeout)
	ack, err := client.Send(ctx, key, ref, store.Draft{Actor: opts.account, Body: opts.text})
	cancel()
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Fprintf(out, "send ok: reference_id=%s id=%d\n", ref, ack.ID)

	if err := awaitPush(pushes, liveErr, ref, opts.timeout); err != nil {
		return err
	}
	fmt.Fprintln(out, "live fanout ok")

	ctx, cancel = context.WithTimeout(root, opts.timeout)
	again, err := client.Send(ctx, key, ref, store.Draft{Actor: opts.account, Body: opts.text})
	cancel()
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	if again.ID != ack.ID {
		return fmt.Errorf("dedupe: resend got id=%d want=%d", again.ID, ack.ID)
	}
	fmt.Fprintln(out, "dedupe ok")

	ctx, cancel = context.WithTimeout(root, opts.timeout)
	res, err := client.Fetch(ctx, key, syncer.Older, ack.ID+1, 10)
	cancel()
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	for _, m := range res.Messages {
		if m.ID == ack.ID && m.ReferenceID == ref {
			fmt.Fprintln(out, "history ok")
			return nil
		}
	}
	return fmt.Errorf("history: message %d missing from %d fetched", ack.ID, len(res.Messages))
}

func awaitPush(pushes <-chan store.Message, liveErr <-chan error, ref string, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-pushes:
			if m.ReferenceID == ref {
				return nil
			}
		case err := <-liveErr:
			return fmt.Errorf("live: %w", err)
		case <-deadline:
			return fmt.Errorf("live: no message_new for reference %s", ref)
		}
	}
}
