package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"chatcache/cmd/internal/store"
)

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil)
	sub := n.Subscribe(conv1, 1)
	defer sub.Close()

	other := n.Subscribe(store.ConversationKey{AccountID: "acct", Token: "2"}, 4)
	defer other.Close()

	for range 3 {
		n.Publish(Change{Key: conv1, Kind: ChangeMessages})
	}

	if got := len(sub.C); got != 1 {
		t.Fatalf("expected 1 queued change got=%d", got)
	}
	if got := len(other.C); got != 0 {
		t.Fatalf("change leaked to another conversation: %d", got)
	}
}

func TestNotifier_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil)
	sub := n.Subscribe(conv1, 0)

	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatalf("done not closed")
	}

	n.Publish(Change{Key: conv1, Kind: ChangeBlocks})
	if got := len(sub.C); got != 0 {
		t.Fatalf("closed subscription received %d changes", got)
	}
}

func TestNotifier_ConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		sub := n.Subscribe(conv1, 2)
		go func() {
			defer wg.Done()
			for range 50 {
				n.Publish(Change{Key: conv1, Kind: ChangePending})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	rejected := &NetworkError{Op: "http", Kind: ErrNetworkRejected}

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"plain", errors.New("connection refused"), ErrNetworkUnavailable},
		{"deadline", context.DeadlineExceeded, ErrNetworkTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrNetworkTimeout},
		{"net timeout", timeoutErr{}, ErrNetworkTimeout},
		{"already rejected", rejected, ErrNetworkRejected},
	}
	for _, tc := range cases {
		got := classify("test", tc.err)
		if !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v got=%v", tc.name, tc.want, got)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("%s: cause lost: %v", tc.name, got)
		}
	}

	if classify("test", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if transient(rejected) {
		t.Fatalf("rejected must not be transient")
	}
	if kindLabel(classify("test", context.DeadlineExceeded)) != "timeout" {
		t.Fatalf("unexpected label")
	}
}
