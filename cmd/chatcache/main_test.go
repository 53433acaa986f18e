package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"chatcache/cmd/internal/syncer"
)

// offlineEnv points the CLI at an in-memory cache and a closed port.
func offlineEnv(t *testing.T) {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("CHATCACHE_CONFIG", "")
	t.Setenv("CHATCACHE_DATABASE_URL", "")
	t.Setenv("CHATCACHE_LIVE_URL", "")
	t.Setenv("CHATCACHE_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("CHATCACHE_ACCOUNT_ID", "acct")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	flagJSON, flagVerbose = false, false
	olderBefore, olderLimit, newerAfter = 0, 0, 0
	evictBelow, evictKeep = 0, 0
	sendActor = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SendOfflineQueues(t *testing.T) {
	offlineEnv(t)

	out, err := execute(t, "send", "7", "hello", "world", "--json")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var res map[string]string
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res["status"] != "pending" || res["reference_id"] == "" {
		t.Fatalf("unexpected send output: %v", res)
	}
}

func TestCLI_EmptyCache(t *testing.T) {
	offlineEnv(t)

	out, err := execute(t, "blocks", "7")
	if err != nil || !strings.Contains(out, "No cached blocks.") {
		t.Fatalf("blocks: out=%q err=%v", out, err)
	}

	out, err = execute(t, "pending", "7")
	if err != nil || !strings.Contains(out, "No pending sends.") {
		t.Fatalf("pending: out=%q err=%v", out, err)
	}

	out, err = execute(t, "flush")
	if err != nil || !strings.Contains(out, "confirmed: 0") {
		t.Fatalf("flush: out=%q err=%v", out, err)
	}
}

func TestCLI_OlderOfflineWithNothingCached(t *testing.T) {
	offlineEnv(t)

	_, err := execute(t, "older", "7", "--before", "100", "-n", "10")
	if !errors.Is(err, syncer.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable got=%v", err)
	}
}

func TestCLI_ArgumentErrors(t *testing.T) {
	offlineEnv(t)

	cases := [][]string{
		{"retry", "7"},
		{"evict", "7"},
		{"evict", "7", "--below", "5", "--keep", "3"},
		{"older", "7"},
		{"blocks"},
	}
	for _, args := range cases {
		if _, err := execute(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
