package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatcache/cmd/internal/app"
	"chatcache/cmd/internal/store"
	"chatcache/cmd/internal/syncer"
)

var (
	olderBefore int64
	olderLimit  int
	newerAfter  int64
)

func init() {
	rootCmd.AddCommand(olderCmd, newerCmd, blocksCmd)

	olderCmd.Flags().Int64Var(&olderBefore, "before", 0, "Load messages with ids below this one")
	_ = olderCmd.MarkFlagRequired("before")
	olderCmd.Flags().IntVarP(&olderLimit, "limit", "n", 0, "Page size (default: configured page size)")
	newerCmd.Flags().Int64Var(&newerAfter, "after", 0, "Load messages with ids above this one")
}

var olderCmd = &cobra.Command{
	Use:   "older <conversation>",
	Short: "Load a page of history older than --before",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			limit := olderLimit
			if limit <= 0 {
				limit = a.Config().PageSize
			}
			page, err := a.Orchestrator().LoadOlder(ctx, key, olderBefore, limit)
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), page)
		})
	},
}

var newerCmd = &cobra.Command{
	Use:   "newer <conversation>",
	Short: "Load messages newer than --after",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			page, err := a.Orchestrator().LoadNewer(ctx, key, newerAfter)
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), page)
		})
	},
}

var blocksCmd = &cobra.Command{
	Use:   "blocks <conversation>",
	Short: "List the cached contiguous ranges of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			list, err := a.Orchestrator().Blocks(ctx, key)
			if err != nil {
				return err
			}
			return printBlocks(cmd.OutOrStdout(), list)
		})
	},
}

func printPage(w io.Writer, page syncer.Page) error {
	if flagJSON {
		return printJSON(w, page)
	}

	source := "local"
	switch {
	case page.Stale:
		source = "stale"
	case page.Network:
		source = "network"
	}
	fmt.Fprintf(w, "%d messages (source: %s, has more: %v)\n", len(page.Messages), source, page.HasMore)
	for _, m := range page.Messages {
		fmt.Fprintf(w, "  #%-6d %s  %-12s %s\n", m.ID, m.Timestamp.Format(time.DateTime), m.Actor, messageText(m))
	}
	return nil
}

func messageText(m store.Message) string {
	switch {
	case m.Deleted:
		return "(deleted)"
	case m.SystemType != "":
		return fmt.Sprintf("[%s #%d]", m.SystemType, m.ParentID)
	case m.Edited:
		return m.Body + " (edited)"
	default:
		return strings.TrimSpace(m.Body)
	}
}

func printBlocks(w io.Writer, list []store.Block) error {
	if flagJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No cached blocks.")
		return nil
	}
	for _, b := range list {
		fmt.Fprintf(w, "  [%d, %d]  has history: %v\n", b.Oldest, b.Newest, b.HasHistory)
	}
	return nil
}
