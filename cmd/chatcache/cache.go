package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chatcache/cmd/internal/app"
	"chatcache/cmd/internal/syncer"
)

var (
	evictBelow int64
	evictKeep  int
)

func init() {
	rootCmd.AddCommand(evictCmd, invalidateCmd)

	evictCmd.Flags().Int64Var(&evictBelow, "below", 0, "Drop cached messages with ids below this one")
	evictCmd.Flags().IntVar(&evictKeep, "keep", 0, "Keep only the newest N cached messages")
	evictCmd.MarkFlagsMutuallyExclusive("below", "keep")
	evictCmd.MarkFlagsOneRequired("below", "keep")
}

var evictCmd = &cobra.Command{
	Use:   "evict <conversation>",
	Short: "Drop old cached history; it is fetched again on demand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			var res syncer.EvictResult
			if evictKeep > 0 {
				res, err = a.Orchestrator().EnforceRetention(ctx, key, evictKeep)
			} else {
				res, err = a.Orchestrator().Evict(ctx, key, evictBelow)
			}
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d messages, %d blocks changed\n", res.Messages, res.Blocks)
			return nil
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <conversation>",
	Short: "Clear every cached message, block and pending send of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			if err := a.Orchestrator().Invalidate(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", key)
			return nil
		})
	},
}
