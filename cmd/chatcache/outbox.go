package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatcache/cmd/internal/app"
	"chatcache/cmd/internal/store"
)

var sendActor string

func init() {
	rootCmd.AddCommand(sendCmd, pendingCmd, flushCmd, retryCmd, discardCmd)

	sendCmd.Flags().StringVar(&sendActor, "actor", "", "Sender recorded on the optimistic message (default: $USER)")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Queue a message and send it when the server is reachable",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			actor := sendActor
			if actor == "" {
				actor = os.Getenv("USER")
			}
			draft := store.Draft{Actor: actor, Body: strings.Join(args[1:], " ")}

			ref, err := a.Orchestrator().Send(ctx, key, draft)
			if err != nil {
				return err
			}
			list, err := a.Orchestrator().ListPendingForConversation(ctx, key)
			if err != nil {
				return err
			}

			status := store.StatusConfirmed
			for _, p := range list {
				if p.ReferenceID == ref {
					status = p.Status
				}
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{"reference_id": ref, "status": string(status)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ref, status)
			return nil
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending <conversation>",
	Short: "List the sends of a conversation that are not confirmed yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			list, err := a.Orchestrator().ListPendingForConversation(ctx, key)
			if err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), list)
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every pending message of every conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Orchestrator().FlushPending(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "confirmed: %d  failed: %d  deferred: %d\n", res.Confirmed, res.Failed, res.Deferred)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <conversation> <reference-id>",
	Short: "Re-queue a failed send at the end of its conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			if err := a.Orchestrator().Retry(ctx, key, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %s\n", args[1])
			return nil
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <conversation> <reference-id>",
	Short: "Drop a failed send",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			key, err := a.Key(args[0])
			if err != nil {
				return err
			}
			if err := a.Orchestrator().Discard(ctx, key, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[1])
			return nil
		})
	},
}

func printPending(w io.Writer, list []store.PendingSend) error {
	if flagJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No pending sends.")
		return nil
	}
	for _, p := range list {
		fmt.Fprintf(w, "  %s  %-18s attempts=%d  %s  %s\n",
			p.ReferenceID, p.Status, p.Attempts, p.CreatedAt.Format(time.DateTime), p.Draft.Body)
	}
	return nil
}
