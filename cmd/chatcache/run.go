package main

import (
	"github.com/spf13/cobra"

	"chatcache/cmd/internal/app"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cache daemon",
	Long:  "Serve /healthz, /readyz and /metrics, follow the live channel, flush pending sends and enforce retention.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run()
	},
}
