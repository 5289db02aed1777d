package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	sweepLeadID   int64
	sweepInterval time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Escalate overdue CRM tasks once, or repeatedly with --interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if sweepInterval > 0 {
			return env.Sweeper.Run(ctx, sweepInterval)
		}

		var leadID *int64
		if sweepLeadID > 0 {
			leadID = &sweepLeadID
		}
		report, err := env.Sweeper.Sweep(ctx, leadID)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	sweepCmd.Flags().Int64Var(&sweepLeadID, "lead-id", 0, "check a single lead instead of the pipeline")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "repeat the sweep at this interval until interrupted")
	rootCmd.AddCommand(sweepCmd)
}
