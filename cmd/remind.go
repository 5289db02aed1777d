package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var remindLeadID int64

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Check a lead's attached documents and send a reminder when some are missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if remindLeadID <= 0 {
			return eris.New("--lead-id is required")
		}
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Documents.CheckAndRemind(ctx, remindLeadID)
		if err != nil {
			return eris.Wrapf(err, "remind lead %d", remindLeadID)
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	remindCmd.Flags().Int64Var(&remindLeadID, "lead-id", 0, "amoCRM lead id")
	rootCmd.AddCommand(remindCmd)
}
