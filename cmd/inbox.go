package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	inboxLimit        int
	inboxRelevantOnly bool
	inboxRegister     bool
	inboxMock         bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List the sales inbox, or file promising emails in amoCRM with --register",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if inboxMock {
			env.Email.SetMockMode(true)
		}

		if inboxRegister {
			res, err := env.Email.Ingest(ctx, inboxLimit)
			if err != nil {
				return eris.Wrap(err, "ingest inbox")
			}
			return printJSON(cmd.OutOrStdout(), res)
		}

		msgs, err := env.Email.Fetch(ctx, inboxLimit, inboxRelevantOnly)
		if err != nil {
			return eris.Wrap(err, "list inbox")
		}
		return printJSON(cmd.OutOrStdout(), msgs)
	},
}

func init() {
	inboxCmd.Flags().IntVar(&inboxLimit, "limit", 20, "number of newest messages to read")
	inboxCmd.Flags().BoolVar(&inboxRelevantOnly, "relevant-only", false, "list only messages with commercial keywords")
	inboxCmd.Flags().BoolVar(&inboxRegister, "register", false, "register potential messages as email interactions")
	inboxCmd.Flags().BoolVar(&inboxMock, "mock", false, "serve template messages instead of the mailbox")
	rootCmd.AddCommand(inboxCmd)
}
