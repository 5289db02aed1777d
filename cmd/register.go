package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/salesops-cli/internal/model"
)

var registerFile string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register one interaction from a JSON file (or - for stdin) in amoCRM",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := readInteraction(registerFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Resolver.Register(ctx, in)
		if err != nil {
			return eris.Wrap(err, "register interaction")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func readInteraction(path string, stdin io.Reader) (model.Interaction, error) {
	var in model.Interaction
	if path == "" {
		return in, eris.New("--file is required")
	}

	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return in, eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return in, eris.Wrap(err, "decode interaction")
	}
	if in.Channel == "" || in.Message == "" {
		return in, eris.New("interaction needs channel and message")
	}
	if in.Direction == "" {
		in.Direction = model.DirectionIncoming
	}
	return in, nil
}

func init() {
	registerCmd.Flags().StringVar(&registerFile, "file", "", "interaction JSON file, - for stdin")
	rootCmd.AddCommand(registerCmd)
}
