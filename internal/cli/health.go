package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			status, err := opts.client().Health(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render("backend unreachable:"), err)
				return err
			}
			fmt.Fprintln(out, successStyle.Render("backend "+status.Status), mutedStyle.Render(opts.cfg.Backend.BaseURL))
			return nil
		},
	}
}
