package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"bankchat/internal/backend"
	"bankchat/internal/chat"
	"bankchat/internal/store"
)

func newAskCommand(opts *options) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments := make([]backend.Attachment, 0, len(files))
			for _, path := range files {
				a, err := backend.LoadAttachment(path)
				if err != nil {
					return err
				}
				attachments = append(attachments, a)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			st := store.New()
			session := st.CreateSession("")
			st.SetCurrentSession(session.ID)
			stream, err := opts.controller(st).Send(ctx, chat.SendInput{
				SessionID:   session.ID,
				Content:     strings.Join(args, " "),
				Attachments: attachments,
			})
			if err != nil {
				return err
			}

			result := renderStream(cmd.OutOrStdout(), stream)
			if result.Outcome == chat.OutcomeFailed {
				return fmt.Errorf("ask failed: %w", result.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Attach a file (repeatable)")
	return cmd
}
