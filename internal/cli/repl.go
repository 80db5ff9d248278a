package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bankchat/internal/chat"
	"bankchat/internal/store"
)

const replHelp = `commands:
  /new             start a new session
  /sessions        list sessions
  /switch <n>      switch to session n
  /history         print the current session
  /retry           resend the last question
  /clear           clear the current session
  /delete          delete the current session
  /quit            exit
Ctrl-C cancels an answer in progress.`

func newReplCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := opts.controller(store.New())

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer func() {
				signal.Stop(interrupts)
				close(interrupts)
			}()
			go func() {
				for range interrupts {
					ctrl.Cancel()
				}
			}()

			r := &repl{ctrl: ctrl, out: cmd.OutOrStdout()}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

type repl struct {
	ctrl *chat.Controller
	out  io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	st := r.ctrl.Store()
	st.SetCurrentSession(st.CreateSession("").ID)
	fmt.Fprintln(r.out, mutedStyle.Render("type /help for commands"))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, errorStyle.Render("error:"), err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) send(ctx context.Context, content string) {
	stream, err := r.ctrl.Send(ctx, chat.SendInput{
		SessionID: r.ctrl.Store().CurrentSessionID(),
		Content:   content,
	})
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error:"), chat.ErrorMessage(err))
		return
	}
	renderStream(r.out, stream)
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	st := r.ctrl.Store()
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		session := st.CreateSession("")
		st.SetCurrentSession(session.ID)
		fmt.Fprintln(r.out, successStyle.Render("new session"))
	case "/sessions":
		renderSessions(r.out, st.Sessions(), st.CurrentSessionID())
	case "/switch":
		if len(fields) != 2 {
			return false, errors.New("usage: /switch <n>")
		}
		n, err := strconv.Atoi(fields[1])
		sessions := st.Sessions()
		if err != nil || n < 1 || n > len(sessions) {
			return false, fmt.Errorf("no session %q", fields[1])
		}
		st.SetCurrentSession(sessions[n-1].ID)
		renderTranscript(r.out, st.CurrentMessages())
	case "/history":
		renderTranscript(r.out, st.CurrentMessages())
	case "/retry":
		stream, err := r.ctrl.Retry(ctx, st.CurrentSessionID())
		if err != nil {
			return false, err
		}
		renderStream(r.out, stream)
	case "/clear":
		return false, st.ClearMessages(st.CurrentSessionID())
	case "/delete":
		if err := r.ctrl.DeleteSession(st.CurrentSessionID()); err != nil {
			return false, err
		}
		if st.CurrentSessionID() == "" {
			st.SetCurrentSession(st.CreateSession("").ID)
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}
