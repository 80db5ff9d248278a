package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"bankchat/internal/chat"
	"bankchat/internal/model"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))
)

// renderStream prints the answer as it grows. It diffs snapshots rather
// than trusting deltas because intermediate updates may be dropped.
func renderStream(out io.Writer, stream *chat.Stream) chat.Result {
	printed := 0
	for update := range stream.Updates() {
		if update.Kind == chat.UpdateToken || update.Kind == chat.UpdateFinished {
			if len(update.Content) > printed {
				fmt.Fprint(out, update.Content[printed:])
				printed = len(update.Content)
			}
		}
	}
	result := stream.Wait()

	switch result.Outcome {
	case chat.OutcomeFinished:
		fmt.Fprintln(out)
		renderSources(out, result.Message.Metadata.Sources)
	case chat.OutcomeCancelled:
		fmt.Fprintln(out)
		fmt.Fprintln(out, mutedStyle.Render("(cancelled)"))
	case chat.OutcomeFailed:
		if printed > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, errorStyle.Render("error:"), chat.ErrorMessage(result.Err))
	}
	return result
}

func renderSources(out io.Writer, sources []model.RAGSource) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(out, mutedStyle.Render("sources:"))
	for i, src := range sources {
		name := src.Filename
		if name == "" {
			name = src.DocumentID
		}
		line := fmt.Sprintf("  [%d] %s", i+1, name)
		if src.Page > 0 {
			line += fmt.Sprintf(" p.%d", src.Page)
		}
		fmt.Fprintln(out, sourceStyle.Render(line))
	}
}

func renderSessions(out io.Writer, sessions []model.ChatSession, current string) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("no sessions"))
		return
	}
	for i, s := range sessions {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d. %s %s\n", marker, i+1, s.Title,
			mutedStyle.Render(fmt.Sprintf("(%d messages)", s.MessageCount)))
	}
}

func renderTranscript(out io.Writer, messages []model.ChatMessage) {
	for _, m := range messages {
		label := "assistant"
		if m.Role == model.RoleUser {
			label = "you"
		}
		fmt.Fprintf(out, "%s %s\n", promptStyle.Render(label+">"), strings.TrimSpace(m.Content))
	}
}
