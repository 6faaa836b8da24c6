package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/spf13/cobra"
)

var errOperationFailed = errors.New("operation failed")

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.renderer.skip(len(a.ctl.State().Messages))

			if err := a.ctl.SendMessage(cmd.Context(), strings.Join(args, " ")); err != nil {
				return err
			}
			return lastNotice(a.ctl.State(), chat.SendErrorMessage)
		},
	}
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Upload a PDF document for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.renderer.skip(len(a.ctl.State().Messages))

			if err := upload(cmd, a.ctl, args[0]); err != nil {
				return err
			}
			return lastNotice(a.ctl.State(), chat.UploadErrorMessage)
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the backend session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.renderer.skip(len(a.ctl.State().Messages))

			if err := a.ctl.Reset(cmd.Context()); err != nil {
				return err
			}
			return lastNotice(a.ctl.State(), chat.ResetErrorMessage)
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation with the assistant.

Commands:
  /upload <file.pdf>   upload a document for analysis
  /reset               start a new session
  /quit                leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.renderer.hideUser = true
			a.renderer.observe(chat.State{}, a.ctl.State())

			return repl(cmd, a.ctl)
		},
	}
}

func repl(cmd *cobra.Command, ctl *chat.Controller) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())

	for {
		fmt.Fprint(out, promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reset":
			err = ctl.Reset(cmd.Context())
		case strings.HasPrefix(line, "/upload"):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/upload"))
			if path == "" {
				fmt.Fprintln(out, progressStyle.Render("usage: /upload <file.pdf>"))
				continue
			}
			err = upload(cmd, ctl, path)
		default:
			err = ctl.SendMessage(cmd.Context(), line)
		}

		if errors.Is(err, chat.ErrBusy) {
			fmt.Fprintln(out, progressStyle.Render("Still working on the previous request"))
			continue
		}
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			fmt.Fprintln(out, progressStyle.Render(err.Error()))
		}
	}
}

func upload(cmd *cobra.Command, ctl *chat.Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	return ctl.Upload(cmd.Context(), filepath.Base(path), f)
}

// lastNotice reports whether the operation ended by appending the given error notice.
func lastNotice(st chat.State, notice string) error {
	if n := len(st.Messages); n > 0 && strings.HasPrefix(st.Messages[n-1].Content, notice) {
		return fmt.Errorf("%w: %s", errOperationFailed, st.Messages[n-1].Content)
	}
	return nil
}
