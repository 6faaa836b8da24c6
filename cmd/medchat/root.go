package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/services"
	"github.com/spf13/cobra"
)

const (
	defaultBackendURL = "http://localhost:5000"
	backendURLEnv     = "MEDWEBUI_BACKEND_URL"
)

// app holds what the commands share once the flags are parsed.
type app struct {
	backendURL string
	verbose    bool

	ctl      *chat.Controller
	renderer *renderer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "medchat",
		Short: "Talk to the medical research assistant from the terminal",
		Long: `A terminal client of the medical research assistant.

It streams answers from the assistant backend as they are generated, uploads
PDF documents for analysis and resets the backend session.

Quick Start:
  medchat ask "What are the side effects of metformin?"
  medchat upload trial.pdf
  medchat chat`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.backendURL, "backend", "",
		fmt.Sprintf("Backend URL (default $%s or %s)", backendURLEnv, defaultBackendURL))
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(
		newAskCmd(a),
		newChatCmd(a),
		newUploadCmd(a),
		newResetCmd(a),
	)

	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	backendURL := a.backendURL
	if backendURL == "" {
		backendURL = os.Getenv(backendURLEnv)
	}
	if backendURL == "" {
		backendURL = defaultBackendURL
	}

	backend, err := services.NewBackend(backendURL, &http.Client{}, logger)
	if err != nil {
		return err
	}

	ctl, err := chat.NewController(cmd.Context(), backend, chat.Options{}, logger)
	if err != nil {
		return err
	}

	a.ctl = ctl
	a.renderer = newRenderer(cmd.OutOrStdout())
	ctl.Subscribe(a.renderer.observe)

	return nil
}
