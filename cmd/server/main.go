package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	medwebui "github.com/MegaGrindStone/med-research-ui"
	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/handlers"
	"github.com/MegaGrindStone/med-research-ui/internal/services"
	"github.com/spf13/cobra"
)

const errLoggerKey = "error"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFilePath string

	cmd := &cobra.Command{
		Use:          "medwebui",
		Short:        "Web interface of the medical research assistant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFilePath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFilePath, "config", "",
		"path of the config file (default $XDG_CONFIG_HOME/medwebui/config.yaml)")

	return cmd
}

// loadConfig reads the config file at path. Without a path the default location is used, and a
// missing default file means the defaults apply.
func loadConfig(path string) (config, error) {
	explicit := path != ""
	if !explicit {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "medwebui", "config.yaml")
	}

	var r io.Reader
	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		r = cfgFile
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	return decodeConfig(r)
}

func run(ctx context.Context, cfg config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	// No client timeout, the answer stream stays open for as long as the backend generates.
	backend, err := services.NewBackend(cfg.BackendURL, &http.Client{}, logger)
	if err != nil {
		return err
	}

	opts := chat.Options{
		Greeting:      cfg.Greeting,
		ResetGreeting: cfg.ResetGreeting,
	}
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return fmt.Errorf("error creating database directory: %w", err)
		}
		boltDB, err := services.NewBoltDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer boltDB.Close()
		opts.Store = boltDB
	}

	chatCtl, err := chat.NewController(ctx, backend, opts, logger)
	if err != nil {
		return err
	}

	m, err := handlers.NewMain(chatCtl, handlers.VoiceConfig{
		Language:     cfg.Voice.Language,
		RestartDelay: cfg.Voice.RestartDelay,
	}, logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(medwebui.StaticFS, "static")
	if err != nil {
		return fmt.Errorf("error opening static files: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/{$}", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/upload", m.HandleUpload)
	mux.HandleFunc("/voice", m.HandleVoice)
	mux.HandleFunc("/voice/events", m.HandleVoiceEvents)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("error listening on port %s: %w", cfg.Port, err)
	}
	logger.Info("Server starting",
		slog.String("port", cfg.Port),
		slog.String("backendURL", cfg.BackendURL))

	// Cancelled on interrupt/terminate signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, ln, srv, m, logger)
}

// serve runs srv on ln until ctx is done, then shuts it down along with m. It returns once m is shut
// down, so no send started by m is left running against resources the caller releases.
func serve(ctx context.Context, ln net.Listener, srv *http.Server, m handlers.Main, logger *slog.Logger) error {
	mainDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(mainDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		serverErrors <- srv.Serve(ln)
	}()

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("Start shutdown")

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}

		// Shutdown hooks run on their own goroutines.
		select {
		case <-mainDone:
		case <-ctx.Done():
			logger.Error("Timed out waiting for in-flight messages")
		}
	}

	return nil
}
