package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/math12studio/assistant/internal/client"
	"github.com/math12studio/assistant/internal/config"
)

var (
	logger     *slog.Logger
	configPath string
	serverURL  string
	token      string
	statePath  string
	noStream   bool
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := &cobra.Command{
		Use:          "chat",
		Short:        "Terminal client for the math assistant",
		Long:         "chat runs an interactive tutoring session against the assistant server.\nLines starting with / are commands: /new, /quota, /regen <id>, /quit.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				return s.repl(cmd.Context(), cmd.InOrStdin())
			})
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default from CHAT_BASE_URL)")
	root.PersistentFlags().StringVar(&token, "token", "", "session token (default from CHAT_TOKEN)")
	root.PersistentFlags().StringVar(&statePath, "state", "", "sqlite file for the local quota record (default from CHAT_STATE_PATH)")
	root.PersistentFlags().BoolVar(&noStream, "no-stream", false, "wait for whole answers instead of streaming")

	root.AddCommand(askCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(newCmd())
	root.AddCommand(quotaCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			fmt.Fprintln(os.Stderr, "not signed in: set CHAT_TOKEN or pass --token")
		}
		os.Exit(1)
	}
}

// loadConfig reads .env, the environment and the optional YAML file, then
// applies command-line overrides to the client section.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	c := &cfg.Client
	if serverURL != "" {
		c.BaseURL = serverURL
	}
	if token != "" {
		c.Token = token
	}
	if statePath != "" {
		c.StatePath = statePath
	}
	if noStream {
		c.Stream = false
	}
	return cfg, nil
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				return s.ask(cmd.Context(), joinArgs(args))
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the current conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				s.printHistory()
				return nil
			})
		},
	}
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				return s.newChat(cmd.Context())
			})
		},
	}
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remaining requests in the current window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				s.printQuota()
				return nil
			})
		},
	}
}
