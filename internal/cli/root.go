// Package cli implements chatctl, a terminal client that drives the chat
// core directly against the banking assistant backend.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bankchat/internal/backend"
	"bankchat/internal/chat"
	"bankchat/internal/config"
	"bankchat/internal/logger"
	"bankchat/internal/store"
)

type options struct {
	configPath string
	baseURL    string
	token      string
	verbose    bool
	noContext  bool

	cfg    *config.Config
	logger *zap.Logger
}

func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Chat with the banking assistant from the terminal",
		Long: `chatctl streams answers from the banking assistant backend.

Quick Start:
  chatctl ask "what is my balance?"      # one question, streamed answer
  chatctl ask -f statement.pdf "summarize this"
  chatctl repl                           # interactive session
  chatctl health                         # check the backend`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "configs/config.toml", "Path to the TOML config file")
	flags.StringVar(&opts.baseURL, "base-url", "", "Backend base URL (overrides config)")
	flags.StringVar(&opts.token, "token", "", "Access token (overrides config and BACKEND_TOKEN)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level (overrides log.level)")
	flags.BoolVar(&opts.noContext, "no-context", false, "Answer without document retrieval")

	root.AddCommand(newAskCommand(opts), newReplCommand(opts), newHealthCommand(opts))
	return root
}

func (o *options) init() error {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if o.baseURL != "" {
		cfg.Backend.BaseURL = o.baseURL
	}
	if o.token != "" {
		cfg.Backend.Token = o.token
	}
	if o.noContext {
		cfg.Chat.UseContext = false
	}
	o.cfg = cfg

	if o.verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	o.logger = log
	return nil
}

func (o *options) client() *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL: o.cfg.Backend.BaseURL,
		Timeout: o.cfg.BackendTimeout(),
		Tokens:  backend.ExpiryChecked(backend.StaticToken(strings.TrimSpace(o.cfg.Backend.Token)), nil),
		Logger:  o.logger.Named("backend"),
	})
}

func (o *options) controller(st *store.Store) *chat.Controller {
	return chat.NewController(chat.Config{
		Store:         st,
		Transport:     o.client(),
		Logger:        o.logger.Named("chat"),
		MaxHistory:    o.cfg.Chat.MaxHistory,
		StreamTimeout: o.cfg.StreamTimeout(),
		Options: backend.Options{
			UseContext:  o.cfg.Chat.UseContext,
			Temperature: o.cfg.Chat.Temperature,
			TopK:        o.cfg.Chat.TopK,
		},
	})
}
