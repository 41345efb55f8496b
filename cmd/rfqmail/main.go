package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/rfqmail/internal/api"
	"github.com/tracyhatemice/rfqmail/internal/compose"
	"github.com/tracyhatemice/rfqmail/internal/config"
	"github.com/tracyhatemice/rfqmail/internal/mailer"
	"github.com/tracyhatemice/rfqmail/internal/receiver"
	"github.com/tracyhatemice/rfqmail/internal/sender"
	"github.com/tracyhatemice/rfqmail/internal/sentlog"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "rfqmail",
		Short:        "Send and track RFQ correspondence over SMTP and IMAP",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (environment only when empty)")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		sendCmd(&configPath),
		listCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, svc, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           api.New(svc, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info("rfqmail listening", "addr", cfg.Listen)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down, waiting for requests to finish...")
			shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Timeout())
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("rfqmail stopped")
			return nil
		},
	}
}

func sendCmd(configPath *string) *cobra.Command {
	var req mailer.SendRequest

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			res, err := svc.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringArrayVar(&req.To, "to", nil, "recipient address (repeatable)")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&req.Text, "text", "", "plain-text body")
	cmd.Flags().StringVar(&req.HTML, "html", "", "optional HTML body")
	cmd.Flags().StringVar(&req.InReplyTo, "in-reply-to", "", "Message-Id this message replies to")
	cmd.Flags().StringVar(&req.ThreadToken, "thread-token", "", "thread token tagged into the subject")
	return cmd
}

func listCmd(configPath *string) *cobra.Command {
	q := receiver.Query{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mailbox messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			summaries, err := svc.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if summaries == nil {
				summaries = []receiver.Summary{}
			}
			return printJSON(cmd, map[string]any{"messages": summaries})
		},
	}
	cmd.Flags().BoolVar(&q.UnseenOnly, "unseen", false, "only unseen messages")
	cmd.Flags().StringVar(&q.ThreadToken, "thread-token", "", "only messages tagged with this thread token")
	cmd.Flags().IntVar(&q.Limit, "limit", 10, "maximum number of messages to fetch")
	cmd.Flags().BoolVar(&q.MarkSeen, "mark-seen", false, "flag returned messages as seen")
	return cmd
}

// setup loads configuration and wires the mail service.
func setup(configPath string) (*config.Config, *slog.Logger, *mailer.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogger(cfg.LogLevel)

	composer, err := compose.New(cfg.FromAddress())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sender address: %w", err)
	}

	smtp := sender.New(
		cfg.Sender.Host,
		cfg.Sender.Port,
		cfg.Username,
		cfg.Password,
		cfg.Sender.UseTLS,
		logger,
		sender.WithTimeout(cfg.Timeout()),
	)

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	var journal mailer.Journal
	if cfg.SentLog != "" {
		log, err := sentlog.Open(cfg.SentLog)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sent log: %w", err)
		}
		logger.Debug("loaded sent log", "path", cfg.SentLog, "sent_count", log.Count())
		journal = log
	}

	svc := mailer.New(composer, smtp, receiver.New(dialer, logger), journal, logger)
	return cfg, logger, svc, nil
}

func newDialer(cfg *config.Config, logger *slog.Logger) (receiver.Dialer, error) {
	mb := cfg.Mailbox
	switch mb.Protocol {
	case "pop3":
		return receiver.NewPOP3(
			mb.Host, mb.Port,
			cfg.Username, cfg.Password,
			cfg.Timeout(), logger,
		), nil
	case "imap":
		return receiver.NewIMAP(
			mb.Host, mb.Port,
			cfg.Username, cfg.Password,
			mb.UseTLS, mb.GetFolder(), cfg.Timeout(), logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", mb.Protocol)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
