package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hirelane/chatsync"
)

// requestTimeout bounds one-shot commands.
const requestTimeout = 10 * time.Second

// getClient creates a client for the configured user.
func getClient() *chatsync.Client {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token> --user <id>' first.")
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{
		chatsync.WithUserID(cfg.Auth.UserID),
		chatsync.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// maskToken shows the first 4 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 10 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatMessage(m *chatsync.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
	if m.Attachment != nil {
		line += fmt.Sprintf(" [%s %s]", m.Attachment.Type, m.Attachment.FileName)
	}
	if m.SenderID == self {
		line += fmt.Sprintf(" (%s)", m.Status)
	}
	return line
}
