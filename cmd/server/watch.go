package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/mirror"
)

type watchOptions struct {
	url        string
	token      string
	receiverID string
	roomID     string
	limit      int
}

func watchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <user-id>",
		Short: "Follow the relay as a user",
		Long: `Connect to a relay as the given user and print how the client-side view
changes as events arrive: who is online, who is typing, and the messages of
the conversation selected with --with or --room.

Without --token a token is minted from the local JWT configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8080", "Relay base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&opts.receiverID, "with", "", "Open the direct conversation with this user")
	cmd.Flags().StringVar(&opts.roomID, "room", "", "Open this room")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "History size when opening the conversation")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, userID string, opts watchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = cfg.Sanitize()

	token := opts.token
	if token == "" {
		token, err = mintToken(cfg, userID)
		if err != nil {
			return err
		}
	}

	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := mirror.Dial(ctx, opts.url, token, log)
	if err != nil {
		return err
	}

	m := mirror.New(userID, &mirror.HTTPHistory{BaseURL: opts.url, Token: token, Limit: opts.limit}, log)

	if opts.receiverID != "" || opts.roomID != "" {
		target, err := chat.NewTarget(opts.receiverID, opts.roomID)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := m.SetActive(ctx, target); err != nil {
			_ = conn.Close()
			return err
		}
		for _, msg := range m.Snapshot().Messages {
			printMessage(out, msg)
		}
	}

	return conn.Run(ctx, m, func(ev chat.Outbound) {
		printEvent(out, m, ev)
	})
}

func printEvent(out io.Writer, m *mirror.Mirror, ev chat.Outbound) {
	switch e := ev.(type) {
	case chat.ReceiveMessage:
		printMessage(out, e.Message)
	case chat.MessageSent:
		printMessage(out, e.Message)
	case chat.MessageReadReceipt:
		fmt.Fprintf(out, "read      %s at %s\n", e.MessageID, e.ReadAt.Format("15:04:05"))
	case chat.OnlineUsers, chat.UserOnline, chat.UserOffline:
		fmt.Fprintf(out, "online    %s\n", strings.Join(m.Snapshot().Online, ", "))
	case chat.UserTyping, chat.UserStopTyping:
		typing := m.Snapshot().Typing
		names := make([]string, 0, len(typing))
		for _, name := range typing {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(out, "typing    %s\n", strings.Join(names, ", "))
	case chat.Error:
		fmt.Fprintf(out, "error     %s\n", e.Message)
	}
}

func printMessage(out io.Writer, msg *chat.Message) {
	read := ""
	if msg.IsRead {
		read = " (read)"
	}
	body := msg.Content
	if msg.Kind != chat.KindText {
		body = fmt.Sprintf("[%s] %s", msg.Kind, msg.AttachmentName)
	}
	fmt.Fprintf(out, "%s %-9s %s%s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Sender.DisplayName, body, read)
}
