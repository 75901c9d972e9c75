package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/logging"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/realtime"
)

const beaconFlushTimeout = 2 * time.Second

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		conversation string
		baseURL      string
		token        string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "presence-client",
		Short: "Stay present in a conversation from the terminal",
		Long: `Connects to the realtime server, tracks presence from terminal input and
prints messages broadcast to a conversation.

Every line typed counts as activity and, with --conversation, is posted as a
message. Commands:
  /dnd      set Do Not Disturb
  /online   clear Do Not Disturb
  /hide     behave as if the window were backgrounded
  /show     behave as if the window were foregrounded
  /ping     show the measured latency
  /quit     go offline and exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.BaseURL = baseURL
			}
			if cmd.Flags().Changed("token") {
				cfg.Token = token
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cfg.Token == "" {
				cfg.Token = os.Getenv("CHAT_TOKEN")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, conversation, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "client YAML config")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation to join")
	cmd.Flags().StringVar(&baseURL, "url", "", "server base URL")
	cmd.Flags().StringVar(&token, "token", "", "session token (default $CHAT_TOKEN)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg *config.ClientConfig, conversation string, in io.Reader, out io.Writer) error {
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")
	out = &syncWriter{w: out}
	console := &console{}
	chat := newChatClient(cfg.BaseURL, cfg.Token)

	transport := presence.NewHTTPTransport(cfg.BaseURL, cfg.Token, logger)
	session := presence.NewSession(cfg.Presence, transport,
		presence.WithLogger(logger),
		presence.WithInputSources(console),
		presence.WithStatusListener(func(s models.PresenceStatus) {
			fmt.Fprintf(out, "* status %s\n", s)
		}),
	)

	mgr, err := realtime.NewManager(realtime.OptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}
	mgr.Start(ctx)
	defer mgr.Close()

	if conversation != "" {
		printHistory(ctx, chat, conversation, out, logger)
		mgr.Subscribe(models.TopicKey(conversation), func(data json.RawMessage) {
			var msg models.MessageCreatedData
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Debug("[CLIENT] Unreadable message", "error", err)
				return
			}
			printMessage(out, msg)
		})
	}

	go readInput(ctx, in, func(line string) {
		switch line {
		case "/dnd", "/online":
			status := models.StatusDND
			if line == "/online" {
				status = models.StatusOnline
			}
			if err := session.SetStatus(status); err != nil {
				fmt.Fprintf(out, "* %v\n", err)
			}
		case "/hide":
			console.visibility(false)
		case "/show":
			console.visibility(true)
		case "/quit":
			session.Close()
		case "/ping":
			if latency, ok := mgr.Latency(); ok {
				fmt.Fprintf(out, "* latency %s\n", latency.Round(time.Millisecond))
			} else {
				fmt.Fprintln(out, "* latency unknown")
			}
		default:
			console.signal(presence.KeyDown)
			if conversation == "" || line == "" {
				return
			}
			if err := chat.Post(ctx, conversation, line); err != nil {
				fmt.Fprintf(out, "* not sent: %v\n", err)
			}
		}
	}, session.Close)

	err = session.Run(ctx)
	if !transport.Flush(beaconFlushTimeout) {
		logger.Warn("[CLIENT] Offline beacon still in flight at exit")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readInput(ctx context.Context, in io.Reader, handle func(string), done func()) {
	defer done()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		handle(strings.TrimSpace(scanner.Text()))
	}
}

func printHistory(ctx context.Context, chat *chatClient, conversation string, out io.Writer, logger *slog.Logger) {
	msgs, err := chat.Recent(ctx, conversation, 20)
	if err != nil {
		logger.Warn("[CLIENT] Could not load history", "conversation", conversation, "error", err)
		return
	}
	for _, m := range msgs {
		printMessage(out, m)
	}
}

func printMessage(out io.Writer, m models.MessageCreatedData) {
	body := m.Content
	if m.FileURL != nil {
		body = strings.TrimSpace(body + " " + *m.FileURL)
	}
	fmt.Fprintf(out, "%s [%s] %s\n", m.CreatedAt.Local().Format("15:04"), m.Profile.Name, body)
}
