package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/config"
	"chatsync/internal/delivery"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/retry"
	"chatsync/internal/syncer"
	"chatsync/pkg/chatclient"

	"github.com/sirupsen/logrus"
)

var (
	Version = "dev"

	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	tokenFlag  = flag.String("token", "", "Session token (defaults to CHATSYNC_TOKEN)")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatsync client %s\n", Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		logrus.Fatalf("Client error: %v", err)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateClient(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("CHATSYNC_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no session token: pass -token or set CHATSYNC_TOKEN")
	}

	p := &printer{out: out}
	c, err := chatclient.New(ctx, clientOptions(cfg.Client, logger), p.handlers())
	if err != nil {
		return fmt.Errorf("failed to open client: %w", err)
	}
	defer c.Close()

	c.Start(ctx)
	c.Connect(token)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				p.printf("! %v", err)
				continue
			}
			if cmd.name == cmdQuit {
				return nil
			}
			if err := execute(ctx, c, cmd, p); err != nil {
				p.printf("! %v", err)
			}
		}
	}
}

func clientOptions(cfg models.ClientConfig, logger *logrus.Logger) chatclient.Options {
	return chatclient.Options{
		QueuePath:   cfg.QueuePath,
		QueueSecret: os.Getenv("CHATSYNC_QUEUE_SECRET"),
		Connection: client.Options{
			URL:               cfg.RelayURL,
			HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
			HeartbeatInterval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
			PongTimeout:       time.Duration(cfg.PongTimeoutMs) * time.Millisecond,
			RequestTimeout:    time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			Reconnect: retry.BackoffConfig{
				InitialDelay: time.Duration(cfg.Reconnect.InitialBackoffMs) * time.Millisecond,
				MaxDelay:     time.Duration(cfg.Reconnect.MaxBackoffMs) * time.Millisecond,
				Multiplier:   2.0,
				MaxAttempts:  cfg.Reconnect.MaxAttempts,
				Jitter:       true,
			},
		},
		Sync:          syncer.Options{MaxAttempts: cfg.QueueMaxAttempts},
		ProbeInterval: time.Duration(cfg.NetworkProbeMs) * time.Millisecond,
		Logger:        logger,
	}
}

// printer writes client events to the terminal.
type printer struct {
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) handlers() chatclient.Handlers {
	return chatclient.Handlers{
		OnState: func(_, to client.State) {
			p.printf("* link %s", to)
		},
		OnMessage: func(f protocol.Frame) {
			body := f.Content
			if f.MediaRef != "" {
				body = fmt.Sprintf("[media %s] %s", f.MediaRef, body)
			}
			p.printf("[%s] %s: %s (%s)", f.ConversationID, f.SenderID, body, f.MessageID)
		},
		OnStatus: func(messageID string, status delivery.Status) {
			p.printf("* %s %s", messageID, status)
		},
		OnSync: func(n syncer.Notification) {
			if n.Kind == syncer.SyncFailed {
				p.printf("! %s %s failed: %v", n.Operation, n.CorrelationID, n.Err)
			}
		},
		OnPresence: func(userID string, online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			p.printf("* %s is %s", userID, state)
		},
		OnTyping: func(conversationID, userID string, typing bool) {
			if typing {
				p.printf("[%s] %s is typing", conversationID, userID)
			}
		},
	}
}
