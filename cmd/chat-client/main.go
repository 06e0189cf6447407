package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chat-client/internal/client"
	"chat-client/internal/config"
	"chat-client/internal/media"
	"chat-client/internal/models"
	"chat-client/internal/outbox"
	"chat-client/internal/session"
)

func main() {
	var (
		tok    = flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token (defaults to CHAT_TOKEN)")
		convID = flag.Int64("conversation", 0, "conversation to join")
		group  = flag.Bool("group", false, "treat the conversation as a group")
	)
	flag.Parse()

	if *tok == "" || *convID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var uploader *media.Uploader
	if cfg.Media.Endpoint != "" {
		uploader, err = media.NewUploader(cfg.Media.Endpoint, cfg.Media.AccessKey,
			cfg.Media.SecretKey, cfg.Media.Bucket, cfg.Media.UseSSL)
		if err != nil {
			slog.Error("Failed to connect to media store", "error", err)
			os.Exit(1)
		}
	}

	c, err := client.New(cfg, *tok, uploader, logger)
	if err != nil {
		slog.Error("Failed to build client", "error", err)
		os.Exit(1)
	}

	c.OnConnectionState(func(ch session.StateChange) {
		slog.Info("Connection state changed", "state", ch.State, "attempt", ch.Attempt, "error", ch.Err)
	})
	c.OnSendFailure(func(f outbox.Failure) {
		slog.Error("Message abandoned", "clientId", f.ClientID, "conversation", f.ConversationID, "error", f.Err)
	})
	c.OnMessage(func(m models.Message) {
		fmt.Printf("[%d] %s: %s\n", m.ConversationID, m.SenderID, m.Content)
	})

	kind := models.ConversationPrivate
	if *group {
		kind = models.ConversationGroup
	}
	leave, err := c.JoinConversation(*convID, kind)
	if err != nil {
		slog.Error("Failed to join conversation", "error", err)
		os.Exit(1)
	}
	defer leave()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		slog.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	if _, err := c.LoadOlder(ctx, *convID); err != nil {
		slog.Warn("Failed to load history", "error", err)
	}
	for _, m := range c.Messages(*convID) {
		fmt.Printf("[%d] %s: %s\n", m.ConversationID, m.SenderID, m.Content)
	}

	// Read lines from stdin and send them until interrupted.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			c.SetTyping(*convID, false)
			if _, err := c.SendText(*convID, line); err != nil {
				slog.Error("Failed to queue message", "error", err)
			}
		}
	}
}
