// sessiontail follows one or more sessions from a sessiond server and
// prints each event as it arrives. It rides the push channel and falls
// back to polling when push is unavailable, so it doubles as a smoke
// test for the transport handover.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flitsinc/go-sessions/internal/client"
	"github.com/flitsinc/go-sessions/internal/config"
	"github.com/flitsinc/go-sessions/internal/event"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8080", "sessiond base URL")
	token := flag.String("token", os.Getenv("GO_SESSIONS_TOKEN"), "bearer token")
	cursor := flag.Uint64("cursor", 0, "resume after this sequence number")
	flag.Parse()

	sessions := flag.Args()
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiontail [flags] <session-id> [session-id...]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c := client.New(client.Options{
		BaseURL:            *serverURL,
		Token:              *token,
		PushDialTimeout:    cfg.Push.DialTimeout,
		PushReconnectDelay: cfg.Push.ReconnectDelay,
		PushMaxAttempts:    cfg.Push.ReconnectMaxAttempts,
		PushPingInterval:   cfg.Push.PingInterval,
		PollInterval:       cfg.Poll.Interval,
		PollRequestTimeout: cfg.Poll.RequestTimeout,
		PollMaxFailures:    cfg.Poll.MaxFailures,
		Logger:             logger,
	}, printEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, sessionID := range sessions {
		c.Subscribe(ctx, sessionID, *cursor)
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("delivery stopped: %v", err)
	}
}

func printEvent(evt event.Event) {
	line, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Println(string(line))
}
