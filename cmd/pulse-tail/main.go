// Command pulse-tail follows a project's event stream from a running
// daemon and prints each event as a line of JSON. It keeps its replay
// position on disk, so restarting it resumes where it left off.
//
// Usage:
//
//	pulse-tail -url ws://localhost:8080/ws -project proj-1 -kinds file_change,risk_alert
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/client"
	"github.com/pulseboard/pulsed/internal/event"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "daemon WebSocket endpoint")
		project   = flag.String("project", "", "project to follow (required)")
		kinds     = flag.String("kinds", "", "comma-separated event kinds; empty for all")
		statePath = flag.String("state", "", "file to persist the replay position in")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "pulse-tail: -project is required")
		flag.Usage()
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	var eventTypes []event.Kind
	if *kinds != "" {
		for _, k := range strings.Split(*kinds, ",") {
			kind := event.Kind(strings.TrimSpace(k))
			if !event.ValidKind(kind) {
				fmt.Fprintf(os.Stderr, "pulse-tail: unknown event kind %q\n", kind)
				os.Exit(2)
			}
			eventTypes = append(eventTypes, kind)
		}
	}

	cfg := client.DefaultConfig()
	cfg.URL = *url
	cfg.ProjectID = *project
	cfg.EventTypes = eventTypes
	cfg.StatePath = *statePath

	session := client.NewSession(cfg, client.Handlers{
		OnEvent: func(u client.Update) {
			tag := "live"
			if u.Replay {
				tag = "replay"
			}
			fmt.Printf("%s\t%d\t%s\t%s\n", tag, u.Sequence, u.Kind, string(u.Data))
		},
		OnGap: func() {
			fmt.Fprintln(os.Stderr, "pulse-tail: replay gap: stream history was truncated, refetch state")
		},
		OnStateChange: func(s client.State) {
			logger.Debug().Stringer("state", s).Msg("session state")
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		session.Close()
		cancel()
	}()

	if err := session.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("session ended")
		os.Exit(1)
	}
}
