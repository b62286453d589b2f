package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/hu6789/MacroImmunet-demo/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url      string
		logLevel string
		cfg      botConfig
	)
	cmd := &cobra.Command{
		Use:          "bot",
		Short:        "Remote collaborator that claims strong labels over the websocket protocol",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Initialize(false, logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			b := newClaimBot(cfg, logging.Logger.Named("bot").With("collaborator", cfg.Name))
			err := runBot(ctx, url, b)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&url, "url", "ws://localhost:8080/v1/ws", "ws url")
	fl.StringVar(&cfg.Name, "name", "bot", "collaborator name, used as the claim owner")
	fl.StringVar(&cfg.LabelType, "type", "", "only claim labels of this type")
	fl.Uint64Var(&cfg.Every, "every", 5, "poll labels every N committed ticks")
	fl.IntVar(&cfg.MaxOwned, "max-owned", 2, "most labels held at once")
	fl.Float64Var(&cfg.MinMagnitude, "min-magnitude", 1, "ignore weaker unowned labels")
	fl.Float64Var(&cfg.ReleaseBelow, "release-below", 0.5, "release owned labels weaker than this (0 = never)")
	fl.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

// runBot speaks the collaborator protocol until ctx ends or the server hangs up.
func runBot(ctx context.Context, url string, b *claimBot) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(b.hello()); err != nil {
		return errors.Wrap(err, "send HELLO")
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		out, err := b.Handle(msg)
		if err != nil {
			b.log.Debugw("bad message", "error", err)
			continue
		}
		for _, m := range out {
			if err := conn.WriteJSON(m); err != nil {
				return errors.Wrap(err, "write")
			}
		}
	}
}
