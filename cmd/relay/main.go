// Command relay runs the Polymarket market-data relay: it maintains a
// single upstream WebSocket session, sequences and persists order book and
// trade events, and optionally re-publishes them to downstream clients and
// exposes a monitoring endpoint.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/store        — SQLite persistence for markets, tokens, trades, order book levels (C1)
//	internal/bus          — in-process pub/sub event bus (C2)
//	internal/sequencer    — per-token order book sequence validation and TTL/LRU state (C3)
//	internal/router       — dispatches raw upstream frames to trade/orderbook handlers (C4)
//	internal/upstream     — upstream WebSocket session with heartbeat and reconnect (C5)
//	internal/relay        — downstream WebSocket relay server (C6)
//	internal/scanner      — periodic REST market discovery and retention cleanup (C7)
//	internal/resolver     — URL/slug to token id resolution (C8)
//	internal/monitor      — health/metrics HTTP endpoint (C9)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/enher36/polymarket-relay/internal/bus"
	"github.com/enher36/polymarket-relay/internal/config"
	"github.com/enher36/polymarket-relay/internal/monitor"
	"github.com/enher36/polymarket-relay/internal/relay"
	"github.com/enher36/polymarket-relay/internal/resolver"
	"github.com/enher36/polymarket-relay/internal/router"
	"github.com/enher36/polymarket-relay/internal/scanner"
	"github.com/enher36/polymarket-relay/internal/sequencer"
	"github.com/enher36/polymarket-relay/internal/store"
	"github.com/enher36/polymarket-relay/internal/upstream"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "configs/config.yaml",
	EnvVars: []string{"POLYREL_CONFIG_PATH"},
	Usage:   "path to the YAML config file",
}

func main() {
	app := &cli.App{
		Name:     "relay",
		Usage:    "run the Polymarket market-data relay",
		Flags:    []cli.Flag{configFlag},
		Action:   run,
		Commands: []*cli.Command{
			{
				Name:      "resolve",
				Usage:     "resolve a market URL or slug to its yes/no token ids",
				ArgsUsage: "<url-or-slug>",
				Flags:     []cli.Flag{configFlag},
				Action:    resolveCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("relay exited with error", slog.String("ctx_error", err.Error()))
		os.Exit(1)
	}
}

func resolveCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: relay resolve <url-or-slug>")
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	restClient := scanner.NewRESTClient(cfg.API.BaseURL, cfg.API.Timeout, cfg.API.RPS)
	res := resolver.New(restClient, st, logger)

	result, err := res.Resolve(c.Context, c.Args().First(), true)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	fmt.Printf("slug=%s yes_token=%s no_token=%s\n", result.Slug, result.YesToken, result.NoToken)
	return nil
}

func run(c *cli.Context) error {
	cfgPath := c.String("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New(logger)

	seq := sequencer.New(sequencer.Config{
		MaxEntries:      cfg.Sequencer.MaxEntries,
		TTL:             cfg.Sequencer.TTLSec,
		StrictGapPolicy: cfg.Sequencer.StrictGapPolicy,
	}, logger)

	rtr := router.New(seq, st, b, logger)

	up := upstream.New(upstream.Config{
		URL:             cfg.WS.URL,
		HeartbeatPeriod: cfg.WS.HeartbeatSec,
		InitialDelay:    cfg.WS.ReconnectSec,
		MaxDelay:        cfg.WS.MaxReconnectSec,
	}, rtr.RouteMessage, seq, logger)

	restClient := scanner.NewRESTClient(cfg.API.BaseURL, cfg.API.Timeout, cfg.API.RPS)

	scn := scanner.New(restClient, st, scanner.Config{
		PageSize:    cfg.Scanner.PageSize,
		TradeRetain: cfg.Scanner.TradeRetain,
		BookRetain:  cfg.Scanner.BookRetain,
	}, logger)

	var relayHub *relay.Hub
	if cfg.Forward.Enabled {
		relayHub = relay.NewHub(b, up, st, cfg.Forward.MarketListMaxLimit, logger)
	}

	var mon *monitor.Server
	if cfg.Web.Enabled {
		mon = monitor.NewServer(fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port), &stats{bus: b, up: up, relay: relayHub}, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var relayServer *http.Server
	var relayErrCh chan error
	if relayHub != nil {
		addr := fmt.Sprintf("%s:%d", cfg.Forward.Host, cfg.Forward.Port)
		relayServer = &http.Server{Addr: addr, Handler: relayHub}
		relayErrCh = make(chan error, 1)
		go func() {
			logger.Info("relay server starting", slog.String("ctx_addr", addr))
			if err := relayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				relayErrCh <- err
				return
			}
			relayErrCh <- nil
		}()
	}

	go up.Run(ctx)

	var monErrCh chan error
	if mon != nil {
		monErrCh = make(chan error, 1)
		go func() { monErrCh <- mon.Start() }()
	}

	go scn.Run(ctx, cfg.Scanner.IntervalSec, category(cfg.Scanner.Category))

	if mon != nil {
		mon.Ready()
	}

	logger.Info("relay started",
		slog.String("ctx_ws_url", cfg.WS.URL),
		slog.Bool("ctx_forward_enabled", cfg.Forward.Enabled),
		slog.Bool("ctx_web_enabled", cfg.Web.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("ctx_signal", sig.String()))
	case err := <-relayErrCh:
		if err != nil {
			logger.Error("relay server failed", slog.String("ctx_error", err.Error()))
		}
	case err := <-monErrCh:
		if err != nil {
			logger.Error("monitor server failed", slog.String("ctx_error", err.Error()))
		}
	}

	// Reverse of startup order (§6 process signals): scanner → web → upstream → relay → REST → persistence.
	// Scanner stops as soon as cancel() cancels its ticker loop.
	cancel()

	if mon != nil {
		if err := mon.Stop(); err != nil {
			logger.Error("failed to stop monitor server", slog.String("ctx_error", err.Error()))
		}
	}

	up.Stop()

	if relayHub != nil {
		relayHub.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop relay server", slog.String("ctx_error", err.Error()))
		}
		shutdownCancel()
	}

	// REST client has no independent lifecycle; persistence closes via the deferred st.Close() above.
	logger.Info("relay stopped")
	return nil
}

func category(c string) *string {
	if c == "" {
		return nil
	}
	return &c
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stats adapts the bus, upstream manager, and relay hub onto
// monitor.StatsCollector.
type stats struct {
	bus   *bus.Bus
	up    *upstream.Manager
	relay *relay.Hub
}

func (s *stats) SubscriberCount() int           { return s.bus.SubscriberCount() }
func (s *stats) UpstreamConnected() bool        { return s.up.IsConnected() }
func (s *stats) UpstreamSubscriptionCount() int { return s.up.SubscriptionCount() }

func (s *stats) RelayClientCount() int {
	if s.relay == nil {
		return 0
	}
	return s.relay.ClientCount()
}

func (s *stats) RelaySubscriptionCount() int {
	if s.relay == nil {
		return 0
	}
	return s.relay.SubscriptionCount()
}

