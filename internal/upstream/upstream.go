// Package upstream implements the upstream session manager (C5): a single
// WebSocket connection to the venue's market channel, with heartbeats,
// exponential-backoff reconnect, and a subscription registry that
// re-subscribes everything on every reconnect.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enher36/polymarket-relay/internal/sequencer"
	"github.com/enher36/polymarket-relay/pkg/types"
)

const resubscribePacing = 50 * time.Millisecond

// Handler processes one raw frame from the upstream socket. Implemented by
// router.Router.RouteMessage.
type Handler func(ctx context.Context, raw []byte)

// Config tunes connection and heartbeat timing.
type Config struct {
	URL             string
	HeartbeatPeriod time.Duration
	InitialDelay    time.Duration
	MaxDelay        time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 15 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	return c
}

// Manager owns the upstream WebSocket connection, the subscription
// registry, and the reconnect/heartbeat state machine.
type Manager struct {
	cfg     Config
	handler Handler
	seq     *sequencer.Sequencer
	log     *slog.Logger

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	subMu sync.Mutex
	subs  map[string]map[types.Channel]bool

	running sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// New creates an upstream session manager. handler receives every raw
// frame the socket delivers; seq is pruned on every heartbeat tick.
func New(cfg Config, handler Handler, seq *sequencer.Sequencer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		handler: handler,
		seq:     seq,
		log:     log.With("component", "upstream"),
		subs:    make(map[string]map[types.Channel]bool),
		stopCh:  make(chan struct{}),
	}
}

// Run connects and maintains the connection with auto-reconnect, blocking
// until ctx is cancelled or Stop is called. It never returns an error to
// the caller after entering the loop: connection failures are retried
// forever while running.
func (m *Manager) Run(ctx context.Context) {
	delay := m.cfg.InitialDelay

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		err := m.connectAndServe(ctx)
		if m.IsConnected() {
			// The dial succeeded this round: restart backoff from the initial delay.
			delay = m.cfg.InitialDelay
		}
		m.setConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		m.log.Warn("upstream connection lost, reconnecting",
			slog.String("ctx_error", errString(err)),
			slog.Duration("ctx_backoff", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

func (m *Manager) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.setConnected(true)
	m.log.Info("upstream connected")

	defer func() {
		m.connMu.Lock()
		conn.Close()
		m.conn = nil
		m.connMu.Unlock()
	}()

	if err := m.resubscribeAll(ctx); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		m.heartbeatLoop(ctx, conn)
	}()

	err = m.receiveLoop(ctx, conn)
	conn.Close()
	<-heartbeatDone
	return err
}

func (m *Manager) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("message handler panicked", slog.Any("ctx_error", r))
				}
			}()
			m.handler(ctx, raw)
		}()
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.seq != nil {
				m.seq.Prune()
			}
			m.connMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			m.connMu.Unlock()
			if err != nil {
				m.log.Warn("heartbeat send failed, closing connection", slog.String("ctx_error", err.Error()))
				conn.Close()
				return
			}
		}
	}
}

// Subscribe registers tokenID for every channel in channels and, if
// currently connected, sends the subscribe frame immediately. Idempotent.
func (m *Manager) Subscribe(tokenID string, channels ...types.Channel) {
	m.subMu.Lock()
	set, ok := m.subs[tokenID]
	if !ok {
		set = make(map[types.Channel]bool)
		m.subs[tokenID] = set
	}
	for _, ch := range channels {
		set[ch] = true
	}
	m.subMu.Unlock()

	if m.IsConnected() {
		if err := m.sendSubscribe(tokenID); err != nil {
			m.log.Warn("subscribe send failed", slog.String("ctx_token_id", tokenID), slog.String("ctx_error", err.Error()))
		}
	}
}

// Unsubscribe removes tokenID from the registry and resets its order-book
// sequencer state so a future resubscribe starts cleanly. The upstream
// wire protocol has no explicit unsubscribe frame, so none is sent.
func (m *Manager) Unsubscribe(tokenID string) {
	m.subMu.Lock()
	delete(m.subs, tokenID)
	m.subMu.Unlock()

	if m.seq != nil {
		m.seq.ResetOrderbookState(tokenID)
	}
}

// Stop terminates the session: running is cleared, the socket is closed,
// and all order-book state is reset.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	if m.stopped {
		m.stopMu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.stopMu.Unlock()

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.connMu.Unlock()

	if m.seq != nil {
		m.seq.ResetOrderbookState("")
	}
}

// IsConnected reports whether the upstream socket is currently open.
func (m *Manager) IsConnected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connected
}

// SubscriptionCount returns the number of distinct tokens subscribed.
func (m *Manager) SubscriptionCount() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subs)
}

func (m *Manager) setConnected(v bool) {
	m.connMu.Lock()
	m.connected = v
	m.connMu.Unlock()
}

func (m *Manager) resubscribeAll(ctx context.Context) error {
	m.subMu.Lock()
	tokens := make([]string, 0, len(m.subs))
	for tokenID := range m.subs {
		tokens = append(tokens, tokenID)
	}
	m.subMu.Unlock()

	for _, tokenID := range tokens {
		if err := m.sendSubscribe(tokenID); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribePacing):
		}
	}
	return nil
}

func (m *Manager) sendSubscribe(tokenID string) error {
	frame, err := json.Marshal(types.WSSubscribeMsg{AssetIDs: []string{tokenID}, Type: "market"})
	if err != nil {
		return fmt.Errorf("marshal subscribe frame: %w", err)
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
