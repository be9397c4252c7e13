// Package push owns the single live channel to the push backend. A
// reader goroutine feeds inboundCh with raw WebSocket messages; one
// event loop goroutine processes inbound events and heartbeat ticks
// and owns all writes to the connection. Nothing else in the process
// touches the channel; consumers see only dispatched events and cached
// aggregates.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/corehr/portal-sync/internal/bus"
	"github.com/corehr/portal-sync/internal/metrics"
	"github.com/corehr/portal-sync/internal/models"
	"github.com/corehr/portal-sync/internal/session"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	// inboundChanSize is the buffer for the reader-to-loop channel.
	inboundChanSize = 64

	// readLimit bounds a single inbound frame. Event payloads are
	// small JSON documents; anything near this is a protocol error.
	readLimit = 1 * 1024 * 1024

	// jitterDivisor controls reconnect jitter: uniform in
	// [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// Config tunes the connection manager.
type Config struct {
	// Host is the push backend host, dialed as wss://<host>/push.
	Host string

	// Device identifies this client in the join message.
	Device string

	// ReconnectMin is the initial backoff after an unexpected
	// disconnect; it doubles per failed attempt up to ReconnectMax.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// MaxAttempts bounds consecutive failed reconnects. Exceeding it
	// puts the manager in degraded mode: the polling fallback becomes
	// the only update source until Open is called again.
	MaxAttempts int

	// PollInterval is the degraded-mode polling cadence.
	PollInterval time.Duration
}

// Manager maintains at most one live channel per authenticated
// session. A new session always tears the prior channel down fully
// before a new one opens.
type Manager struct {
	cfg        Config
	sess       *session.Context
	dispatcher *bus.Dispatcher
	bus        *bus.Bus
	logger     *slog.Logger
	dial       Dialer

	conn       wsConn
	inboundCh  chan inboundMsg
	connCancel context.CancelFunc

	stateMu sync.RWMutex
	state   State
	attempt int
	onState []func(State, int)

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// closeMu guards closed, closedCh, and connCancel. closedCh is
	// recreated on every Open and closed exactly once by Close so
	// waiters (the backoff timer, the degraded poller) unblock.
	closeMu  sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// NewManager creates a Manager. dial may be nil to use the WebSocket
// dialer.
func NewManager(cfg Config, sess *session.Context, dispatcher *bus.Dispatcher, b *bus.Bus, logger *slog.Logger, dial Dialer) *Manager {
	if dial == nil {
		dial = defaultDialer
	}

	return &Manager{
		cfg:        cfg,
		sess:       sess,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger,
		dial:       dial,
		state:      StateDisconnected,
	}
}

func defaultDialer(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Origin": []string{"app://portal"},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// OnStateChange registers a listener for connection-state transitions.
// Listeners must not block; nothing in the core waits on connection
// state.
func (m *Manager) OnStateChange(fn func(State, int)) {
	m.stateMu.Lock()
	m.onState = append(m.onState, fn)
	m.stateMu.Unlock()
}

// ConnState returns the current state and reconnect attempt counter.
func (m *Manager) ConnState() (State, int) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	return m.state, m.attempt
}

// Open establishes the channel and joins the user's room. Fails with
// ErrNoSession unless the session is authenticated. Close must run
// before Open runs again for a different session.
func (m *Manager) Open(ctx context.Context) error {
	sess := m.sess.Current()
	if !sess.Authenticated() {
		return ErrNoSession
	}

	m.closeMu.Lock()
	m.closed = false
	m.closedCh = make(chan struct{})
	m.closeMu.Unlock()

	m.setState(StateConnecting, 0)

	if err := m.connect(ctx, sess); err != nil {
		m.setState(StateDisconnected, 0)
		return fmt.Errorf("opening push channel: %w", err)
	}

	m.setState(StateConnected, 0)
	m.logger.Info("push channel open", slog.String("user_id", sess.UserID))

	return nil
}

// connect dials and sends the join control message so the backend
// routes user-scoped events to this channel.
func (m *Manager) connect(ctx context.Context, sess models.Session) error {
	url := "wss://" + m.cfg.Host + "/push"
	m.logger.Debug("dialing", slog.String("url", url))

	conn, err := m.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)

	join := joinMessage{
		Op:     "join",
		UserID: sess.UserID,
		Device: m.cfg.Device,
		ConnID: uuid.NewString(),
	}
	data, err := json.Marshal(join)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("marshalling join: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("sending join: %w", err)
	}

	m.conn = conn
	m.touchLastMessage()

	return nil
}

// Close tears down the channel and cancels any pending reconnect.
// Idempotent.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	if m.closedCh != nil {
		close(m.closedCh)
	}
	cancel := m.connCancel
	m.closeMu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if m.conn != nil {
		err = m.conn.Close(websocket.StatusNormalClosure, "bye")
		m.conn = nil
	}

	m.setState(StateDisconnected, 0)

	return err
}

func (m *Manager) isClosed() bool {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	return m.closed
}

// closedChan returns the channel Close closes. Nil before the first
// Open; a nil channel blocks forever in a select, which is correct
// because Run requires a prior Open.
func (m *Manager) closedChan() <-chan struct{} {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	return m.closedCh
}

func (m *Manager) setConnCancel(cancel context.CancelFunc) {
	m.closeMu.Lock()
	m.connCancel = cancel
	m.closeMu.Unlock()
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The goroutine captures ch by value so a stale
// reader from a previous connection cannot feed the new channel.
func (m *Manager) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch
	conn := m.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run is the event loop with automatic reconnection. Open must have
// succeeded first. Returns on context cancellation, Close, or after
// degraded mode ends.
func (m *Manager) Run(ctx context.Context) error {
	if m.conn == nil {
		return fmt.Errorf("push: Run called before Open")
	}

	backoff := m.cfg.ReconnectMin
	attempt := 0

	connCtx, connCancel := context.WithCancel(ctx)
	m.setConnCancel(connCancel)
	m.startReader(connCtx)

	for {
		err := m.eventLoop(ctx, connCtx)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.isClosed() {
			return nil
		}

		attempt++
		m.setState(StateReconnecting, attempt)
		m.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.closedChan():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if m.isClosed() {
			return nil
		}

		sess := m.sess.Current()
		if !sess.Authenticated() {
			m.setState(StateDisconnected, attempt)
			return ErrNoSession
		}

		if err := m.connect(ctx, sess); err != nil {
			m.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			if attempt >= m.cfg.MaxAttempts {
				return m.degrade(ctx)
			}
			backoff = min(backoff*2, m.cfg.ReconnectMax)
			continue
		}

		// Close may have raced the dial; a closed manager must never
		// leave a fresh channel behind.
		if m.isClosed() {
			m.conn.Close(websocket.StatusNormalClosure, "bye")
			return nil
		}

		// The backend forgot our room membership with the dropped
		// channel; connect re-sent join, so events flow again.
		connCtx, connCancel = context.WithCancel(ctx)
		m.setConnCancel(connCancel)
		m.startReader(connCtx)

		backoff = m.cfg.ReconnectMin
		attempt = 0
		m.setState(StateConnected, 0)
		metrics.IncReconnect()
		m.logger.Info("push channel reconnected")
	}
}

// degrade enters the terminal disconnected state and runs the polling
// fallback until the context ends or Close is called. Badges and lists
// keep moving on the periodic refresh signal; live updates stop.
func (m *Manager) degrade(ctx context.Context) error {
	m.setState(StateDisconnected, m.cfg.MaxAttempts)
	m.bus.Publish(bus.TopicDegraded, nil)
	m.logger.Warn("push unavailable, falling back to polling",
		slog.Duration("interval", m.cfg.PollInterval),
	)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.closedChan():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	err := NewPoller(m.bus, m.cfg.PollInterval, m.logger).Run(pollCtx)
	if m.isClosed() {
		return nil
	}

	return err
}

// eventLoop processes inbound messages and heartbeat ticks for one
// connection. All writes happen here. Returns on read error or
// context cancellation.
func (m *Manager) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleInbound(msg.data)

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("push channel timed out, closing")
				m.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := m.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes one text frame and dispatches it. Decode
// failures are logged and skipped; a malformed event must not take
// down the receive loop.
func (m *Manager) handleInbound(data []byte) {
	if gjson.GetBytes(data, "op").Str == "pong" {
		return
	}

	kind := gjson.GetBytes(data, "kind").Str
	if kind == "" {
		m.logger.Debug("frame without event kind", slog.Int("bytes", len(data)))
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("failed to decode event envelope",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}

	m.dispatcher.Dispatch(models.InboundEvent{
		Kind:       models.EventKind(env.Kind),
		Payload:    env.Payload,
		ReceivedAt: time.Now(),
	})
}

func (m *Manager) setState(s State, attempt int) {
	m.stateMu.Lock()
	m.state = s
	m.attempt = attempt
	listeners := make([]func(State, int), len(m.onState))
	copy(listeners, m.onState)
	m.stateMu.Unlock()

	metrics.SetConnectionState(string(s))

	for _, fn := range listeners {
		fn(s, attempt)
	}
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop or during connect.
func (m *Manager) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return m.conn.Write(ctx, websocket.MessageText, data)
}
