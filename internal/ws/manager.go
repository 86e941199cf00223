package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/protocol"
)

var ErrMissingIDs = errors.New("match id and user id are required")
var ErrNotConnected = errors.New("socket not connected")
var ErrClosed = errors.New("connection manager closed")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

type Config struct {
	BaseURL string
	MatchID string
	UserID  string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// Policy decides the delay before each reconnect. backoff.Stop ends the
	// manager. Reset is called after every successful open.
	Policy backoff.BackOff

	Header http.Header

	// OnStateChange runs on the manager goroutine (or inside Close) and must
	// not block.
	OnStateChange func(State)

	Now func() time.Time
}

type Stats struct {
	State               State `json:"state"`
	DialAttempts        int   `json:"dial_attempts"`
	ReconnectsScheduled int   `json:"reconnects_scheduled"`
}

// Manager owns the single socket of one (match, user) chat and keeps it
// alive until Close.
type Manager struct {
	cfg     Config
	url     string
	handler protocol.Handler
	log     *zap.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	reconnects int
	started    bool
	closing    bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, h protocol.Handler, logger *zap.Logger) (*Manager, error) {
	if cfg.MatchID == "" || cfg.UserID == "" {
		return nil, ErrMissingIDs
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = FixedPolicy(DefaultReconnectDelay)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		url:     ChatURL(cfg.BaseURL, cfg.MatchID, cfg.UserID),
		handler: h,
		log:     logger.With(zap.String("match_id", cfg.MatchID), zap.String("user_id", cfg.UserID)),
		state:   StateDisconnected,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

func (m *Manager) URL() string { return m.url }

// Start launches the connect loop. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.ctx.Err() != nil {
		return
	}
	m.started = true
	go m.run()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{State: m.state, DialAttempts: m.attempts, ReconnectsScheduled: m.reconnects}
}

// Close releases the socket, the heartbeat and any pending reconnect timer.
// No reconnect is scheduled after Close returns.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		conn, started := m.conn, m.started
		m.started = true
		m.closing = true
		m.mu.Unlock()

		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "bye")
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = nil
			}
		}
		m.cancel()
		if started {
			<-m.done
		}
		m.setState(StateClosed)
	})
	return err
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		m.setState(StateConnecting)
		conn, err := m.dial()
		if err != nil {
			if !m.stopping() {
				m.log.Warn("websocket dial failed", zap.Error(err))
			}
		} else {
			m.serve(conn)
		}

		if m.stopping() {
			return
		}
		m.setState(StateDisconnected)

		delay := m.cfg.Policy.NextBackOff()
		if delay == backoff.Stop {
			m.log.Warn("reconnect attempts exhausted")
			m.setState(StateClosed)
			return
		}

		m.mu.Lock()
		m.reconnects++
		attempt := m.reconnects
		m.mu.Unlock()
		m.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempt))

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing || m.ctx.Err() != nil
}

func (m *Manager) dial() (*websocket.Conn, error) {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{HTTPHeader: m.cfg.Header})
	return conn, err
}

// serve runs one connection until it drops.
func (m *Manager) serve(conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.cfg.Policy.Reset()
	m.setState(StateConnected)

	hbDone := make(chan struct{})
	go m.heartbeat(connCtx, conn, hbDone)

	defer func() {
		cancel()
		<-hbDone
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				m.log.Info("websocket closed", zap.Error(err))
			default:
				if !m.stopping() {
					m.log.Warn("websocket read failed", zap.Error(err))
				}
			}
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if m.handler != nil {
			protocol.Dispatch(ev, m.handler)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.write(ctx, conn, protocol.Ping()); err != nil {
				m.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// SendMessage sends a chat frame stamped now. It reports false when the
// socket is not open; nothing is queued.
func (m *Manager) SendMessage(content string) bool {
	return m.SendMessageAt(content, protocol.Timestamp(m.cfg.Now()))
}

func (m *Manager) SendMessageAt(content, ts string) bool {
	return m.send(protocol.Message(content, ts)) == nil
}

func (m *Manager) SendTyping(isTyping bool) {
	_ = m.send(protocol.TypingFrame(isTyping))
}

func (m *Manager) SendReadReceipt(messageID string) {
	_ = m.send(protocol.ReadReceipt(messageID))
}

func (m *Manager) send(f protocol.ClientFrame) error {
	m.mu.Lock()
	conn, st := m.conn, m.state
	m.mu.Unlock()
	if st == StateClosed {
		return ErrClosed
	}
	if conn == nil || st != StateConnected {
		return ErrNotConnected
	}
	if err := m.write(m.ctx, conn, f); err != nil {
		m.log.Debug("send failed", zap.String("type", f.Type), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, f protocol.ClientFrame) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	hook := m.cfg.OnStateChange
	m.mu.Unlock()

	m.log.Debug("state changed", zap.String("state", string(s)))
	if hook != nil {
		hook(s)
	}
}
