package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/protocol"
	"github.com/luvhive/mysterymatch/internal/ws"
	"github.com/luvhive/mysterymatch/pkg/types"
)

var ErrClosed = errors.New("session closed")

// API is the slice of the REST client a session needs.
type API interface {
	Chat(ctx context.Context, matchID, userID string) (types.ChatResponse, error)
	SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error)
}

// Transport is the realtime socket of one chat, normally a *ws.Manager.
type Transport interface {
	Start()
	Close() error
	Stats() ws.Stats
	SendMessageAt(content, ts string) bool
	SendTyping(isTyping bool)
	SendReadReceipt(messageID string)
}

// NewTransport builds the socket for a session. h receives decoded frames and
// onState every connection state change.
type NewTransport func(matchID, userID string, h protocol.Handler, onState func(ws.State)) (Transport, error)

// SocketTransport opens a ws.Manager per session. policy is called once per
// session since backoff policies carry state.
func SocketTransport(tmpl ws.Config, policy func() backoff.BackOff, logger *zap.Logger) NewTransport {
	return func(matchID, userID string, h protocol.Handler, onState func(ws.State)) (Transport, error) {
		cfg := tmpl
		cfg.MatchID = matchID
		cfg.UserID = userID
		cfg.OnStateChange = onState
		if policy != nil {
			cfg.Policy = policy()
		}
		return ws.New(cfg, h, logger)
	}
}

type Msg interface{ isSessionMsg() }

type FromSocket struct {
	Cmd chat.Command
}

type ConnChanged struct{ Connected bool }

type HistoryLoaded struct {
	Resp types.ChatResponse
}

type LocalEcho struct {
	Message chat.Message
	Reply   chan error
}

type Persisted struct {
	Timestamp string
	Resp      types.SendMessageResponse
}

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

type Leave struct{ ClientID string }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

type toastExpired struct{ Gen int }

func (FromSocket) isSessionMsg()    {}
func (ConnChanged) isSessionMsg()   {}
func (HistoryLoaded) isSessionMsg() {}
func (LocalEcho) isSessionMsg()     {}
func (Persisted) isSessionMsg()     {}
func (Join) isSessionMsg()          {}
func (Leave) isSessionMsg()         {}
func (GetState) isSessionMsg()      {}
func (Shutdown) isSessionMsg()      {}
func (toastExpired) isSessionMsg()  {}

type Snapshot struct {
	Version int        `json:"version"`
	State   chat.State `json:"state"`
}

type View struct {
	Version    int        `json:"version"`
	NumClients int        `json:"num_clients"`
	State      chat.State `json:"state"`
	Progress   float64    `json:"progress"`
	ToNext     int        `json:"messages_to_next"`
	Revealed   []string   `json:"revealed"`
	Expired    bool       `json:"expired"`
	Socket     ws.Stats   `json:"socket"`
}

type Config struct {
	MatchID       string
	UserID        string
	ToastDuration time.Duration
	Now           func() time.Time
}

// Session owns the chat state of one (match, user) pair. All state changes go
// through the inbox and are applied on a single goroutine.
type Session struct {
	cfg       Config
	api       API
	transport Transport
	log       *zap.Logger

	inbox     chan Msg
	state     chat.State
	version   int
	clients   map[string]chan Snapshot
	toast     *time.Timer
	connected bool // ever connected, to refetch after a reconnect

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	transportOnce sync.Once
	transportErr  error
}

func New(parent context.Context, cfg Config, client API, dial NewTransport, logger *zap.Logger) (*Session, error) {
	if cfg.MatchID == "" || cfg.UserID == "" {
		return nil, ws.ErrMissingIDs
	}
	if cfg.ToastDuration <= 0 {
		cfg.ToastDuration = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		cfg:     cfg,
		api:     client,
		log:     logger.With(zap.String("match_id", cfg.MatchID), zap.String("user_id", cfg.UserID)),
		inbox:   make(chan Msg, 64),
		state:   chat.NewEmptyState(cfg.MatchID, cfg.UserID),
		clients: make(map[string]chan Snapshot),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	t, err := dial(cfg.MatchID, cfg.UserID, s, s.onTransportState)
	if err != nil {
		cancel()
		return nil, err
	}
	s.transport = t

	go s.loop()
	return s, nil
}

func (s *Session) MatchID() string { return s.cfg.MatchID }
func (s *Session) UserID() string  { return s.cfg.UserID }

// Inbox exposes the actor inbox to the bridge and tests.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Start loads the history and then opens the socket. A rejected session
// (401) is returned and the socket stays closed; other history failures are
// logged and the socket is opened anyway.
func (s *Session) Start(ctx context.Context) error {
	if err := s.loadHistory(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return err
		}
		s.log.Warn("loading history failed", zap.Error(err))
	}
	s.transport.Start()
	return nil
}

// Send appends the message locally, persists it over REST and pushes it on
// the socket. The echo, the REST call and the frame share one timestamp so
// the server's broadcast of the same message is recognised as a duplicate.
func (s *Session) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.ErrEmptyMessage
	}
	ts := protocol.Timestamp(s.cfg.Now())

	reply := make(chan error, 1)
	if !s.post(LocalEcho{Message: chat.LocalMessage(content, ts), Reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	resp, err := s.api.SendMessage(ctx, types.SendMessageRequest{
		MatchID:   types.ID(s.cfg.MatchID),
		SenderID:  types.ID(s.cfg.UserID),
		Message:   content,
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	s.post(Persisted{Timestamp: ts, Resp: resp})
	if resp.UnlockAchieved {
		s.post(FromSocket{Cmd: chat.Command{Type: chat.CmdUnlockAchieved, UnlockLevel: resp.UnlockLevel}})
	}

	if !s.transport.SendMessageAt(content, ts) {
		s.log.Debug("socket closed, message delivered over REST only")
	}
	return nil
}

func (s *Session) SetTyping(isTyping bool) { s.transport.SendTyping(isTyping) }

func (s *Session) MarkRead(messageID string) {
	if messageID != "" {
		s.transport.SendReadReceipt(messageID)
	}
}

// Join registers outbox for snapshots; the current one is sent right away.
func (s *Session) Join(clientID string, outbox chan Snapshot) error {
	if !s.post(Join{ClientID: clientID, Outbox: outbox}) {
		return ErrClosed
	}
	return nil
}

func (s *Session) Leave(clientID string) { s.post(Leave{ClientID: clientID}) }

func (s *Session) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if !s.post(GetState{Reply: reply}) {
		return View{}, ErrClosed
	}
	select {
	case v := <-reply:
		v.Socket = s.transport.Stats()
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.done:
		return View{}, ErrClosed
	}
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the socket and the actor. Client outboxes are closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.closeTransport()
		s.cancel()
		<-s.done
	})
	return err
}

// closeTransport closes the socket once, whichever exit path gets there first.
func (s *Session) closeTransport() error {
	s.transportOnce.Do(func() {
		s.transportErr = s.transport.Close()
	})
	return s.transportErr
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.clients[msg.ClientID] = msg.Outbox
				select {
				case msg.Outbox <- Snapshot{Version: s.version, State: s.state.Clone()}:
				default:
					close(msg.Outbox)
					delete(s.clients, msg.ClientID)
				}

			case Leave:
				if ch, ok := s.clients[msg.ClientID]; ok {
					close(ch)
					delete(s.clients, msg.ClientID)
				}

			case FromSocket:
				_ = s.apply(msg.Cmd)

			case ConnChanged:
				if msg.Connected && s.connected {
					go s.refetch()
				}
				if msg.Connected {
					s.connected = true
				}
				_ = s.apply(chat.Command{Type: chat.CmdConnectionChanged, Connected: msg.Connected})

			case HistoryLoaded:
				_ = s.apply(historyCommand(msg.Resp, s.cfg.UserID))

			case LocalEcho:
				msg.Reply <- s.apply(chat.Command{Type: chat.CmdLocalEcho, Message: msg.Message})

			case Persisted:
				_ = s.apply(chat.Command{
					Type:         chat.CmdPersisted,
					Message:      chat.Message{ServerID: msg.Resp.Message.ID.String(), Timestamp: msg.Timestamp},
					MessageCount: msg.Resp.MessageCount,
					UnlockLevel:  msg.Resp.UnlockLevel,
				})

			case toastExpired:
				_ = s.apply(chat.Command{Type: chat.CmdToastExpired, Gen: msg.Gen})

			case GetState:
				msg.Reply <- View{
					Version:    s.version,
					NumClients: len(s.clients),
					State:      s.state.Clone(),
					Progress:   s.state.Progress(),
					ToNext:     chat.MessagesToNext(s.state.MessageCount, s.state.UnlockLevel),
					Revealed:   chat.RevealedFields(s.state.UnlockLevel),
					Expired:    s.state.Expired(s.cfg.Now()),
				}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) apply(cmd chat.Command) error {
	events, newState, err := chat.Apply(s.state, cmd)
	if err != nil {
		if !errors.Is(err, chat.ErrEmptyMessage) {
			s.log.Debug("command rejected", zap.String("cmd", string(cmd.Type)), zap.Error(err))
		}
		return err
	}
	s.state = newState

	for _, ev := range events {
		switch ev.Type {
		case chat.EvtUnlockLevelChanged:
			s.log.Info("unlock level reached", zap.Int("level", int(ev.Level)))
		case chat.EvtToastShown:
			s.armToast(ev.Gen)
		case chat.EvtRefetchRequested:
			go s.refetch()
		}
	}

	if len(events) > 0 && onlyDuplicates(events) {
		return nil
	}
	s.version++
	s.broadcast(Snapshot{Version: s.version, State: s.state.Clone()})
	return nil
}

func onlyDuplicates(events []chat.Event) bool {
	for _, ev := range events {
		if ev.Type != chat.EvtDuplicateDropped {
			return false
		}
	}
	return true
}

func (s *Session) armToast(gen int) {
	if s.toast != nil {
		s.toast.Stop()
	}
	s.toast = time.AfterFunc(s.cfg.ToastDuration, func() {
		s.post(toastExpired{Gen: gen})
	})
}

func (s *Session) refetch() {
	if err := s.loadHistory(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("refetching history failed", zap.Error(err))
	}
}

func (s *Session) loadHistory(ctx context.Context) error {
	resp, err := s.api.Chat(ctx, s.cfg.MatchID, s.cfg.UserID)
	if err != nil {
		return err
	}
	s.post(HistoryLoaded{Resp: resp})
	return nil
}

func historyCommand(resp types.ChatResponse, userID string) chat.Command {
	msgs := make([]chat.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, chat.FromHistory(m, userID))
	}
	match := resp.Match
	return chat.Command{
		Type:         chat.CmdHistoryLoaded,
		Messages:     msgs,
		Match:        &match,
		MessageCount: resp.Match.MessageCount,
		UnlockLevel:  resp.Match.UnlockLevel,
	}
}

// post hands m to the loop; it reports false once the session is gone.
func (s *Session) post(m Msg) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// shutdown runs on the loop for every exit path. The context is cancelled
// before the socket is closed so the transport's callbacks, which post to
// the inbox, return instead of blocking on the stopped loop.
func (s *Session) shutdown() {
	s.cancel()
	if s.toast != nil {
		s.toast.Stop()
	}
	for id, ch := range s.clients {
		close(ch) // no more snapshots
		delete(s.clients, id)
	}
	if err := s.closeTransport(); err != nil {
		s.log.Debug("closing socket failed", zap.Error(err))
	}
}

func (s *Session) broadcast(snap Snapshot) {
	for id, ch := range s.clients {
		select {
		case ch <- snap:
		default:
			// Slow client, drop it.
			close(ch)
			delete(s.clients, id)
		}
	}
}

func (s *Session) onTransportState(st ws.State) {
	switch st {
	case ws.StateConnected:
		s.post(ConnChanged{Connected: true})
	case ws.StateDisconnected, ws.StateClosed:
		s.post(ConnChanged{Connected: false})
	}
}
