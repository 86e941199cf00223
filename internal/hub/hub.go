package hub

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/session"
)

var ErrSessionNotFound = errors.New("session not found")
var ErrHubClosed = errors.New("hub closed")

// Key identifies one chat: a user looking at one match. Each key owns exactly
// one session and so one socket.
type Key struct {
	MatchID string `json:"match_id"`
	UserID  string `json:"user_id"`
}

// Factory builds an unstarted session for a key.
type Factory func(ctx context.Context, k Key) (*session.Session, error)

type HubMsg interface{ isHubMsg() }

type EnsureSession struct {
	Key   Key
	Reply chan ensureReply
}

type GetSession struct {
	Key   Key
	Reply chan *session.Session
}

type RemoveSession struct {
	Key   Key
	Reply chan *session.Session
}

type ListSessions struct {
	Reply chan []Key
}

type ShutdownHub struct {
	Reply chan error
}

type ensureReply struct {
	sess    *session.Session
	created bool
	err     error
}

func (EnsureSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (RemoveSession) isHubMsg() {}
func (ListSessions) isHubMsg()  {}
func (ShutdownHub) isHubMsg()   {}

type Hub struct {
	inbox    chan HubMsg
	sessions map[Key]*session.Session
	factory  Factory
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, factory Factory, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[Key]*session.Session),
		factory:  factory,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure returns the session for k, creating and starting it on first use.
// A session whose start fails is discarded.
func (h *Hub) Ensure(ctx context.Context, k Key) (*session.Session, error) {
	reply := make(chan ensureReply, 1)
	if err := h.send(ctx, EnsureSession{Key: k, Reply: reply}); err != nil {
		return nil, err
	}
	var r ensureReply
	select {
	case r = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubClosed
	}
	if r.err != nil || !r.created {
		return r.sess, r.err
	}

	if err := r.sess.Start(ctx); err != nil {
		h.log.Warn("session start failed", zap.String("match_id", k.MatchID), zap.String("user_id", k.UserID), zap.Error(err))
		_ = h.Remove(context.WithoutCancel(ctx), k)
		return nil, err
	}
	return r.sess, nil
}

func (h *Hub) Get(ctx context.Context, k Key) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, GetSession{Key: k, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		if s == nil {
			return nil, ErrSessionNotFound
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Remove forgets the session for k and closes it.
func (h *Hub) Remove(ctx context.Context, k Key) error {
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, RemoveSession{Key: k, Reply: reply}); err != nil {
		return err
	}
	select {
	case s := <-reply:
		if s == nil {
			return ErrSessionNotFound
		}
		return s.Close()
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) List(ctx context.Context) ([]Key, error) {
	reply := make(chan []Key, 1)
	if err := h.send(ctx, ListSessions{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case keys := <-reply:
		return keys, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Shutdown closes every session and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, ShutdownHub{Reply: reply}); err != nil {
		if errors.Is(err, ErrHubClosed) {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			_ = h.closeAll()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureSession:
				if s := h.sessions[msg.Key]; s != nil {
					msg.Reply <- ensureReply{sess: s}
					break
				}
				s, err := h.factory(h.ctx, msg.Key)
				if err != nil {
					msg.Reply <- ensureReply{err: err}
					break
				}
				h.sessions[msg.Key] = s
				h.log.Info("session created", zap.String("match_id", msg.Key.MatchID), zap.String("user_id", msg.Key.UserID))
				msg.Reply <- ensureReply{sess: s, created: true}

			case GetSession:
				msg.Reply <- h.sessions[msg.Key] // May be nil

			case RemoveSession:
				s := h.sessions[msg.Key]
				delete(h.sessions, msg.Key)
				msg.Reply <- s

			case ListSessions:
				keys := make([]Key, 0, len(h.sessions))
				for k := range h.sessions {
					keys = append(keys, k)
				}
				msg.Reply <- keys

			case ShutdownHub:
				msg.Reply <- h.closeAll()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) closeAll() error {
	var err error
	for k, s := range h.sessions {
		err = multierr.Append(err, s.Close())
		delete(h.sessions, k)
	}
	return err
}
