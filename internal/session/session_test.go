package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/protocol"
	"github.com/luvhive/mysterymatch/internal/ws"
	"github.com/luvhive/mysterymatch/pkg/types"
)

type fakeAPI struct {
	mu       sync.Mutex
	history  types.ChatResponse
	chatErr  error
	sendErr  error
	sendResp types.SendMessageResponse
	chats    int
	sent     []types.SendMessageRequest
}

func (f *fakeAPI) Chat(ctx context.Context, matchID, userID string) (types.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats++
	return f.history, f.chatErr
}

func (f *fakeAPI) SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.sendResp, f.sendErr
}

func (f *fakeAPI) chatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats
}

type fakeTransport struct {
	mu      sync.Mutex
	h       protocol.Handler
	onState func(ws.State)
	open    bool
	started bool
	closed  bool
	frames  []string // timestamps of sent message frames
	typing  []bool
	reads   []string
}

func (f *fakeTransport) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.open = false
	f.mu.Unlock()
	f.onState(ws.StateClosed)
	return nil
}

func (f *fakeTransport) Stats() ws.Stats { return ws.Stats{State: ws.StateConnected} }

func (f *fakeTransport) SendMessageAt(content, ts string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.frames = append(f.frames, ts)
	return true
}

func (f *fakeTransport) SendTyping(isTyping bool) {
	f.mu.Lock()
	f.typing = append(f.typing, isTyping)
	f.mu.Unlock()
}

func (f *fakeTransport) SendReadReceipt(id string) {
	f.mu.Lock()
	f.reads = append(f.reads, id)
	f.mu.Unlock()
}

// connect simulates the socket opening.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.onState(ws.StateConnected)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, a *fakeAPI) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s, err := New(context.Background(), Config{
		MatchID:       "42",
		UserID:        "7",
		ToastDuration: 50 * time.Millisecond,
		Now:           func() time.Time { return fixedNow },
	}, a, func(_, _ string, h protocol.Handler, onState func(ws.State)) (Transport, error) {
		ft.h = h
		ft.onState = onState
		return ft, nil
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// waitFor polls the session view until cond holds.
func waitFor(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		var err error
		v, err = s.View(context.Background())
		return err == nil && cond(v)
	}, time.Second, 5*time.Millisecond)
	return v
}

func TestNew_RequiresIDs(t *testing.T) {
	_, err := New(context.Background(), Config{MatchID: "42"}, &fakeAPI{}, nil, nil)
	assert.ErrorIs(t, err, ws.ErrMissingIDs)
}

func TestStart_LoadsHistoryThenOpensSocket(t *testing.T) {
	a := &fakeAPI{history: types.ChatResponse{
		Success: true,
		Match:   types.Match{MatchID: "42", MessageCount: 25, UnlockLevel: 1, Partner: types.Partner{Age: 24}},
		Messages: []types.ChatMessage{
			{ID: "1", SenderID: "8", Message: "hey", Timestamp: "2024-05-01T11:00:00.000Z"},
			{ID: "2", SenderID: "7", Message: "hi", Timestamp: "2024-05-01T11:00:01.000Z"},
		},
	}}
	s, ft := newTestSession(t, a)

	require.NoError(t, s.Start(context.Background()))
	v := waitFor(t, s, func(v View) bool { return len(v.State.Messages) == 2 })

	assert.Equal(t, chat.Level(1), v.State.UnlockLevel)
	assert.Equal(t, 25, v.State.MessageCount)
	assert.Equal(t, 24, v.State.Partner.Age)
	assert.False(t, v.State.Messages[0].IsMe)
	assert.True(t, v.State.Messages[1].IsMe)
	assert.Equal(t, 35, v.ToNext)
	assert.Equal(t, []string{"interests"}, v.Revealed)

	ft.mu.Lock()
	assert.True(t, ft.started)
	ft.mu.Unlock()
}

func TestStart_UnauthorizedKeepsSocketClosed(t *testing.T) {
	a := &fakeAPI{chatErr: &api.StatusError{Code: 401}}
	s, ft := newTestSession(t, a)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	ft.mu.Lock()
	assert.False(t, ft.started)
	ft.mu.Unlock()
}

func TestSend_EchoPersistAndFrameShareTimestamp(t *testing.T) {
	a := &fakeAPI{sendResp: types.SendMessageResponse{Success: true, MessageCount: 1}}
	s, ft := newTestSession(t, a)
	ft.connect()

	require.NoError(t, s.Send(context.Background(), "hello"))

	ts := protocol.Timestamp(fixedNow)
	a.mu.Lock()
	require.Len(t, a.sent, 1)
	assert.Equal(t, ts, a.sent[0].Timestamp)
	assert.Equal(t, types.ID("42"), a.sent[0].MatchID)
	assert.Equal(t, types.ID("7"), a.sent[0].SenderID)
	a.mu.Unlock()
	ft.mu.Lock()
	assert.Equal(t, []string{ts}, ft.frames)
	ft.mu.Unlock()

	// The server broadcasts our own message back.
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "42", SenderID: "7", Content: "hello", Timestamp: ts})

	v := waitFor(t, s, func(v View) bool { return v.State.MessageCount == 1 })
	require.Len(t, v.State.Messages, 1)
	assert.True(t, v.State.Messages[0].IsMe)
}

func TestSend_ServerEchoWithIDConfirmsPending(t *testing.T) {
	a := &fakeAPI{sendResp: types.SendMessageResponse{Success: true, MessageCount: 1, Message: types.ChatMessage{ID: "m-9"}}}
	s, ft := newTestSession(t, a)
	ft.connect()

	require.NoError(t, s.Send(context.Background(), "hello"))
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "42", SenderID: "7", MessageID: "m-9", Content: "hello", Timestamp: protocol.Timestamp(fixedNow)})

	v := waitFor(t, s, func(v View) bool { return v.State.MessageCount == 1 })
	require.Len(t, v.State.Messages, 1)
	assert.Equal(t, "m-9", v.State.Messages[0].ServerID)
}

func TestSend_RejectsBlank(t *testing.T) {
	a := &fakeAPI{}
	s, _ := newTestSession(t, a)

	assert.ErrorIs(t, s.Send(context.Background(), "   "), chat.ErrEmptyMessage)
	a.mu.Lock()
	assert.Empty(t, a.sent)
	a.mu.Unlock()
}

func TestSend_PersistFailureIsReturned(t *testing.T) {
	a := &fakeAPI{sendErr: errors.New("boom")}
	s, ft := newTestSession(t, a)
	ft.connect()

	err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	ft.mu.Lock()
	assert.Empty(t, ft.frames, "no socket frame after a failed persist")
	ft.mu.Unlock()
}

func TestSend_SocketClosedStillPersists(t *testing.T) {
	a := &fakeAPI{sendResp: types.SendMessageResponse{Success: true, MessageCount: 1}}
	s, ft := newTestSession(t, a)

	require.NoError(t, s.Send(context.Background(), "hello"))
	a.mu.Lock()
	assert.Len(t, a.sent, 1)
	a.mu.Unlock()
	ft.mu.Lock()
	assert.Empty(t, ft.frames)
	ft.mu.Unlock()
}

func TestSocket_SameTimestampKeepsFirst(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})
	out := make(chan Snapshot, 8)
	require.NoError(t, s.Join("c1", out))
	first := recvSnapshot(t, out, 100*time.Millisecond)
	assert.Equal(t, 0, first.Version)

	ts := "2024-05-01T12:00:00.000Z"
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "42", SenderID: "8", Content: "first", Timestamp: ts})
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "42", SenderID: "8", Content: "second", Timestamp: ts})

	snap := recvSnapshot(t, out, 100*time.Millisecond)
	assert.Equal(t, 1, snap.Version)
	require.Len(t, snap.State.Messages, 1)
	assert.Equal(t, "first", snap.State.Messages[0].Message)

	v := waitFor(t, s, func(v View) bool { return true })
	assert.Equal(t, 1, v.Version, "a dropped duplicate does not bump the version")
}

func TestSocket_OtherMatchIgnored(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "99", SenderID: "8", Content: "wrong room", Timestamp: "x"})
	ft.h.OnNewMessage(protocol.NewMessage{MatchID: "42", SenderID: "8", Content: "right room", Timestamp: "y"})

	v := waitFor(t, s, func(v View) bool { return len(v.State.Messages) > 0 })
	require.Len(t, v.State.Messages, 1)
	assert.Equal(t, "right room", v.State.Messages[0].Message)
}

func TestPresenceAndTyping(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})
	ft.connect()
	waitFor(t, s, func(v View) bool { return v.State.Connected })

	ft.h.OnUserOnline(protocol.UserOnline{UserID: "8"})
	ft.h.OnTyping(protocol.Typing{UserID: "8", IsTyping: true})
	ft.h.OnTyping(protocol.Typing{UserID: "7", IsTyping: false}) // our own, ignored
	waitFor(t, s, func(v View) bool { return v.State.PartnerOnline && v.State.PartnerTyping })

	ft.h.OnUserOffline(protocol.UserOffline{UserID: "8"})
	v := waitFor(t, s, func(v View) bool { return !v.State.PartnerOnline })
	assert.False(t, v.State.PartnerTyping)

	s.SetTyping(true)
	s.MarkRead("m-1")
	s.MarkRead("")
	ft.mu.Lock()
	assert.Equal(t, []bool{true}, ft.typing)
	assert.Equal(t, []string{"m-1"}, ft.reads)
	ft.mu.Unlock()
}

func TestUnlockAchieved_ToastAndRefetch(t *testing.T) {
	a := &fakeAPI{history: types.ChatResponse{Match: types.Match{MatchID: "42", MessageCount: 20, UnlockLevel: 1, Partner: types.Partner{Interests: []string{"chess"}}}}}
	s, ft := newTestSession(t, a)

	ft.h.OnUnlockAchieved(protocol.UnlockAchieved{MatchID: "42", Level: 1})

	v := waitFor(t, s, func(v View) bool { return v.State.Toast != "" })
	assert.Equal(t, "Level 1 unlocked!", v.State.Toast)
	assert.Equal(t, chat.Level(1), v.State.UnlockLevel)

	// The unlock triggers a history reload that brings the new partner fields.
	waitFor(t, s, func(v View) bool { return len(v.State.Partner.Interests) == 1 })
	assert.GreaterOrEqual(t, a.chatCalls(), 1)

	// Toast clears after the configured duration.
	waitFor(t, s, func(v View) bool { return v.State.Toast == "" })
}

func TestReconnect_RefetchesHistory(t *testing.T) {
	a := &fakeAPI{}
	s, ft := newTestSession(t, a)

	ft.connect()
	waitFor(t, s, func(v View) bool { return v.State.Connected })
	assert.Equal(t, 0, a.chatCalls())

	ft.onState(ws.StateDisconnected)
	waitFor(t, s, func(v View) bool { return !v.State.Connected })
	ft.connect()
	waitFor(t, s, func(v View) bool { return v.State.Connected })

	require.Eventually(t, func() bool { return a.chatCalls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_DropSlowClient(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})

	out := make(chan Snapshot, 1)
	require.NoError(t, s.Join("c1", out))
	ft.h.OnNewMessage(protocol.NewMessage{SenderID: "8", Content: "a", Timestamp: "t1"})

	v := waitFor(t, s, func(v View) bool { return len(v.State.Messages) == 1 })
	assert.Equal(t, 0, v.NumClients, "expected slow client to be dropped")
}

func TestClose_ClosesOutboxesAndTransport(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})
	out := make(chan Snapshot, 4)
	require.NoError(t, s.Join("c1", out))
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	recvClosed(t, out, time.Second)
	ft.mu.Lock()
	assert.True(t, ft.closed)
	ft.mu.Unlock()

	assert.ErrorIs(t, s.Send(context.Background(), "late"), ErrClosed)
	_, err := s.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// helper: wait until ch is closed, skipping any snapshots still queued
func recvClosed(t *testing.T, ch <-chan Snapshot, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox not closed within %v", within)
		}
	}
}

func TestLeave_ClosesOutbox(t *testing.T) {
	s, _ := newTestSession(t, &fakeAPI{})
	out := make(chan Snapshot, 4)
	require.NoError(t, s.Join("c1", out))
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Leave("c1")
	recvClosed(t, out, 300*time.Millisecond)

	v := waitFor(t, s, func(v View) bool { return true })
	assert.Equal(t, 0, v.NumClients)

	// Leaving twice or leaving an unknown client is harmless.
	s.Leave("c1")
	s.Leave("nobody")
	require.NoError(t, s.Close())
}

func TestParentCancel_ClosesTransport(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ft := &fakeTransport{}
	s, err := New(parent, Config{MatchID: "42", UserID: "7"}, &fakeAPI{},
		func(_, _ string, h protocol.Handler, onState func(ws.State)) (Transport, error) {
			ft.h = h
			ft.onState = onState
			return ft, nil
		}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	ft.connect()

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session loop did not exit on parent cancel")
	}
	assert.True(t, ft.isClosed(), "socket left open after parent cancel")
	assert.NoError(t, s.Close())
}

func TestShutdownMessage_ClosesTransport(t *testing.T) {
	s, ft := newTestSession(t, &fakeAPI{})
	out := make(chan Snapshot, 4)
	require.NoError(t, s.Join("c1", out))
	ft.connect()

	s.Inbox() <- Shutdown{}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session loop did not exit on Shutdown")
	}
	assert.True(t, ft.isClosed(), "socket left open after Shutdown")
	recvClosed(t, out, 300*time.Millisecond)
}
