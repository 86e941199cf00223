package session

import (
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/protocol"
)

// Socket events are turned into reducer commands and queued on the inbox.
// These run on the connection manager's read goroutine.

var _ protocol.Handler = (*Session)(nil)

func (s *Session) OnConnected(e protocol.Connected) {
	s.log.Debug("server acknowledged connection", zap.String("server_match_id", e.MatchID))
}

func (s *Session) OnNewMessage(e protocol.NewMessage) {
	s.post(FromSocket{Cmd: chat.Command{
		Type:    chat.CmdSocketMessage,
		Message: chat.FromSocket(e),
		MatchID: e.MatchID,
	}})
}

func (s *Session) OnTyping(e protocol.Typing) {
	s.post(FromSocket{Cmd: chat.Command{Type: chat.CmdTyping, UserID: e.UserID, IsTyping: e.IsTyping}})
}

func (s *Session) OnUserOnline(e protocol.UserOnline) {
	s.post(FromSocket{Cmd: chat.Command{Type: chat.CmdPresence, UserID: e.UserID, Online: true}})
}

func (s *Session) OnUserOffline(e protocol.UserOffline) {
	s.post(FromSocket{Cmd: chat.Command{Type: chat.CmdPresence, UserID: e.UserID, Online: false}})
}

func (s *Session) OnUnlockAchieved(e protocol.UnlockAchieved) {
	if e.MatchID != "" && e.MatchID != s.cfg.MatchID {
		return
	}
	s.post(FromSocket{Cmd: chat.Command{Type: chat.CmdUnlockAchieved, UnlockLevel: e.Level}})
}

func (s *Session) OnPong(protocol.Pong) {}

func (s *Session) OnUnknown(e protocol.Unknown) {
	s.log.Debug("ignoring frame", zap.String("type", e.Type))
}
