package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded server frame. The set of variants is closed: each one
// routes itself to the matching Handler method, so adding a variant does not
// compile until Handler grows a method for it.
type Event interface {
	dispatch(h Handler)
}

type Connected struct {
	MatchID string
	UserID  string
}

type NewMessage struct {
	MatchID   string
	SenderID  string
	MessageID string // empty when the server does not assign ids
	Content   string
	Timestamp string
}

type Typing struct {
	UserID   string
	IsTyping bool
}

type UserOnline struct{ UserID string }

type UserOffline struct{ UserID string }

type UnlockAchieved struct {
	MatchID string
	Level   int
}

type Pong struct{}

// Unknown carries a frame whose type this client does not understand.
type Unknown struct {
	Type string
	Raw  []byte
}

// Handler receives decoded server events.
type Handler interface {
	OnConnected(Connected)
	OnNewMessage(NewMessage)
	OnTyping(Typing)
	OnUserOnline(UserOnline)
	OnUserOffline(UserOffline)
	OnUnlockAchieved(UnlockAchieved)
	OnPong(Pong)
	OnUnknown(Unknown)
}

func (e Connected) dispatch(h Handler)      { h.OnConnected(e) }
func (e NewMessage) dispatch(h Handler)     { h.OnNewMessage(e) }
func (e Typing) dispatch(h Handler)         { h.OnTyping(e) }
func (e UserOnline) dispatch(h Handler)     { h.OnUserOnline(e) }
func (e UserOffline) dispatch(h Handler)    { h.OnUserOffline(e) }
func (e UnlockAchieved) dispatch(h Handler) { h.OnUnlockAchieved(e) }
func (e Pong) dispatch(h Handler)           { h.OnPong(e) }
func (e Unknown) dispatch(h Handler)        { h.OnUnknown(e) }

func Dispatch(e Event, h Handler) { e.dispatch(h) }

// Decode parses a raw socket frame into its Event variant.
func Decode(data []byte) (Event, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return FromFrame(f, data), nil
}

func FromFrame(f ServerFrame, raw []byte) Event {
	switch f.Type {
	case TypeConnected:
		return Connected{MatchID: f.MatchID.String(), UserID: f.UserID.String()}
	case TypeNewMessage:
		content := f.Message
		if content == "" {
			content = f.Content
		}
		return NewMessage{
			MatchID:   f.MatchID.String(),
			SenderID:  f.UserID.String(),
			MessageID: f.MessageID.String(),
			Content:   content,
			Timestamp: f.Timestamp,
		}
	case TypeTyping:
		return Typing{UserID: f.UserID.String(), IsTyping: f.IsTyping}
	case TypeUserOnline:
		return UserOnline{UserID: f.UserID.String()}
	case TypeUserOffline:
		return UserOffline{UserID: f.UserID.String()}
	case TypeUnlockAchieved:
		return UnlockAchieved{MatchID: f.MatchID.String(), Level: f.UnlockLevel}
	case TypePong:
		return Pong{}
	default:
		return Unknown{Type: f.Type, Raw: raw}
	}
}
