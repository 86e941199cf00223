package protocol

import (
	"encoding/json"
	"time"

	"github.com/luvhive/mysterymatch/pkg/types"
)

// Client -> Server frame types.
const (
	TypePing        = "ping"
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
)

// Server -> Client frame types.
const (
	TypeConnected      = "connected"
	TypeNewMessage     = "new_message"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeUnlockAchieved = "unlock_achieved"
	TypePong           = "pong"
)

// ISOLayout renders timestamps the way browsers do with toISOString().
const ISOLayout = "2006-01-02T15:04:05.000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

type ClientFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func Ping() ClientFrame { return ClientFrame{Type: TypePing} }

func Message(content, ts string) ClientFrame {
	return ClientFrame{Type: TypeMessage, Content: content, Timestamp: ts}
}

func TypingFrame(isTyping bool) ClientFrame {
	return ClientFrame{Type: TypeTyping, IsTyping: &isTyping}
}

func ReadReceipt(messageID string) ClientFrame {
	return ClientFrame{Type: TypeReadReceipt, MessageID: messageID}
}

func (f ClientFrame) Encode() ([]byte, error) { return json.Marshal(f) }

// ServerFrame is the flat envelope every server frame is decoded through.
type ServerFrame struct {
	Type        string   `json:"type"`
	MatchID     types.ID `json:"match_id,omitempty"`
	UserID      types.ID `json:"user_id,omitempty"`
	MessageID   types.ID `json:"message_id,omitempty"`
	Message     string   `json:"message,omitempty"`
	Content     string   `json:"content,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	IsTyping    bool     `json:"is_typing,omitempty"`
	UnlockLevel int      `json:"unlock_level,omitempty"`
}

func (f ServerFrame) Encode() ([]byte, error) { return json.Marshal(f) }
