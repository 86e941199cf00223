package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/luvhive/mysterymatch/internal/protocol"
	"github.com/luvhive/mysterymatch/pkg/types"
)

func NewEmptyState(matchID, userID string) State {
	return State{
		MatchID:  matchID,
		UserID:   userID,
		Messages: []Message{},
	}
}

// FromSocket maps a new_message frame to a list entry with a synthetic id.
func FromSocket(e protocol.NewMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		ServerID:  e.MessageID,
		SenderID:  e.SenderID,
		Message:   e.Content,
		Timestamp: e.Timestamp,
	}
}

func FromHistory(m types.ChatMessage, userID string) Message {
	id := m.ID.String()
	if id == "" {
		id = uuid.NewString()
	}
	return Message{
		ID:        id,
		ServerID:  m.ID.String(),
		SenderID:  m.SenderID.String(),
		IsMe:      m.IsMe || m.SenderID.String() == userID,
		Message:   m.Message,
		Timestamp: m.Timestamp,
	}
}

func LocalMessage(content, ts string) Message {
	return Message{ID: uuid.NewString(), Message: content, Timestamp: ts}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// Expired reports whether the match's 48h window has closed.
func (s State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s State) Progress() float64 { return Progress(s.MessageCount, s.UnlockLevel) }

func (s State) Clone() State {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	return c
}
