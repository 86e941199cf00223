package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/luvhive/mysterymatch/pkg/types"
)

var ErrEmptyMessage = errors.New("empty message")
var ErrWrongMatch = errors.New("message for another match")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Message struct {
	ID        string `json:"id"`
	ServerID  string `json:"server_id,omitempty"`
	SenderID  string `json:"sender_id"`
	IsMe      bool   `json:"is_me"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type State struct {
	MatchID      string        `json:"match_id"`
	UserID       string        `json:"user_id"`
	Messages     []Message     `json:"messages"`
	MessageCount int           `json:"message_count"`
	UnlockLevel  Level         `json:"unlock_level"`
	Partner      types.Partner `json:"partner"`
	ExpiresAt    time.Time     `json:"expires_at"`

	// Ephemeral, reset on every (re)connect.
	Connected     bool `json:"is_connected"`
	PartnerTyping bool `json:"is_typing"`
	PartnerOnline bool `json:"is_online"`

	Toast    string `json:"toast,omitempty"`
	ToastGen int    `json:"-"`
}

type CommandType string

const (
	CmdHistoryLoaded     CommandType = "HistoryLoaded"
	CmdLocalEcho         CommandType = "LocalEcho"
	CmdPersisted         CommandType = "Persisted"
	CmdSocketMessage     CommandType = "SocketMessage"
	CmdTyping            CommandType = "Typing"
	CmdPresence          CommandType = "Presence"
	CmdUnlockAchieved    CommandType = "UnlockAchieved"
	CmdConnectionChanged CommandType = "ConnectionChanged"
	CmdToastExpired      CommandType = "ToastExpired"
)

/*
	CmdHistoryLoaded     -> EvtMessageAppended* / EvtDuplicateDropped* -> EvtUnlockLevelChanged?
	CmdLocalEcho         -> EvtMessageAppended | EvtDuplicateDropped
	CmdPersisted         -> EvtUnlockLevelChanged?
	CmdSocketMessage     -> EvtMessageAppended | EvtDuplicateDropped
	CmdUnlockAchieved    -> EvtUnlockLevelChanged? -> EvtToastShown -> EvtRefetchRequested
	CmdToastExpired      -> EvtToastCleared (only for the current toast generation)
	CmdTyping, CmdPresence, CmdConnectionChanged only touch ephemeral flags.
*/

type Command struct {
	Type CommandType

	Messages []Message // HistoryLoaded
	Message  Message   // LocalEcho, Persisted, SocketMessage
	MatchID  string    // SocketMessage, empty when the frame carried none
	Match    *types.Match

	MessageCount int
	UnlockLevel  int

	UserID    string // Typing, Presence
	IsTyping  bool
	Online    bool
	Connected bool
	Gen       int // ToastExpired
}

type EventType string

const (
	EvtMessageAppended    EventType = "MessageAppended"
	EvtDuplicateDropped   EventType = "DuplicateDropped"
	EvtUnlockLevelChanged EventType = "UnlockLevelChanged"
	EvtToastShown         EventType = "ToastShown"
	EvtToastCleared       EventType = "ToastCleared"
	EvtRefetchRequested   EventType = "RefetchRequested"
)

type Event struct {
	Type    EventType
	Message Message
	Level   Level
	Gen     int
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s

	switch cmd.Type {
	case CmdHistoryLoaded:
		var events []Event
		if cmd.Match != nil {
			newState.Partner = cmd.Match.Partner
			if !cmd.Match.ExpiresAt.IsZero() {
				newState.ExpiresAt = cmd.Match.ExpiresAt.Time
			}
		}
		for _, m := range cmd.Messages {
			var evt Event
			newState, evt = merge(newState, m)
			events = append(events, evt)
		}
		if evt, ok := raiseCounters(&newState, cmd.MessageCount, cmd.UnlockLevel); ok {
			events = append(events, evt)
		}
		return events, newState, nil

	case CmdLocalEcho:
		if strings.TrimSpace(cmd.Message.Message) == "" {
			return nil, s, ErrEmptyMessage
		}
		m := cmd.Message
		m.SenderID = s.UserID
		m.IsMe = true
		var evt Event
		newState, evt = merge(newState, m)
		return []Event{evt}, newState, nil

	case CmdPersisted:
		var events []Event
		if evt, ok := raiseCounters(&newState, cmd.MessageCount, cmd.UnlockLevel); ok {
			events = append(events, evt)
		}
		if cmd.Message.ServerID != "" {
			m := cmd.Message
			m.SenderID = s.UserID
			newState = confirm(newState, m)
		}
		return events, newState, nil

	case CmdSocketMessage:
		if cmd.MatchID != "" && cmd.MatchID != s.MatchID {
			return nil, s, ErrWrongMatch
		}
		m := cmd.Message
		m.IsMe = m.SenderID == s.UserID
		var evt Event
		newState, evt = merge(newState, m)
		return []Event{evt}, newState, nil

	case CmdTyping:
		if cmd.UserID == s.UserID {
			return nil, s, nil
		}
		newState.PartnerTyping = cmd.IsTyping
		return nil, newState, nil

	case CmdPresence:
		if cmd.UserID == s.UserID {
			return nil, s, nil
		}
		newState.PartnerOnline = cmd.Online
		if !cmd.Online {
			newState.PartnerTyping = false
		}
		return nil, newState, nil

	case CmdConnectionChanged:
		newState.Connected = cmd.Connected
		newState.PartnerTyping = false
		newState.PartnerOnline = false
		return nil, newState, nil

	case CmdUnlockAchieved:
		var events []Event
		if evt, ok := raiseCounters(&newState, 0, cmd.UnlockLevel); ok {
			events = append(events, evt)
		}
		newState.ToastGen++
		newState.Toast = fmt.Sprintf("Level %d unlocked!", newState.UnlockLevel)
		events = append(events,
			Event{Type: EvtToastShown, Level: newState.UnlockLevel, Gen: newState.ToastGen},
			Event{Type: EvtRefetchRequested},
		)
		return events, newState, nil

	case CmdToastExpired:
		if cmd.Gen != s.ToastGen || s.Toast == "" {
			return nil, s, nil
		}
		newState.Toast = ""
		return []Event{{Type: EvtToastCleared, Gen: cmd.Gen}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// merge appends m unless the list already holds a message with the same
// identity. Server ids win when present; otherwise the timestamp string is the
// identity, so two distinct id-less messages stamped with the same
// millisecond collapse into the first one.
func merge(s State, m Message) (State, Event) {
	if m.ServerID != "" {
		if hasServerID(s, m.ServerID) {
			return s, Event{Type: EvtDuplicateDropped, Message: m}
		}
		// Our own optimistic echo coming back with its server id.
		if i := pendingIndex(s, m); i >= 0 {
			s.Messages = slices.Clone(s.Messages)
			s.Messages[i].ServerID = m.ServerID
			return s, Event{Type: EvtDuplicateDropped, Message: m}
		}
	} else if hasTimestamp(s, m.Timestamp) {
		return s, Event{Type: EvtDuplicateDropped, Message: m}
	}

	s.Messages = append(slices.Clip(s.Messages), m)
	return s, Event{Type: EvtMessageAppended, Message: m}
}

func confirm(s State, m Message) State {
	if hasServerID(s, m.ServerID) {
		return s
	}
	if i := pendingIndex(s, m); i >= 0 {
		s.Messages = slices.Clone(s.Messages)
		s.Messages[i].ServerID = m.ServerID
	}
	return s
}

// raiseCounters applies server counters; neither the count nor the level
// ever moves backwards.
func raiseCounters(s *State, count, level int) (Event, bool) {
	if count > s.MessageCount {
		s.MessageCount = count
	}
	l := clampLevel(level)
	if l <= s.UnlockLevel {
		return Event{}, false
	}
	s.UnlockLevel = l
	return Event{Type: EvtUnlockLevelChanged, Level: l}, true
}

func hasServerID(s State, id string) bool {
	return slices.ContainsFunc(s.Messages, func(m Message) bool { return m.ServerID == id })
}

func hasTimestamp(s State, ts string) bool {
	return slices.ContainsFunc(s.Messages, func(m Message) bool { return m.Timestamp == ts })
}

func pendingIndex(s State, m Message) int {
	return slices.IndexFunc(s.Messages, func(e Message) bool {
		return e.ServerID == "" && e.Timestamp == m.Timestamp && e.SenderID == m.SenderID
	})
}
