package types

// ChatMessage is a message as returned by GET /api/mystery/chat/{matchId}.
type ChatMessage struct {
	ID        ID     `json:"id"`
	SenderID  ID     `json:"sender_id"`
	IsMe      bool   `json:"is_me"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type ChatResponse struct {
	Success  bool          `json:"success"`
	Match    Match         `json:"match"`
	Messages []ChatMessage `json:"messages"`
}

type SendMessageRequest struct {
	MatchID   ID     `json:"match_id"`
	SenderID  ID     `json:"sender_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type SendMessageResponse struct {
	Success        bool        `json:"success"`
	Message        ChatMessage `json:"message"`
	MessageCount   int         `json:"message_count"`
	UnlockLevel    int         `json:"unlock_level"`
	UnlockAchieved bool        `json:"unlock_achieved,omitempty"`
}
