package types

// Partner is the anonymised profile of the other side of a match. Fields are
// filled in by the server as the unlock level rises.
type Partner struct {
	Age       int      `json:"age,omitempty"`
	City      string   `json:"city,omitempty"`
	PhotoURL  string   `json:"photo_url,omitempty"`
	PhotoBlur int      `json:"photo_blur,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Bio       string   `json:"bio,omitempty"`
}

type Match struct {
	MatchID      ID        `json:"match_id"`
	Partner      Partner   `json:"partner"`
	UnlockLevel  int       `json:"unlock_level"`
	MessageCount int       `json:"message_count"`
	ExpiresAt    Time      `json:"expires_at"`
}

type FindMatchRequest struct {
	UserID ID `json:"user_id"`
}

type FindMatchResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Match
}

type MatchesResponse struct {
	Matches []Match `json:"matches"`
}

type Stats struct {
	TotalMatches   int `json:"total_matches"`
	ActiveMatches  int `json:"active_matches"`
	TotalMessages  int `json:"total_messages"`
	MaxUnlockLevel int `json:"max_unlock_level"`
}
