package types

type User struct {
	ID         ID     `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	TelegramID ID     `json:"telegram_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Age      int    `json:"age,omitempty"`
	City     string `json:"city,omitempty"`
}

type AuthResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	Token       string `json:"token,omitempty"`
	User        User   `json:"user"`
}

// BearerToken returns whichever token field the server filled in.
func (r AuthResponse) BearerToken() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.Token
}
