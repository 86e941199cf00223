package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/luvhive/mysterymatch/pkg/types"
)

func (c *Client) Login(ctx context.Context, req types.LoginRequest) (types.AuthResponse, error) {
	var out types.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &out, false)
	return out, err
}

func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (types.AuthResponse, error) {
	var out types.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register", req, &out, false)
	return out, err
}

func (c *Client) Me(ctx context.Context) (types.User, error) {
	var out types.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out, true)
	return out, err
}

func (c *Client) FindMatch(ctx context.Context, userID string) (types.FindMatchResponse, error) {
	var out types.FindMatchResponse
	err := c.do(ctx, http.MethodPost, "/api/mystery/find-match", types.FindMatchRequest{UserID: types.ID(userID)}, &out, true)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error) {
	var out types.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/api/mystery/send-message", req, &out, true)
	return out, err
}

func (c *Client) Chat(ctx context.Context, matchID, userID string) (types.ChatResponse, error) {
	var out types.ChatResponse
	path := "/api/mystery/chat/" + escape(matchID)
	if userID != "" {
		path += "?" + url.Values{"user_id": {userID}}.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out, true)
	return out, err
}

func (c *Client) Stats(ctx context.Context, userID string) (types.Stats, error) {
	var out types.Stats
	err := c.do(ctx, http.MethodGet, "/api/mystery/stats/"+escape(userID), nil, &out, true)
	return out, err
}

func (c *Client) MyMatches(ctx context.Context, userID string) ([]types.Match, error) {
	var out types.MatchesResponse
	err := c.do(ctx, http.MethodGet, "/api/mystery/my-matches/"+escape(userID), nil, &out, true)
	return out.Matches, err
}
