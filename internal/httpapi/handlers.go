package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/auth"
	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/hub"
	"github.com/luvhive/mysterymatch/internal/session"
	"github.com/luvhive/mysterymatch/pkg/types"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func Login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}

		resp, err := d.API.Login(r.Context(), req)
		if err != nil {
			var se *api.StatusError
			if errors.As(err, &se) {
				writeJSON(w, se.Code, errorBody{Error: se.Message})
				return
			}
			writeError(w, d.Logger, err)
			return
		}
		if err := storeLogin(r.Context(), d, resp); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp.User)
	}
}

var errNoToken = errors.New("login response carried no token")

func storeLogin(ctx context.Context, d Deps, resp types.AuthResponse) error {
	tok := resp.BearerToken()
	if tok == "" {
		return errNoToken
	}
	if err := d.Credentials.SaveToken(ctx, tok); err != nil {
		return err
	}
	return d.Credentials.SaveUser(ctx, resp.User)
}

// Register creates an account and logs it in, the same way Login does.
func Register(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}
		resp, err := d.API.Register(r.Context(), req)
		if err != nil {
			var se *api.StatusError
			if errors.As(err, &se) {
				writeJSON(w, se.Code, errorBody{Error: se.Message})
				return
			}
			writeError(w, d.Logger, err)
			return
		}
		if err := storeLogin(r.Context(), d, resp); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp.User)
	}
}

type meResponse struct {
	User           types.User `json:"user"`
	TelegramUserID string     `json:"telegram_user_id,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// Me reports the stored account, its credential scope and, when the token
// is a JWT, when it stops being accepted.
func Me(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := meResponse{User: userFrom(r.Context()), TelegramUserID: d.Credentials.TelegramID()}
		if tok, err := d.Credentials.Token(r.Context()); err == nil {
			if claims, err := auth.ParseClaims(tok); err == nil && claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				resp.TokenExpiresAt = &exp
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func Logout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Credentials.Clear(r.Context()); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func FindMatch(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := userFrom(r.Context())
		resp, err := d.API.FindMatch(r.Context(), u.ID.String())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func MyMatches(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := userFrom(r.Context())
		matches, err := d.API.MyMatches(r.Context(), u.ID.String())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if matches == nil {
			matches = []types.Match{}
		}
		writeJSON(w, http.StatusOK, types.MatchesResponse{Matches: matches})
	}
}

func Stats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := userFrom(r.Context())
		stats, err := d.API.Stats(r.Context(), u.ID.String())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type errorBody struct {
	Error    string `json:"error,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRedirect tells the caller its credentials are gone.
func writeRedirect(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Redirect: "/login"})
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var se *api.StatusError
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		writeRedirect(w)
	case errors.Is(err, hub.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, chat.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrClosed), errors.Is(err, hub.ErrHubClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, errNoToken):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: se.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
