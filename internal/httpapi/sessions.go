package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luvhive/mysterymatch/internal/hub"
)

type createSessionRequest struct {
	MatchID string `json:"match_id"`
	UserID  string `json:"user_id,omitempty"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type readRequest struct {
	MessageID string `json:"message_id"`
}

func keyFrom(r *http.Request) hub.Key {
	return hub.Key{MatchID: chi.URLParam(r, "matchID"), UserID: chi.URLParam(r, "userID")}
}

// CreateSession opens (or reuses) the chat for a match. The user id defaults
// to the logged in user.
func CreateSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MatchID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "match_id is required"})
			return
		}
		if req.UserID == "" {
			req.UserID = userFrom(r.Context()).ID.String()
		}

		s, err := d.Hub.Ensure(r.Context(), hub.Key{MatchID: req.MatchID, UserID: req.UserID})
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		v, err := s.View(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	}
}

func ListSessions(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := d.Hub.List(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Sessions []hub.Key `json:"sessions"`
		}{Sessions: keys})
	}
}

func GetSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := d.Hub.Get(r.Context(), keyFrom(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		v, err := s.View(r.Context())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func DeleteSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Hub.Remove(r.Context(), keyFrom(r)); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func PostMessage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}
		s, err := d.Hub.Get(r.Context(), keyFrom(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if err := s.Send(r.Context(), req.Content); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func PostTyping(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req typingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}
		s, err := d.Hub.Get(r.Context(), keyFrom(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		s.SetTyping(req.IsTyping)
		w.WriteHeader(http.StatusNoContent)
	}
}

func PostRead(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req readRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "message_id is required"})
			return
		}
		s, err := d.Hub.Get(r.Context(), keyFrom(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		s.MarkRead(req.MessageID)
		w.WriteHeader(http.StatusNoContent)
	}
}
