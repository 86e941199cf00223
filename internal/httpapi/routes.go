package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/hub"
	"github.com/luvhive/mysterymatch/internal/storage"
)

type Deps struct {
	Hub         *hub.Hub
	API         *api.Client
	Credentials *storage.Credentials
	Logger      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Post("/api/login", Login(d))
	r.Post("/api/register", Register(d))
	r.Post("/api/logout", Logout(d))

	r.Group(func(r chi.Router) {
		r.Use(RequireUser(d))

		r.Get("/api/me", Me(d))
		r.Post("/api/matches", FindMatch(d))
		r.Get("/api/matches", MyMatches(d))
		r.Get("/api/stats", Stats(d))

		r.Post("/api/sessions", CreateSession(d))
		r.Get("/api/sessions", ListSessions(d))
		r.Route("/api/sessions/{matchID}/{userID}", func(r chi.Router) {
			r.Get("/", GetSession(d))
			r.Delete("/", DeleteSession(d))
			r.Post("/messages", PostMessage(d))
			r.Post("/typing", PostTyping(d))
			r.Post("/read", PostRead(d))
			r.Get("/stream", Stream(d))
		})
	})
	return r
}
