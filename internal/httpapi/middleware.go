package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/auth"
	"github.com/luvhive/mysterymatch/internal/storage"
	"github.com/luvhive/mysterymatch/pkg/types"
)

type contextKey string

const userKey contextKey = "user"

func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// RequireUser loads the stored user; without one the caller is sent to login.
func RequireUser(d Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := d.Credentials.User(r.Context())
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					d.Logger.Warn("reading stored user failed", zap.Error(err))
				}
				writeRedirect(w)
				return
			}
			tok, err := d.Credentials.Token(r.Context())
			if err != nil {
				writeRedirect(w)
				return
			}
			// Opaque tokens are left to the backend; an expired JWT is a
			// logout without the round trip.
			if claims, err := auth.ParseClaims(tok); err == nil && claims.Expired(time.Now()) {
				d.Logger.Info("stored token expired, clearing credentials", zap.String("user_id", claims.AccountID()))
				if err := d.Credentials.Clear(r.Context()); err != nil {
					d.Logger.Warn("clearing credentials failed", zap.Error(err))
				}
				writeRedirect(w)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(ctx context.Context) types.User {
	u, _ := ctx.Value(userKey).(types.User)
	return u
}
