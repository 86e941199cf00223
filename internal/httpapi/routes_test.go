package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/hub"
	"github.com/luvhive/mysterymatch/internal/protocol"
	"github.com/luvhive/mysterymatch/internal/session"
	"github.com/luvhive/mysterymatch/internal/storage"
	"github.com/luvhive/mysterymatch/internal/ws"
	"github.com/luvhive/mysterymatch/pkg/types"
)

type nopTransport struct{}

func (nopTransport) Start()                            {}
func (nopTransport) Close() error                      { return nil }
func (nopTransport) Stats() ws.Stats                   { return ws.Stats{State: ws.StateDisconnected} }
func (nopTransport) SendMessageAt(string, string) bool { return false }
func (nopTransport) SendTyping(bool)                   {}
func (nopTransport) SendReadReceipt(string)            {}

// fakeBackend plays the Mystery Match REST API.
type fakeBackend struct {
	mu        sync.Mutex
	auth      []string
	sent      []string
	reject401 bool   // answer 401 to authenticated calls
	token     string // handed out at login, defaults to a quoted opaque token
}

func (b *fakeBackend) authResponse(w http.ResponseWriter, status int) {
	b.mu.Lock()
	tok := b.token
	b.mu.Unlock()
	if tok == "" {
		tok = `"tok"`
	}
	body, _ := json.Marshal(map[string]any{
		"access_token": tok,
		"user":         map[string]any{"id": 7, "username": "mystery"},
	})
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (b *fakeBackend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.mu.Lock()
			b.auth = append(b.auth, r.Header.Get("Authorization"))
			reject := b.reject401 && !strings.HasPrefix(r.URL.Path, "/api/auth/")
			b.mu.Unlock()
			if reject {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.authResponse(w, http.StatusOK)
	})
	r.Post("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var req types.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"username is required"}`))
			return
		}
		b.authResponse(w, http.StatusOK)
	})
	r.Post("/api/mystery/find-match", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"match_id":42}`))
	})
	r.Get("/api/mystery/my-matches/{userID}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"matches":[{"match_id":42}]}`))
	})
	r.Get("/api/mystery/stats/{userID}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total_matches":1}`))
	})
	r.Get("/api/mystery/chat/{matchID}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"match":{"match_id":42,"message_count":3},"messages":[{"id":1,"sender_id":8,"message":"hey","timestamp":"2024-01-01T00:00:00.000Z"}]}`))
	})
	r.Post("/api/mystery/send-message", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.sent = append(b.sent, req.Message)
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true,"message_count":4}`))
	})
	return r
}

type testEnv struct {
	srv     *httptest.Server
	backend *fakeBackend
	creds   *storage.Credentials
	hub     *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := &fakeBackend{}
	backendSrv := httptest.NewServer(b.routes())
	t.Cleanup(backendSrv.Close)

	store, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "state.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	creds := storage.NewCredentials(store, "")

	client := api.New(backendSrv.URL, creds, nil, api.OnUnauthorized(creds.Clear))
	h := hub.NewHub(context.Background(), func(ctx context.Context, k hub.Key) (*session.Session, error) {
		return session.New(ctx, session.Config{MatchID: k.MatchID, UserID: k.UserID}, client,
			func(string, string, protocol.Handler, func(ws.State)) (session.Transport, error) { return nopTransport{}, nil }, nil)
	}, nil)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, API: client, Credentials: creds}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, backend: b, creds: creds, hub: h}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/login", `{"username":"mystery","password":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mystery", body["username"])
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRoutes_RedirectWithoutLogin(t *testing.T) {
	e := newTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/matches"},
		{http.MethodGet, "/api/matches"},
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/api/sessions/42/7"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			resp, body := e.do(t, tc.method, tc.path, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "/login", body["redirect"])
		})
	}
}

func TestLogin_StoresCleanToken(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	tok, err := e.creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	resp, body := e.do(t, http.MethodGet, "/api/matches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["matches"], 1)

	e.backend.mu.Lock()
	assert.Equal(t, "Bearer tok", e.backend.auth[len(e.backend.auth)-1])
	e.backend.mu.Unlock()

	resp, body = e.do(t, http.MethodPost, "/api/matches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", body["match_id"])

	resp, body = e.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_matches"])
}

func TestBackend401_ClearsCredentialsAndRedirects(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	e.backend.mu.Lock()
	e.backend.reject401 = true
	e.backend.mu.Unlock()

	resp, body := e.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "/login", body["redirect"])

	_, err := e.creds.Token(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.creds.User(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	resp, _ := e.do(t, http.MethodPost, "/api/logout", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/matches", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	resp, body := e.do(t, http.MethodPost, "/api/sessions", `{"match_id":"42"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	state := body["state"].(map[string]any)
	assert.Equal(t, "7", state["user_id"], "user id defaults to the logged in user")

	resp, _ = e.do(t, http.MethodPost, "/api/sessions/42/7/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/sessions/42/7/messages", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, "/api/sessions/42/7", "")
		st, ok := body["state"].(map[string]any)
		return ok && st["message_count"] == float64(4) && len(st["messages"].([]any)) == 2
	}, time.Second, 10*time.Millisecond)

	e.backend.mu.Lock()
	assert.Equal(t, []string{"hello"}, e.backend.sent)
	e.backend.mu.Unlock()

	resp, body = e.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sessions"], 1)

	resp, _ = e.do(t, http.MethodPost, "/api/sessions/42/7/typing", `{"is_typing":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/sessions/42/7", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/sessions/42/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_SnapshotsAndMessages(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	resp, _ := e.do(t, http.MethodPost, "/api/sessions", `{"match_id":"42","user_id":"7"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/sessions/42/7/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() streamFrame {
		t.Helper()
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var f streamFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	first := read()
	assert.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.State)

	payload, _ := protocol.Message("hi there", "").Encode()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))

	for {
		f := read()
		if f.Type == "snapshot" && len(f.State.Messages) == 2 {
			assert.Equal(t, "hi there", f.State.Messages[1].Message)
			assert.True(t, f.State.Messages[1].IsMe)
			break
		}
	}

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)))
	for {
		f := read()
		if f.Type == "error" {
			assert.Equal(t, "unknown type", f.Error)
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestStream_DisconnectReleasesClient(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	resp, _ := e.do(t, http.MethodPost, "/api/sessions", `{"match_id":"42","user_id":"7"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/sessions/42/7/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	_, _, err = conn.Read(ctx)
	require.NoError(t, err)

	numClients := func() float64 {
		_, body := e.do(t, http.MethodGet, "/api/sessions/42/7", "")
		n, _ := body["num_clients"].(float64)
		return n
	}
	assert.Equal(t, float64(1), numClients())

	_ = conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return numClients() == 0 }, time.Second, 10*time.Millisecond)
}

func signedToken(t *testing.T, userID string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestRegister_LogsIn(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/register", `{"username":"","password":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "username is required", body["error"])

	resp, body = e.do(t, http.MethodPost, "/api/register", `{"username":"mystery","email":"m@example.com","password":"x"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "7", body["id"])

	resp, _ = e.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpiredToken_RedirectsAndClears(t *testing.T) {
	e := newTestEnv(t)
	e.backend.token = signedToken(t, "7", time.Now().Add(-time.Minute))
	e.login(t)

	resp, body := e.do(t, http.MethodGet, "/api/matches", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "/login", body["redirect"])

	e.backend.mu.Lock()
	for _, h := range e.backend.auth {
		assert.NotContains(t, h, "Bearer", "an expired token must not reach the backend")
	}
	e.backend.mu.Unlock()

	_, err := e.creds.Token(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMe_ReportsTokenExpiry(t *testing.T) {
	e := newTestEnv(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	e.backend.token = signedToken(t, "7", exp)
	e.login(t)

	resp, body := e.do(t, http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mystery", body["user"].(map[string]any)["username"])
	assert.NotContains(t, body, "telegram_user_id", "credentials are not telegram scoped")

	got, err := time.Parse(time.RFC3339, body["token_expires_at"].(string))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got), "want %v, got %v", exp, got)

	// Opaque tokens carry no expiry.
	e.backend.token = "opaque"
	e.login(t)
	_, body = e.do(t, http.MethodGet, "/api/me", "")
	assert.NotContains(t, body, "token_expires_at")
}
