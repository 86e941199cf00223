package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/auth"
	"github.com/luvhive/mysterymatch/internal/chat"
	"github.com/luvhive/mysterymatch/internal/config"
	"github.com/luvhive/mysterymatch/internal/logging"
	"github.com/luvhive/mysterymatch/internal/session"
	"github.com/luvhive/mysterymatch/internal/storage"
	"github.com/luvhive/mysterymatch/internal/ws"
	"github.com/luvhive/mysterymatch/pkg/types"
)

func main() {
	matchID := flag.String("match", "", "match id to open")
	userID := flag.String("user", "", "user id (defaults to the logged in user)")
	username := flag.String("login", "", "log in as this user before chatting (password from MYSTERY_PASSWORD)")
	flag.Parse()

	if err := run(*matchID, *userID, *username); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(matchID, userID, username string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Console output belongs to the chat; keep the logger quiet unless asked.
	level := cfg.LogLevel
	if !cfg.Debug && level == "info" {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Debug)
	if err != nil {
		return err
	}
	defer store.Close()
	creds := storage.NewCredentials(store, cfg.TelegramUserID)
	client := api.New(cfg.API.BaseURL, creds, logger,
		api.WithTimeout(cfg.API.RequestTimeout),
		api.OnUnauthorized(creds.Clear),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if username != "" {
		if err := login(ctx, client, creds, username); err != nil {
			return err
		}
	}
	if userID == "" {
		if userID, err = storedUserID(ctx, creds); err != nil {
			return fmt.Errorf("not logged in, run with -login: %w", err)
		}
	}
	if matchID == "" {
		return errors.New("-match is required")
	}

	dial := session.SocketTransport(ws.Config{
		BaseURL:           cfg.API.WSBaseURL,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
	}, ws.NamedPolicy(cfg.Chat.ReconnectPolicy, cfg.Chat.ReconnectDelay, cfg.Chat.ReconnectMaxDelay, cfg.Chat.ReconnectMaxAttempts), logger)

	s, err := session.New(ctx, session.Config{MatchID: matchID, UserID: userID, ToastDuration: cfg.Chat.ToastDuration}, client, dial, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return errors.New("session expired, log in again")
		}
		return err
	}

	out := make(chan session.Snapshot, 32)
	if err := s.Join("terminal", out); err != nil {
		return err
	}
	go render(os.Stdout, out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if err := s.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}
		}
	}
}

func login(ctx context.Context, client *api.Client, creds *storage.Credentials, username string) error {
	resp, err := client.Login(ctx, types.LoginRequest{Username: username, Password: os.Getenv("MYSTERY_PASSWORD")})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := creds.SaveToken(ctx, resp.BearerToken()); err != nil {
		return err
	}
	return creds.SaveUser(ctx, resp.User)
}

// storedUserID prefers the saved user and falls back to the account named
// by the token, rejecting a token that has already expired.
func storedUserID(ctx context.Context, creds *storage.Credentials) (string, error) {
	if u, err := creds.User(ctx); err == nil && u.ID != "" {
		return u.ID.String(), nil
	}
	tok, err := creds.Token(ctx)
	if err != nil {
		return "", err
	}
	claims, err := auth.ParseClaims(tok)
	if err != nil {
		return "", err
	}
	if claims.Expired(time.Now()) {
		return "", errors.New("stored token expired")
	}
	if claims.AccountID() == "" {
		return "", errors.New("token names no user")
	}
	return claims.AccountID(), nil
}

// render prints messages as they arrive plus connection and unlock changes.
func render(w io.Writer, snaps <-chan session.Snapshot) {
	var shown int
	var connected bool
	var level chat.Level
	var toast string
	for snap := range snaps {
		st := snap.State
		if st.Connected != connected {
			connected = st.Connected
			if connected {
				fmt.Fprintln(w, "* connected")
			} else {
				fmt.Fprintln(w, "* reconnecting...")
			}
		}
		for _, m := range st.Messages[min(shown, len(st.Messages)):] {
			who := "them"
			if m.IsMe {
				who = "me"
			}
			fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp, who, m.Message)
		}
		shown = len(st.Messages)
		if st.Toast != "" && st.Toast != toast {
			fmt.Fprintln(w, "*", st.Toast)
		}
		toast = st.Toast
		if st.UnlockLevel != level {
			level = st.UnlockLevel
			fmt.Fprintf(w, "* unlocked: %s (%d messages to next level)\n",
				strings.Join(chat.RevealedFields(level), ", "), chat.MessagesToNext(st.MessageCount, level))
		}
	}
	fmt.Fprintln(w, "* session closed")
}
