package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/luvhive/mysterymatch/internal/auth"
	"github.com/luvhive/mysterymatch/pkg/types"
)

const (
	keyToken = "token"
	keyUser  = "user"
)

// Credentials reads and writes the logged-in token and user, optionally
// namespaced by a Telegram user id (tg_<id>_token, tg_<id>_user) so several
// Mini App accounts on one device do not see each other's session.
type Credentials struct {
	store      *Store
	telegramID string
}

func NewCredentials(store *Store, telegramID string) *Credentials {
	return &Credentials{store: store, telegramID: telegramID}
}

func (c *Credentials) TelegramID() string { return c.telegramID }

func (c *Credentials) key(name string) string {
	if c.telegramID == "" {
		return name
	}
	return "tg_" + c.telegramID + "_" + name
}

// get prefers the scoped key and falls back to the plain one.
func (c *Credentials) get(ctx context.Context, name string) (string, error) {
	v, err := c.store.Get(ctx, c.key(name))
	if errors.Is(err, ErrNotFound) && c.telegramID != "" {
		return c.store.Get(ctx, name)
	}
	return v, err
}

// Token returns the stored bearer token with stray quotes removed.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	raw, err := c.get(ctx, keyToken)
	if err != nil {
		return "", err
	}
	tok := auth.CleanToken(raw)
	if tok == "" {
		return "", ErrNotFound
	}
	return tok, nil
}

func (c *Credentials) SaveToken(ctx context.Context, token string) error {
	return c.store.Set(ctx, c.key(keyToken), token)
}

func (c *Credentials) User(ctx context.Context) (types.User, error) {
	var u types.User
	raw, err := c.get(ctx, keyUser)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return u, err
	}
	return u, nil
}

func (c *Credentials) SaveUser(ctx context.Context, u types.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key(keyUser), string(b))
}

// Clear logs the scope out. The plain keys go too, since get falls back
// to them.
func (c *Credentials) Clear(ctx context.Context) error {
	keys := []string{c.key(keyToken), c.key(keyUser)}
	if c.telegramID != "" {
		keys = append(keys, keyToken, keyUser)
	}
	return c.store.Delete(ctx, keys...)
}
