package mtproto

import (
	"context"

	"github.com/gotd/td/session"

	"tg-channel-analytics/internal/domain"
)

// SessionDB хранит MTProto-сессию в Postgres через domain.SessionStore.
type SessionDB struct {
	store domain.SessionStore
	name  string
}

var _ session.Storage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище сессии с указанным именем.
func NewSessionDB(store domain.SessionStore, name string) *SessionDB {
	return &SessionDB{store: store, name: name}
}

// LoadSession загружает сессию.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.store.LoadMTProtoSession(ctx, s.name)
}

// StoreSession сохраняет сессию.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.name, data)
}
