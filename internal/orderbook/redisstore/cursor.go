package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/DimaJoyti/go-coffee/internal/upstream"
)

func cursorKey(chainID int64, collection string) string {
	return fmt.Sprintf("relay:chain:%d:collection:%s:cursor", chainID, collection)
}

// LoadCursor implements upstream.CursorStore, backing the relay's
// persisted read position in the same Redis instance as the order indexes.
func (s *Store) LoadCursor(ctx context.Context, chainID int64, collection string) (*upstream.Cursor, error) {
	data, err := s.client.Get(ctx, cursorKey(chainID, collection)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orderbook: load cursor: %w", err)
	}
	var cursor upstream.Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("orderbook: unmarshal cursor: %w", err)
	}
	return &cursor, nil
}

// SaveCursor implements upstream.CursorStore.
func (s *Store) SaveCursor(ctx context.Context, chainID int64, collection string, cursor upstream.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("orderbook: marshal cursor: %w", err)
	}
	if err := s.client.Set(ctx, cursorKey(chainID, collection), data, 0).Err(); err != nil {
		return fmt.Errorf("orderbook: save cursor: %w", err)
	}
	return nil
}

// CursorStore adapts Store's LoadCursor/SaveCursor to upstream.CursorStore's
// Load/Save method names.
type CursorStore struct {
	*Store
}

func (c CursorStore) Load(ctx context.Context, chainID int64, collection string) (*upstream.Cursor, error) {
	return c.Store.LoadCursor(ctx, chainID, collection)
}

func (c CursorStore) Save(ctx context.Context, chainID int64, collection string, cursor upstream.Cursor) error {
	return c.Store.SaveCursor(ctx, chainID, collection, cursor)
}
