package memory

import (
	"context"
	"strings"
)

// NewStore opens the PostgreSQL archive when databaseURL is set and falls
// back to an in-process store otherwise. The returned mode names the backend.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), "in-memory", nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, "postgres", nil
}
