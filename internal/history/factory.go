package history

import (
	"context"
	"strings"
)

// NewStore selects Postgres when a database URL is configured, otherwise
// the in-process store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
