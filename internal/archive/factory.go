package archive

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks the backend named by driver. An empty driver selects
// postgres when a database URL is set, otherwise memory.
func NewStore(ctx context.Context, driver, databaseURL string) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	databaseURL = strings.TrimSpace(databaseURL)
	if driver == "" {
		driver = "memory"
		if databaseURL != "" {
			driver = "postgres"
		}
	}
	switch driver {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("archive driver postgres requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL)
	case "sqlite":
		if databaseURL == "" {
			databaseURL = "rehearsal.db"
		}
		return NewSQLiteStore(databaseURL)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
}
