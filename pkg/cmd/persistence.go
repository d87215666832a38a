// Package cmd builds the backends shared by the genflow binaries from their URLs.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/persistence/file"
	"github.com/dukex/genflow/pkg/persistence/postgresql"
)

// NewPersistence opens postgres:// and postgresql:// URLs on PostgreSQL and file:// URLs
// (or bare paths) on the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	scheme, rest := splitURL(databaseURL)

	switch scheme {
	case "postgres", "postgresql":
		postgres, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return postgres, nil
	case "file":
		return file.NewPersistence(rest), nil
	case "":
		if rest == "" {
			return nil, fmt.Errorf("database URL is required")
		}

		return file.NewPersistence(rest), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider: %s", scheme)
	}
}

func splitURL(raw string) (string, string) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return "", raw
	}

	return scheme, rest
}
