package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomlabs/loom/pkg/persistence"
	"github.com/loomlabs/loom/pkg/persistence/file"
	"github.com/loomlabs/loom/pkg/persistence/memory"
	"github.com/loomlabs/loom/pkg/persistence/redis"
)

// NewPersistence builds the store selected by the database URL scheme:
// redis://host:port, file://path, or memory:// for ephemeral runs.
func NewPersistence(databaseURL string, logger *slog.Logger) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "redis":
		store, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to redis: %w", err))
		}

		return store
	case "memory":
		return memory.NewPersistence()
	default:
		root := strings.TrimPrefix(databaseURL, "file://")
		logger.Info("Using file persistence", "root", root)

		return file.NewPersistence(root)
	}
}

func parseProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
