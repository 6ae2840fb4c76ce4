package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/keyrelay/internal/common/config"
)

// NewStore creates a new store based on configuration
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("Initializing storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "disk":
		return NewDiskStore(logger, cfg.Disk.Path)
	case "db":
		return NewDBStore(logger, cfg.Database)
	case "redis":
		return NewRedisStore(ctx, logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
