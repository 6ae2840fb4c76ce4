package headers

import (
	"context"
	"fmt"

	"github.com/amoylab/keyrelay/internal/common/config"
	"go.uber.org/zap"
)

// NewCache creates a header cache based on configuration
func NewCache(ctx context.Context, logger *zap.Logger, cfg *config.HeaderCacheConfig) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(logger, cfg.MaxEntries), nil
	case "redis":
		return NewRedisCache(ctx, logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported header cache type: %s", cfg.Type)
	}
}
