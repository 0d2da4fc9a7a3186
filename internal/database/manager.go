package database

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/config"
)

// Open builds the store selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverBolt, "":
		return NewBoltStore(cfg.Storage.BoltPath)
	case config.DriverMongo:
		return ConnectDatabase(ctx, cfg.Database, cfg.AppName)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
