package storage

import (
	"context"
	"fmt"
	"strings"

	"factbot/pkg/logx"
)

// Store persists recipient state records.
type Store interface {
	// GetState returns ErrNotFound for an unknown recipient.
	GetState(ctx context.Context, id string) (RecipientState, error)
	PutState(ctx context.Context, st RecipientState) error
	ListStates(ctx context.Context) ([]RecipientState, error)
	DeleteState(ctx context.Context, id string) error

	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	Close() error
}

// Open initializes the configured driver. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
