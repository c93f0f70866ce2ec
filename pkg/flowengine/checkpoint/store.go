// Package checkpoint provides the flow checkpoint model and persistent
// checkpoint storage keyed by flow id.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store persists serialized checkpoints, one per flow id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores the checkpoint blob for a flow, replacing any previous one.
	Save(ctx context.Context, flowID string, data []byte) error

	// Load retrieves the checkpoint blob for a flow.
	// Returns ErrNotFound if the flow has no checkpoint.
	Load(ctx context.Context, flowID string) ([]byte, error)

	// List returns metadata for every stored checkpoint, ordered by flow id.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a flow's checkpoint.
	// Returns nil if the checkpoint doesn't exist.
	Delete(ctx context.Context, flowID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides metadata without loading full state.
type Info struct {
	FlowID    string
	Revision  int
	UpdatedAt time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrVersionMismatch indicates a checkpoint written by an incompatible version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrUnknownDriver indicates an unsupported store driver name.
	ErrUnknownDriver = errors.New("unknown checkpoint store driver")
)

// Load reads and decodes a flow's checkpoint. A missing checkpoint returns
// (nil, nil).
func Load(ctx context.Context, store Store, flowID string) (*Checkpoint, error) {
	data, err := store.Load(ctx, flowID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", flowID, err)
	}
	cp, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", flowID, err)
	}
	return cp, nil
}

// Save encodes and stores a checkpoint.
func Save(ctx context.Context, store Store, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.FlowID, err)
	}
	return store.Save(ctx, cp.FlowID, data)
}

// Open creates a store from a driver name and data source. Supported
// drivers are memory, sqlite, postgres and redis.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{Addr: dsn})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
