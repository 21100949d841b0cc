// Package checkpoint persists the last observed cumulative-price snapshot per pair.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// ErrCorruptCheckpoint is matched by every CorruptCheckpointError.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// CorruptCheckpointError reports persisted data that does not parse. Key is
// empty when the whole document is unreadable.
type CorruptCheckpointError struct {
	Location string
	Key      string
	Err      error
}

func (e *CorruptCheckpointError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("corrupt checkpoint store %s: %v", e.Location, e.Err)
	}
	return fmt.Sprintf("corrupt checkpoint %q in %s: %v", e.Key, e.Location, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

func (e *CorruptCheckpointError) Is(target error) bool { return target == ErrCorruptCheckpoint }

// Store holds one snapshot per pair key. Write replaces only the given key.
type Store interface {
	Read(ctx context.Context, key string) (pool.Snapshot, bool, error)
	Write(ctx context.Context, key string, snap pool.Snapshot) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]pool.Snapshot, error)
	Close() error
}
