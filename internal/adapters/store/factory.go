package store

import (
	"context"
	"fmt"
)

// Build constructs a Store from a backend selector.
// Supported backends:
//   - "" or "memory": in-process store (default; tests and single-node runs)
//   - "redis": redis-backed store at addr
func Build(ctx context.Context, backend, addr string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, addr)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}
