package security

import (
	"context"
	"time"
)

// Store is the narrow persistence capability the portal trust boundary
// needs — satisfied by *internal/store.Client without that package
// depending on security.
type Store interface {
	SetNX(ctx context.Context, key string, val string, ttl time.Duration) (bool, error)
	RawKey(parts ...string) string
}
