package cache

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("cache unavailable")

// Cache holds short-lived string values. Get reports a miss with ok=false and
// a nil error; any error means the backend could not answer.
type Cache interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
}
