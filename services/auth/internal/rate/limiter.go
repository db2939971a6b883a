package rate

import (
	"context"
	"time"
)

// Limiter is a fixed-window counter. A window opens on the first hit for a
// key and every hit inside it counts, whether or not it was allowed.
type Limiter interface {
	// Allow counts one hit for key and reports whether it fits in the window.
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
	// Peek reports whether the next hit would be allowed without counting it.
	Peek(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
	Reset(ctx context.Context, key string) error
}
