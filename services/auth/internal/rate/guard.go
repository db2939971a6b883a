package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
)

type Action string

const (
	ActionLogin      Action = "login"
	ActionOTPRequest Action = "otp_request"
)

// Decision is the outcome of a guard check. RetryAfter is only set when the
// action is blocked.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Guard keys counters by (action, subject). Subjects are lower-cased so
// "A@x.com" and "a@x.com" share a counter.
type Guard struct {
	limiters map[Action]Limiter
	clock    clock.Clock
}

func NewGuard(clk clock.Clock, limiters map[Action]Limiter) *Guard {
	if clk == nil {
		clk = clock.WallClock
	}
	copied := make(map[Action]Limiter, len(limiters))
	for action, lim := range limiters {
		copied[action] = lim
	}
	return &Guard{limiters: copied, clock: clk}
}

// CheckAndIncrement counts one attempt of action for subject and reports
// whether the attempt is inside the limit. Used where every attempt counts.
func (g *Guard) CheckAndIncrement(ctx context.Context, action Action, subject string) (Decision, error) {
	lim, err := g.limiter(action)
	if err != nil {
		return Decision{}, err
	}
	allowed, retry, err := lim.Allow(ctx, Key(action, subject), g.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", action, err)
	}
	return Decision{Allowed: allowed, RetryAfter: retry}, nil
}

// Blocked reports whether subject already exhausted its window for action
// without counting an attempt. Used where only failures count.
func (g *Guard) Blocked(ctx context.Context, action Action, subject string) (Decision, error) {
	lim, err := g.limiter(action)
	if err != nil {
		return Decision{}, err
	}
	allowed, retry, err := lim.Peek(ctx, Key(action, subject), g.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", action, err)
	}
	return Decision{Allowed: allowed, RetryAfter: retry}, nil
}

// Clear drops the counter. Only the admin unlock path calls it.
func (g *Guard) Clear(ctx context.Context, action Action, subject string) error {
	lim, err := g.limiter(action)
	if err != nil {
		return err
	}
	if err := lim.Reset(ctx, Key(action, subject)); err != nil {
		return fmt.Errorf("rate limit reset %s: %w", action, err)
	}
	return nil
}

func (g *Guard) limiter(action Action) (Limiter, error) {
	lim, ok := g.limiters[action]
	if !ok || lim == nil {
		return nil, fmt.Errorf("no limiter configured for action %q", action)
	}
	return lim, nil
}

func Key(action Action, subject string) string {
	return string(action) + ":" + strings.ToLower(strings.TrimSpace(subject))
}
