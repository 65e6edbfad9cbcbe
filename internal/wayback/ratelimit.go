package wayback

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// GetMementoRateGroup is the named rate-limit group memento fetches share.
const GetMementoRateGroup = "get_memento"

// Limiters is an explicit, process-wide registry of named rate limiters.
// It replaces a global singleton: callers construct one Limiters per process
// and pass it into whatever needs rate-limited access, so tests can use an
// isolated instance instead of reaching into global state.
type Limiters struct {
	mu       sync.Mutex
	byGroup  map[string]*rate.Limiter
	defaults map[string]rate.Limit
}

// NewLimiters creates an empty registry. Groups are created lazily on first
// use with the rate registered via SetDefault, or with no limit at all when
// none was registered.
func NewLimiters() *Limiters {
	return &Limiters{
		byGroup:  make(map[string]*rate.Limiter),
		defaults: make(map[string]rate.Limit),
	}
}

// SetDefault registers the requests-per-second limit to use for a group the
// first time it's seen. Calling this after the group's limiter has already
// been created has no effect.
func (l *Limiters) SetDefault(group string, perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults[group] = rate.Limit(perSecond)
}

func (l *Limiters) limiter(group string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byGroup[group]
	if !ok {
		limit := l.defaults[group]
		if limit == 0 {
			limit = rate.Inf
		}
		lim = rate.NewLimiter(limit, 1)
		l.byGroup[group] = lim
	}
	return lim
}

// Wait blocks the caller until the named group's limiter admits one more
// request, or ctx is done. Safe for concurrent use across goroutines.
func (l *Limiters) Wait(ctx context.Context, group string) error {
	return l.limiter(group).Wait(ctx)
}
