package tool

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/namel3ss/n3flow/ir"
)

type (
	// limiterSet holds one token bucket pair per tool. Buckets are created
	// lazily on first use.
	limiterSet struct {
		mu       sync.Mutex
		limiters map[string]*toolLimiter
	}

	// toolLimiter combines the per-second and per-minute budgets. Either
	// bucket may be nil when the tool does not configure that window.
	toolLimiter struct {
		perSecond *rate.Limiter
		perMinute *rate.Limiter
	}
)

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*toolLimiter)}
}

// allow consumes one token from each configured bucket. It reports the
// exhausted budget when the call must be refused.
func (s *limiterSet) allow(t *ir.Tool) (string, bool) {
	if t.RateLimit == nil {
		return "", false
	}
	s.mu.Lock()
	lim, ok := s.limiters[t.Name]
	if !ok {
		lim = newToolLimiter(t.RateLimit)
		s.limiters[t.Name] = lim
	}
	s.mu.Unlock()

	if lim.perMinute != nil && !lim.perMinute.Allow() {
		return fmt.Sprintf("tool '%s' per-minute budget of %g", t.Name, t.RateLimit.PerMinute), true
	}
	if lim.perSecond != nil && !lim.perSecond.Allow() {
		return fmt.Sprintf("tool '%s' per-second budget of %g", t.Name, t.RateLimit.PerSecond), true
	}
	return "", false
}

func newToolLimiter(cfg *ir.ToolRateLimit) *toolLimiter {
	lim := &toolLimiter{}
	if cfg.PerSecond > 0 {
		lim.perSecond = rate.NewLimiter(rate.Limit(cfg.PerSecond), burstFor(cfg.Burst, cfg.PerSecond))
	}
	if cfg.PerMinute > 0 {
		lim.perMinute = rate.NewLimiter(rate.Limit(cfg.PerMinute/60.0), burstFor(cfg.Burst, cfg.PerMinute))
	}
	return lim
}

// burstFor defaults the bucket depth to the window budget when no explicit
// burst is configured.
func burstFor(burst int, budget float64) int {
	if burst > 0 {
		return burst
	}
	n := int(math.Ceil(budget))
	if n < 1 {
		n = 1
	}
	return n
}
