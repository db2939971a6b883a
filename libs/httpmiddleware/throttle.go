package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smdydx/UserAuthSystem/libs/metrics"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttler hands out one token bucket per client IP. Idle buckets are
// dropped after idleTTL.
type Throttler struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	visitors map[string]*visitor
	lastGC   time.Time
	now      func() time.Time
}

func NewThrottler(rps float64, burst int, idleTTL time.Duration) *Throttler {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Throttler{
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		visitors: map[string]*visitor{},
		lastGC:   time.Now(),
		now:      time.Now,
	}
}

// Reserve reports whether key may proceed now and, if not, how long until
// a token frees up.
func (t *Throttler) Reserve(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastGC) >= t.idleTTL {
		for k, v := range t.visitors {
			if now.Sub(v.lastSeen) >= t.idleTTL {
				delete(t.visitors, k)
			}
		}
		t.lastGC = now
	}

	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, t.idleTTL
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Throttle rejects clients that exceed the configured request rate with
// 429 and a Retry-After header. A non-positive rps disables it.
func Throttle(t *Throttler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil || t.rps <= 0 {
			c.Next()
			return
		}
		ok, wait := t.Reserve(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metrics.ThrottledRequests.WithLabelValues(path).Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "message": "too many requests"})
	}
}
