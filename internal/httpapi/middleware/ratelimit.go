package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/handoff/internal/common"
	"golang.org/x/time/rate"
)

// RateLimit throttles requests per authenticated actor. It must run after
// AuthRequired. Idle actors are forgotten after a few minutes; the sweep stops
// when ctx is done.
func RateLimit(ctx context.Context, perMinute float64, burst int) gin.HandlerFunc {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for id, v := range visitors {
					if time.Since(v.lastSeen) > 5*time.Minute {
						delete(visitors, id)
					}
				}
				mu.Unlock()
			}
		}
	}()

	limit := rate.Limit(perMinute / 60)
	return func(c *gin.Context) {
		key := c.GetString(UserIDKey)
		if key == "" {
			key = c.ClientIP()
		}
		mu.Lock()
		v, ok := visitors[key]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(limit, burst)}
			visitors[key] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		if !v.limiter.Allow() {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
		c.Next()
	}
}
