package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// peekLimit bounds how much of a send body is buffered to find the
// destination. Larger bodies skip the recipient budget.
const peekLimit = 64 << 10

// RateLimiter allows limit hits per key in each fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) sweep() {
	if rl.period <= 0 {
		return
	}
	ticker := time.NewTicker(rl.period)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.now()
		for key, w := range rl.windows {
			if now.After(w.resetAt) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop ends the background sweep of expired windows.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow records a hit for key. When the window is already full it returns
// false and the time left until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}
	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// SendLimiter throttles send requests with two independent budgets: one
// per client IP and one per recipient address. Either may be nil.
type SendLimiter struct {
	PerClient    *RateLimiter
	PerRecipient *RateLimiter
	// Normalize maps a raw destination to the engine address so that
	// "+1 555 0100" and "15550100@c.us" share a bucket.
	Normalize func(string) string
}

func (s *SendLimiter) Stop() {
	if s.PerClient != nil {
		s.PerClient.Stop()
	}
	if s.PerRecipient != nil {
		s.PerRecipient.Stop()
	}
}

// Middleware enforces the client budget, then the recipient budget. The
// request body is restored for the handler after the destination is read.
func (s *SendLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.PerClient != nil {
			if ok, wait := s.PerClient.Allow(c.ClientIP()); !ok {
				rejectRateLimited(c, wait, "Too many send requests from this client")
				return
			}
		}
		if s.PerRecipient != nil {
			if to := s.recipient(c); to != "" {
				if ok, wait := s.PerRecipient.Allow(to); !ok {
					rejectRateLimited(c, wait, "Too many messages to this recipient")
					return
				}
			}
		}
		c.Next()
	}
}

func (s *SendLimiter) recipient(c *gin.Context) string {
	to := peekDestination(c)
	if to == "" || s.Normalize == nil {
		return to
	}
	return s.Normalize(to)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// peekDestination reads destination (or the legacy number field) from a
// JSON body without consuming it.
func peekDestination(c *gin.Context) string {
	body := c.Request.Body
	if body == nil || body == http.NoBody {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(body, peekLimit+1))
	c.Request.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), body), Closer: body}
	if err != nil || len(raw) > peekLimit {
		return ""
	}
	var req struct {
		Destination string `json:"destination"`
		Number      string `json:"number"`
	}
	if json.Unmarshal(raw, &req) != nil {
		return ""
	}
	if req.Destination != "" {
		return req.Destination
	}
	return req.Number
}

func rejectRateLimited(c *gin.Context, wait time.Duration, message string) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"success":    false,
		"error":      "rate_limited",
		"message":    message,
		"retryAfter": seconds,
	})
}
