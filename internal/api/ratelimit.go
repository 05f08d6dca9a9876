package api

import (
	"math"
	"net"
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client limiter table; the least recently
// seen client is evicted first.
const maxTrackedClients = 4096

// RateLimiter applies a global and a per-client token bucket.
type RateLimiter struct {
	global  *rate.Limiter
	clients *lru.Cache[string, *rate.Limiter]

	perClient rate.Limit
	burst     int
}

// NewRateLimiter allows requestsPerSecond per client with the given burst.
// The global bucket admits ten clients at full rate.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clients:   clients,
		perClient: rate.Limit(requestsPerSecond),
		burst:     burst,
	}
}

// Allow reports whether a request from clientID may proceed now.
func (rl *RateLimiter) Allow(clientID string) bool {
	return rl.clientLimiter(clientID).Allow() && rl.global.Allow()
}

func (rl *RateLimiter) clientLimiter(clientID string) *rate.Limiter {
	if l, ok := rl.clients.Get(clientID); ok {
		return l
	}
	l := rate.NewLimiter(rl.perClient, rl.burst)
	if prev, ok, _ := rl.clients.PeekOrAdd(clientID, l); ok {
		return prev
	}
	return l
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(rl.perClient))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", retryAfter)
			JSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Retryable: true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by address; RealIP has already applied
// any forwarding headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
