package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps a token bucket per client in memory. Buckets idle
// longer than the idle window are dropped by Sweep.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clock   func() time.Time
}

type bucket struct {
	*rate.Limiter
	touched time.Time
}

func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: map[string]*bucket{},
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		idle:    3 * time.Minute,
		clock:   time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.touched = now
	return b.AllowN(now, 1), nil
}

// Sweep drops idle buckets and reports how many went.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock().Add(-l.idle)
	before := len(l.buckets)
	for key, b := range l.buckets {
		if b.touched.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	return before - len(l.buckets)
}

// Run calls Sweep every minute until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			l.Sweep()
		}
	}
}

// gcra is the generic cell rate algorithm over one key holding the
// theoretical arrival time in microseconds of server time.
//
//	KEYS[1]  client key
//	ARGV[1]  emission interval, microseconds
//	ARGV[2]  burst tolerance, microseconds
var gcra = redis.NewScript(`
local interval = tonumber(ARGV[1])
local tolerance = tonumber(ARGV[2])
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local tat = math.max(tonumber(redis.call("GET", KEYS[1]) or now), now)
if tat - now > tolerance then
  return 0
end
local after = tat + interval
redis.call("SET", KEYS[1], string.format("%.0f", after), "PX", math.ceil((after - now) / 1000) + 1)
return 1
`)

// RedisLimiter enforces the same per-client budget across replicas.
type RedisLimiter struct {
	rdb       redis.Scripter
	interval  int64
	tolerance int64
	prefix    string
}

func NewRedisLimiter(rdb redis.Scripter, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	interval := int64(float64(time.Second/time.Microsecond) / rps)
	return &RedisLimiter{
		rdb:       rdb,
		interval:  interval,
		tolerance: interval * int64(max(burst, 1)-1),
		prefix:    "phoenix:ratelimit:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := gcra.Run(ctx, l.rdb, []string{l.prefix + key}, l.interval, l.tolerance).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RateLimit answers 429 once a client is over budget. Clients are keyed by
// IP. A nil or failing limiter lets the request through.
func RateLimit(l Limiter, retryAfterSecs int) func(http.Handler) http.Handler {
	log := slog.Default().With("component", "api")
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), clientKey(r))
			switch {
			case err != nil:
				log.WarnContext(r.Context(), "rate limiter unavailable, admitting request", "error", err)
			case !ok:
				WriteTooManyRequests(w, max(retryAfterSecs, 1))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + host
}
