package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	m := metrics.Get()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		// The mux records the matched pattern on the request.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.APILatency.WithLabelValues(r.Method, route).Observe(dur.Seconds())

		logger.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"from", r.RemoteAddr, "dur", dur)
	})
}

// throttle limits requests per remote host. Idle limiters are dropped
// after limiterTTL.
type throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*clientLimiter
	lastScan time.Time
	now      func() time.Time
}

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

const limiterTTL = 10 * time.Minute

func newThrottle(perMinute int) *throttle {
	if perMinute <= 0 {
		return nil
	}
	return &throttle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (t *throttle) allow(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastScan) > limiterTTL {
		for h, c := range t.clients {
			if now.Sub(c.seen) > limiterTTL {
				delete(t.clients, h)
			}
		}
		t.lastScan = now
	}

	c, ok := t.clients[host]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(t.limit, t.burst)}
		t.clients[host] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// wrap applies the throttle to next. A nil throttle passes everything.
func (t *throttle) wrap(next http.HandlerFunc) http.HandlerFunc {
	if t == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(remoteHost(r)) {
			w.Header().Set("Retry-After", "60")
			respondError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
