package reliability

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters holds one shared token bucket per external service. Sessions only
// read from it; the buckets themselves are goroutine-safe.
type Limiters struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

func NewLimiters() *Limiters {
	return &Limiters{buckets: make(map[string]*rate.Limiter)}
}

// Set installs a limiter of rps requests per second with the given burst.
// rps <= 0 removes the limit for that service.
func (l *Limiters) Set(service string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps <= 0 {
		delete(l.buckets, service)
		return
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	l.buckets[service] = rate.NewLimiter(rate.Limit(rps), burst)
}

// For returns the service limiter, or nil when the service is unlimited.
func (l *Limiters) For(service string) Waiter {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[service]
	if !ok {
		return nil
	}
	return b
}
