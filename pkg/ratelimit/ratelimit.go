// Package ratelimit keeps one token bucket per string key.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Spec is a parsed "N/unit" limit such as "60/m".
type Spec struct {
	Count int
	Per   time.Duration
}

// Parse accepts "N/s", "N/m" or "N/h".
func Parse(s string) (Spec, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Spec{}, fmt.Errorf("invalid rate format %q, expected N/unit", s)
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return Spec{}, fmt.Errorf("invalid rate count %q", parts[0])
	}
	var per time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		per = time.Second
	case "m":
		per = time.Minute
	case "h":
		per = time.Hour
	default:
		return Spec{}, fmt.Errorf("invalid rate unit %q", parts[1])
	}
	return Spec{Count: count, Per: per}, nil
}

func (s Spec) String() string {
	unit := "s"
	switch s.Per {
	case time.Minute:
		unit = "m"
	case time.Hour:
		unit = "h"
	}
	return strconv.Itoa(s.Count) + "/" + unit
}

// MapLimiter applies a token bucket per key and periodically evicts idle entries.
// The bucket holds Count tokens and refills at Count per Per.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(spec Spec, idleTTL time.Duration) *MapLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	if idleTTL < spec.Per {
		idleTTL = spec.Per
	}
	return &MapLimiter{
		limit:   rate.Every(spec.Per / time.Duration(spec.Count)),
		burst:   spec.Count,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one token can be consumed for key at now. A nil
// limiter allows everything.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}

// Len reports the number of tracked keys.
func (l *MapLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
