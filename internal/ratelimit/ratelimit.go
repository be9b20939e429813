// Package ratelimit gives each sensor its own token bucket so one
// noisy sensor cannot starve ingest capacity for the rest of a
// project, using golang.org/x/time/rate the same way the teacher
// codebase rate-limits per API key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) Allow(sensorID string) bool {
	return l.forSensor(sensorID).Allow()
}

func (l *Limiter) AllowN(sensorID string, n int) bool {
	return l.forSensor(sensorID).AllowN(time.Now(), n)
}

func (l *Limiter) forSensor(sensorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[sensorID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[sensorID] = lim
	}
	return lim
}
