// Package limiter rate-limits per-connection message channels with token
// buckets. The cursor side-channel is lossy by design, so over-limit
// messages are dropped rather than erred.
package limiter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "limiter",
			Name:      "messages_dropped",
			Help:      "Total number of messages dropped by rate limiting",
		},
		[]string{"channel"},
	)
	messagesAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "limiter",
			Name:      "messages_allowed",
			Help:      "Total number of messages allowed by rate limiting",
		},
		[]string{"channel"},
	)
)

var registerLimiterMetrics sync.Once

func init() {
	registerLimiterMetrics.Do(func() {
		prometheus.MustRegister(messagesDropped, messagesAllowed)
	})
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MessageLimits hands out one token bucket per key (normally a connection
// id). Idle entries are swept periodically so disconnected keys do not
// accumulate.
type MessageLimits struct {
	mutex   sync.Mutex
	limits  map[string]*entry
	channel string
	limit   rate.Limit
	burst   int
	done    chan struct{}
}

// NewMessageLimits builds a limiter allowing perSecond sustained messages
// with the given burst on the named channel. A non-positive perSecond
// disables limiting.
func NewMessageLimits(channel string, perSecond float64, burst int) *MessageLimits {
	l := &MessageLimits{
		limits:  make(map[string]*entry),
		channel: channel,
		limit:   rate.Limit(perSecond),
		burst:   burst,
		done:    make(chan struct{}),
	}
	if l.limit > 0 {
		go l.clean()
	}
	return l
}

// Allow reports whether the key may send another message now.
func (l *MessageLimits) Allow(key string) bool {
	if l.limit <= 0 {
		messagesAllowed.WithLabelValues(l.channel).Inc()
		return true
	}

	l.mutex.Lock()
	e, ok := l.limits[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limits[key] = e
	}
	e.lastSeen = time.Now()
	l.mutex.Unlock()

	if e.limiter.Allow() {
		messagesAllowed.WithLabelValues(l.channel).Inc()
		return true
	}
	messagesDropped.WithLabelValues(l.channel).Inc()
	return false
}

// Forget drops the key's bucket, normally on disconnect.
func (l *MessageLimits) Forget(key string) {
	l.mutex.Lock()
	delete(l.limits, key)
	l.mutex.Unlock()
}

// Stop terminates the sweep goroutine. Safe to call multiple times.
func (l *MessageLimits) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

func (l *MessageLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mutex.Lock()
			for key, e := range l.limits {
				if e.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
			}
			l.mutex.Unlock()
		}
	}
}
