// Package limits provides the in-process request guards: a per-channel
// sliding-window rate limiter and a short identical-message dedup window.
// Both sweep their maps on a background tick so channel cardinality cannot
// grow them without bound.
package limits

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxPerWindow is the per-channel request cap inside the window.
	DefaultMaxPerWindow = 20

	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute

	// DedupWindow suppresses identical (session, content) pairs.
	DedupWindow = 2 * time.Second

	sweepInterval = time.Minute
)

// RateLimiter tracks request timestamps per channel key.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time

	log    zerolog.Logger
	doneCh chan struct{}
	once   sync.Once

	now func() time.Time // test hook
}

func NewRateLimiter(max int, window time.Duration, log zerolog.Logger) *RateLimiter {
	if max <= 0 {
		max = DefaultMaxPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	rl := &RateLimiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		log:    log.With().Str("component", "ratelimit").Logger(),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	go rl.sweepLoop()
	return rl
}

// Allow records a request for the channel, or rejects it. On rejection,
// retryAfter is ceil((oldest + window - now) / 1s) in whole seconds.
func (rl *RateLimiter) Allow(channelKey string) (ok bool, retryAfter int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	window := rl.hits[channelKey]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.max {
		rl.hits[channelKey] = kept
		oldest := kept[0]
		wait := oldest.Add(rl.window).Sub(now)
		secs := int((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}

	rl.hits[channelKey] = append(kept, now)
	return true, 0
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.doneCh:
			return
		}
	}
}

// sweep drops channels whose whole window has expired.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	evicted := 0
	for key, window := range rl.hits {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(rl.hits, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.log.Debug().Int("evicted", evicted).Int("remaining", len(rl.hits)).Msg("swept rate windows")
	}
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.doneCh) })
}

// Deduper suppresses the second of two identical messages arriving on one
// session within DedupWindow. Compensates for double-submits where no
// cross-request session lock exists.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time

	doneCh chan struct{}
	once   sync.Once

	now func() time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DedupWindow
	}
	d := &Deduper{
		window: window,
		seen:   make(map[string]time.Time),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	go d.sweepLoop()
	return d
}

// Seen reports whether the same (session, content) pair was recorded inside
// the window, recording it either way.
func (d *Deduper) Seen(sessionID, content string) bool {
	key := dedupKey(sessionID, content)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Deduper) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.doneCh:
			return
		}
	}
}

func (d *Deduper) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.window)
	for key, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

func (d *Deduper) Close() {
	d.once.Do(func() { close(d.doneCh) })
}

func dedupKey(sessionID, content string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
