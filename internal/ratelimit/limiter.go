// Package ratelimit bounds outgoing traffic per conversation. Two limiters
// live here: a sliding-window flush limiter gating sends and edits inside a
// turn, and a token-bucket turn limiter gating whole new turns.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Verdict is the flush limiter's three-state answer.
type Verdict int

const (
	// Allow permits the flush silently.
	Allow Verdict = iota
	// AllowWithNotice permits exactly one more flush, which must carry a
	// "slow down" notice. Every later flush in the window is denied.
	AllowWithNotice
	// Deny suppresses the flush entirely.
	Deny
)

type window struct {
	start time.Time
	sends int
}

// FlushLimiter counts sends and edits per conversation in a rolling window.
// The counter and window start reset once the window has elapsed.
type FlushLimiter struct {
	mu       sync.Mutex
	windows  map[int64]*window
	window   time.Duration
	ceilings map[string]int
	now      func() time.Time
}

// NewFlushLimiter creates a limiter with per-conversation-kind ceilings.
func NewFlushLimiter(windowDur time.Duration, ceilings map[string]int) *FlushLimiter {
	return &FlushLimiter{
		windows:  make(map[int64]*window),
		window:   windowDur,
		ceilings: ceilings,
		now:      time.Now,
	}
}

// Allow records one flush attempt for the conversation and returns the
// verdict. At the ceiling it allows a single grace send for the notice, so
// the total number of sends in a window never exceeds ceiling+1.
func (l *FlushLimiter) Allow(conversationID int64, kind string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[conversationID]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[conversationID] = w
	}

	ceiling, ok := l.ceilings[kind]
	if !ok || ceiling <= 0 {
		return Allow
	}

	switch {
	case w.sends < ceiling:
		w.sends++
		return Allow
	case w.sends == ceiling:
		w.sends++
		return AllowWithNotice
	default:
		return Deny
	}
}

// TurnLimiter bounds how many new turns a conversation may start per minute.
// Built on a per-conversation token bucket; a denied turn is refused outright
// with a "please wait" notice rather than queued.
type TurnLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTurnLimiter creates a limiter allowing turnsPerMinute sustained new
// turns with a burst of the same size.
func NewTurnLimiter(turnsPerMinute float64) *TurnLimiter {
	burst := int(turnsPerMinute)
	if burst < 1 {
		burst = 1
	}
	return &TurnLimiter{
		limiters: make(map[int64]*rate.Limiter),
		limit:    rate.Limit(turnsPerMinute / 60.0),
		burst:    burst,
	}
}

// Allow reports whether the conversation may start a new turn now.
func (l *TurnLimiter) Allow(conversationID int64) bool {
	l.mu.Lock()
	lim, ok := l.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[conversationID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
