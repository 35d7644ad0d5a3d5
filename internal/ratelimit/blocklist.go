package ratelimit

import (
	"time"
)

// BlockKind selects which identifier a block applies to.
type BlockKind string

const (
	KindIP      BlockKind = "ip"
	KindUser    BlockKind = "user"
	KindSession BlockKind = "session"
)

func blockKey(kind BlockKind, value string) string { return string(kind) + ":" + value }

// Block denies value until the given time. A zero until is permanent. An
// existing block is only ever lengthened.
func (l *Limiter) Block(kind BlockKind, value string, until time.Time) {
	if value == "" {
		return
	}
	key := blockKey(kind, value)
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	prev, ok := l.blocked[key]
	switch {
	case !ok:
		l.blocked[key] = until
	case prev.IsZero():
	case until.IsZero() || until.After(prev):
		l.blocked[key] = until
	}
}

// Unblock lifts a block.
func (l *Limiter) Unblock(kind BlockKind, value string) {
	l.blockMu.Lock()
	delete(l.blocked, blockKey(kind, value))
	l.blockMu.Unlock()
}

// IsBlocked reports whether value is blocked and until when (zero when permanent).
func (l *Limiter) IsBlocked(kind BlockKind, value string) (bool, time.Time) {
	if value == "" {
		return false, time.Time{}
	}
	now := l.now()
	l.blockMu.RLock()
	until, ok := l.blocked[blockKey(kind, value)]
	l.blockMu.RUnlock()
	if !ok {
		return false, time.Time{}
	}
	if !until.IsZero() && !until.After(now) {
		return false, time.Time{}
	}
	return true, until
}

func (l *Limiter) checkBlocked(req Request, now time.Time) (Decision, bool) {
	candidates := []struct {
		kind  BlockKind
		value string
	}{{KindIP, req.IP}, {KindUser, req.UserID}, {KindSession, req.SessionID}}

	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		if ok, until := l.IsBlocked(c.kind, c.value); ok {
			var retry time.Duration
			if !until.IsZero() {
				retry = until.Sub(now)
			}
			return Decision{Reason: ReasonBlocked, RetryAfter: retry, RiskScore: 100}, true
		}
	}
	return Decision{}, false
}

func (l *Limiter) expireBlocks(now time.Time) int {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	n := 0
	for k, until := range l.blocked {
		if !until.IsZero() && !until.After(now) {
			delete(l.blocked, k)
			n++
		}
	}
	return n
}
