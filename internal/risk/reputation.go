package risk

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reputation keeps a bounded 0..100 badness score per IP. Least recently
// touched IPs are forgotten first.
type Reputation struct {
	mu    sync.Mutex
	cache *lru.Cache[string, float64]

	failurePenalty float64
	threatPenalty  float64
	successCredit  float64
}

// NewReputation builds a reputation table holding at most size IPs.
func NewReputation(size int, failurePenalty, threatPenalty, successCredit float64) (*Reputation, error) {
	c, err := lru.New[string, float64](size)
	if err != nil {
		return nil, err
	}
	return &Reputation{
		cache:          c,
		failurePenalty: failurePenalty,
		threatPenalty:  threatPenalty,
		successCredit:  successCredit,
	}, nil
}

func (r *Reputation) adjust(ip string, delta float64) {
	if ip == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _ := r.cache.Peek(ip)
	next := math.Max(0, math.Min(100, cur+delta))
	if next == 0 {
		r.cache.Remove(ip)
		return
	}
	r.cache.Add(ip, next)
}

// RecordFailure worsens the IP after a failed validation.
func (r *Reputation) RecordFailure(ip string) { r.adjust(ip, r.failurePenalty) }

// RecordThreat worsens the IP after an attack signature.
func (r *Reputation) RecordThreat(ip string) { r.adjust(ip, r.threatPenalty) }

// RecordSuccess slowly restores the IP.
func (r *Reputation) RecordSuccess(ip string) { r.adjust(ip, -r.successCredit) }

// Score returns the IP's badness, 0 for unknown IPs.
func (r *Reputation) Score(ip string) float64 {
	v, _ := r.cache.Get(ip)
	return v
}

// Len is the number of tracked IPs.
func (r *Reputation) Len() int { return r.cache.Len() }
