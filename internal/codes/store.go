package codes

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Store persists access codes. Update is an atomic read-modify-write of one
// record: fn sees the current value and its error aborts the write.
type Store interface {
	Create(ctx context.Context, code AccessCode) error
	Get(ctx context.Context, id string) (AccessCode, error)
	// FindBySignature returns the codes whose lookup signature equals sig.
	FindBySignature(ctx context.Context, sig string) ([]AccessCode, error)
	Update(ctx context.Context, id string, fn func(*AccessCode) error) (AccessCode, error)
	Delete(ctx context.Context, id string) error
	// List returns a snapshot of all codes, or of one institution's codes.
	List(ctx context.Context, institutionID string) ([]AccessCode, error)
}

type codeShard struct {
	mu    sync.RWMutex
	codes map[string]*AccessCode
}

// MemoryStore is a sharded in-process Store.
type MemoryStore struct {
	shards []*codeShard

	idxMu sync.RWMutex
	bySig map[string]map[string]string // signature -> id -> institution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store with n shards (32 when n <= 0).
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = 32
	}
	s := &MemoryStore{
		shards: make([]*codeShard, n),
		bySig:  make(map[string]map[string]string),
	}
	for i := range s.shards {
		s.shards[i] = &codeShard{codes: make(map[string]*AccessCode)}
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *codeShard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// Create inserts a code. A code with the same ID, or the same signature in
// the same institution, is a duplicate.
func (s *MemoryStore) Create(_ context.Context, code AccessCode) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	for _, inst := range s.bySig[code.Signature] {
		if inst == code.InstitutionID {
			return ErrDuplicate
		}
	}
	sh := s.shardFor(code.ID)
	sh.mu.Lock()
	if _, ok := sh.codes[code.ID]; ok {
		sh.mu.Unlock()
		return ErrDuplicate
	}
	cp := code.Clone()
	sh.codes[code.ID] = &cp
	sh.mu.Unlock()

	ids := s.bySig[code.Signature]
	if ids == nil {
		ids = make(map[string]string)
		s.bySig[code.Signature] = ids
	}
	ids[code.ID] = code.InstitutionID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (AccessCode, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.codes[id]
	if !ok {
		return AccessCode{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindBySignature(ctx context.Context, sig string) ([]AccessCode, error) {
	s.idxMu.RLock()
	ids := make([]string, 0, len(s.bySig[sig]))
	for id := range s.bySig[sig] {
		ids = append(ids, id)
	}
	s.idxMu.RUnlock()
	sort.Strings(ids)

	out := make([]AccessCode, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*AccessCode) error) (AccessCode, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.codes[id]
	if !ok {
		return AccessCode{}, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.ID, next.Signature, next.InstitutionID = cur.ID, cur.Signature, cur.InstitutionID
	sh.codes[id] = &next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	c, ok := sh.codes[id]
	if ok {
		delete(sh.codes, id)
	}
	sh.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.idxMu.Lock()
	if ids := s.bySig[c.Signature]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.bySig, c.Signature)
		}
	}
	s.idxMu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, institutionID string) ([]AccessCode, error) {
	var out []AccessCode
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, c := range sh.codes {
			if institutionID == "" || c.InstitutionID == institutionID {
				out = append(out, c.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
