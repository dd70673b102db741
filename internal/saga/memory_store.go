package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo and test use. Update
// performs the same version compare-and-swap the PostgreSQL store does.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

// NewMemoryStore creates an empty in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]*Saga)}
}

func (s *MemoryStore) Create(ctx context.Context, sg *Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[sg.ID] = copySaga(sg)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySaga(sg), nil
}

func (s *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Saga, error) {
	if paymentID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sg := range s.sagas {
		if sg.PaymentID == paymentID {
			return copySaga(sg), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, sg *Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sagas[sg.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sg.Version {
		return ErrVersionConflict
	}
	sg.Version++
	s.sagas[sg.ID] = copySaga(sg)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Saga
	for _, sg := range s.sagas {
		if sg.Expired(now) {
			result = append(result, copySaga(sg))
		}
	}
	sortByCreated(result)
	return truncate(result, limit), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Saga
	for _, sg := range s.sagas {
		if sg.Status == status {
			result = append(result, copySaga(sg))
		}
	}
	sortByCreated(result)
	return truncate(result, limit), nil
}

func sortByCreated(sagas []*Saga) {
	sort.Slice(sagas, func(i, j int) bool {
		return sagas[i].CreatedAt.Before(sagas[j].CreatedAt)
	})
}

func truncate(sagas []*Saga, limit int) []*Saga {
	if limit > 0 && len(sagas) > limit {
		return sagas[:limit]
	}
	return sagas
}

func copySaga(sg *Saga) *Saga {
	cp := *sg
	cp.Steps = make([]Step, len(sg.Steps))
	for i, st := range sg.Steps {
		stc := st
		stc.Input = copyMap(st.Input)
		stc.Output = copyMap(st.Output)
		if st.ExecutedAt != nil {
			t := *st.ExecutedAt
			stc.ExecutedAt = &t
		}
		cp.Steps[i] = stc
	}
	cp.CompensationPlan = make([]CompensationStep, len(sg.CompensationPlan))
	for i, cs := range sg.CompensationPlan {
		csc := cs
		csc.Parameters = copyMap(cs.Parameters)
		if cs.ExecutedAt != nil {
			t := *cs.ExecutedAt
			csc.ExecutedAt = &t
		}
		cp.CompensationPlan[i] = csc
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
