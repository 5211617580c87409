package scope

import (
	"context"
	"database/sql"
	"sync"

	"github.com/basket/turngate/internal/persistence"
)

// MemoryStore is an in-process OverrideStore for guard tests.
type MemoryStore struct {
	mu       sync.Mutex
	byDomain map[string]persistence.ScopeOverride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDomain: make(map[string]persistence.ScopeOverride)}
}

func (m *MemoryStore) PutOverride(_ context.Context, o persistence.ScopeOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Roots = append([]string(nil), o.Roots...)
	m.byDomain[o.Domain] = o
	return nil
}

func (m *MemoryStore) GetOverride(_ context.Context, token, domain string) (*persistence.ScopeOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != "" {
		for _, o := range m.byDomain {
			if o.Token == token {
				cp := o
				return &cp, nil
			}
		}
		return nil, sql.ErrNoRows
	}
	if o, ok := m.byDomain[domain]; ok && domain != "" {
		return &o, nil
	}
	return nil, sql.ErrNoRows
}

func (m *MemoryStore) DeleteOverride(_ context.Context, tokenOrDomain string) (*persistence.ScopeOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for domain, o := range m.byDomain {
		if o.Token == tokenOrDomain {
			delete(m.byDomain, domain)
			return &o, nil
		}
	}
	if o, ok := m.byDomain[tokenOrDomain]; ok {
		delete(m.byDomain, tokenOrDomain)
		return &o, nil
	}
	return nil, nil
}
