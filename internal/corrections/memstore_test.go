package corrections

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory implementation of Store used only by this
// package's tests, so the engine's transaction logic can be exercised
// without a live database.
type memStore struct {
	mu          sync.Mutex
	now         time.Time
	scopes      map[int64]*Scope
	nextScope   int64
	occurrences map[string]*Occurrence
	canonical   map[string]*CanonicalEntity
	resolutions map[int64]*Resolution
	nextResID   int64
}

func newMemStore() *memStore {
	return &memStore{
		now:         time.Unix(1700000000, 0),
		scopes:      map[int64]*Scope{},
		occurrences: map[string]*Occurrence{},
		canonical:   map[string]*CanonicalEntity{},
		resolutions: map[int64]*Resolution{},
	}
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

// WithTx runs fn directly against the same store; memStore has no real
// transaction isolation, which is sufficient for single-goroutine tests.
func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	return fn(ctx, m)
}

func (m *memStore) GetScope(ctx context.Context, id int64) (*Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopes[id], nil
}

func (m *memStore) GetOrCreateSentinelScope(ctx context.Context) (*Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scopes[1]; ok {
		return s, nil
	}
	s := &Scope{ID: 1, Description: "default", CreatedAt: m.tick(), UpdatedAt: m.now}
	m.scopes[1] = s
	if m.nextScope < 1 {
		m.nextScope = 1
	}
	return s, nil
}

func (m *memStore) CreateScope(description string) *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScope++
	s := &Scope{ID: m.nextScope, Description: description, CreatedAt: m.tick(), UpdatedAt: m.now}
	m.scopes[s.ID] = s
	return s
}

func (m *memStore) TouchScope(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scopes[id]; ok {
		s.UpdatedAt = m.tick()
	}
	return nil
}

func (m *memStore) FindOccurrencesByValue(ctx context.Context, scopeID int64, value string) ([]*Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Occurrence
	for _, o := range m.occurrences {
		if o.ScopeID == scopeID && o.Value == value {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occurrences[id], nil
}

func (m *memStore) CreateOccurrence(ctx context.Context, o *Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = m.tick()
	o.UpdatedAt = m.now
	m.occurrences[o.ID] = o
	return nil
}

func (m *memStore) RefreshOccurrenceCache(ctx context.Context, occurrenceID string, resolvedTo *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.occurrences[occurrenceID]
	if !ok {
		return nil
	}
	o.ResolvedTo = resolvedTo
	o.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) GetCanonicalByExternalID(ctx context.Context, scopeID int64, externalID string) (*CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.canonical {
		if c.ScopeID == scopeID && c.ExternalID != nil && *c.ExternalID == externalID {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindCanonicalByValue(ctx context.Context, scopeID int64, value string) ([]*CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CanonicalEntity
	for _, c := range m.canonical {
		if c.ScopeID == scopeID && c.Value == value {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) CreateCanonical(ctx context.Context, c *CanonicalEntity) error {
	m.mu.Lock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	for _, existing := range m.canonical {
		if existing.ScopeID != c.ScopeID {
			continue
		}
		if c.ExternalID != nil && existing.ExternalID != nil && *existing.ExternalID == *c.ExternalID {
			m.mu.Unlock()
			return newErr("memStore.CreateCanonical", KindUniquenessConflict, nil)
		}
		if c.ExternalID == nil && existing.ExternalID == nil && existing.Value == c.Value && existing.RequiredContextElements.Equal(c.RequiredContextElements) {
			m.mu.Unlock()
			return newErr("memStore.CreateCanonical", KindUniquenessConflict, nil)
		}
	}
	c.CreatedAt = m.tick()
	c.UpdatedAt = m.now
	m.canonical[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *memStore) ListCanonicalInScope(ctx context.Context, scopeID int64) ([]*CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CanonicalEntity
	for _, c := range m.canonical {
		if c.ScopeID == scopeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetCanonical(ctx context.Context, id string) (*CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canonical[id], nil
}

func (m *memStore) GetResolution(ctx context.Context, id int64) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolutions[id], nil
}

func (m *memStore) FindResolution(ctx context.Context, occurrenceID, canonicalID string) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resolutions {
		if r.OccurrenceID == occurrenceID && r.CanonicalID == canonicalID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertPendingResolution(ctx context.Context, occurrenceID, canonicalID string, scopeID int64, score float64) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resolutions {
		if r.OccurrenceID == occurrenceID && r.CanonicalID == canonicalID {
			return r, nil
		}
	}
	m.nextResID++
	r := &Resolution{
		ID:           m.nextResID,
		ScopeID:      scopeID,
		OccurrenceID: occurrenceID,
		CanonicalID:  canonicalID,
		Status:       StatusPending,
		Score:        score,
		CreatedAt:    m.tick(),
	}
	r.UpdatedAt = r.CreatedAt
	m.resolutions[r.ID] = r
	return r, nil
}

func (m *memStore) SetResolutionStatus(ctx context.Context, resolutionID int64, status ResolutionStatus, manual bool) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resolutions[resolutionID]
	if !ok {
		return nil, newErr("memStore.SetResolutionStatus", KindNotFound, nil)
	}
	r.Status = status
	r.Manual = manual
	r.UpdatedAt = m.tick()
	return r, nil
}

func (m *memStore) DeleteResolution(ctx context.Context, resolutionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resolutions, resolutionID)
	return nil
}

func (m *memStore) ResolutionsForOccurrence(ctx context.Context, occurrenceID string) ([]*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Resolution
	for _, r := range m.resolutions {
		if r.OccurrenceID == occurrenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) InvalidateScope(ctx context.Context, scopeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scopes[scopeID]; ok {
		s.UpdatedAt = m.tick()
	}
	for _, o := range m.occurrences {
		if o.ScopeID == scopeID {
			o.UpdatedAt = m.now
		}
	}
	return nil
}

func (m *memStore) OccurrencesInScope(ctx context.Context, scopeID int64, search string, limit, offset int) ([]*Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Occurrence
	for _, o := range m.occurrences {
		if o.ScopeID != scopeID {
			continue
		}
		if search != "" && !strings.Contains(o.Value, search) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ResolutionsForOccurrenceOrdered(ctx context.Context, occurrenceID string) ([]*Resolution, error) {
	rows, _ := m.ResolutionsForOccurrence(ctx, occurrenceID)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows, nil
}

func (m *memStore) ConflictingOccurrences(ctx context.Context, scopeID int64) ([]*Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Occurrence
	for _, o := range m.occurrences {
		if o.ScopeID != scopeID {
			continue
		}
		pending, approved := 0, 0
		for _, r := range m.resolutions {
			if r.OccurrenceID != o.ID {
				continue
			}
			if r.Status == StatusPending {
				pending++
			} else if r.Status == StatusApproved {
				approved++
			}
		}
		if pending >= 2 && approved == 0 {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ResolutionsInScope(ctx context.Context, scopeID *int64, statuses []ResolutionStatus, searchOccurrence, searchCorrect string, conflictsOnly bool, sortBy string, page, pageSize int) ([]*Resolution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statusSet := map[ResolutionStatus]bool{}
	for _, s := range statuses {
		statusSet[s] = true
	}
	var out []*Resolution
	for _, r := range m.resolutions {
		if scopeID != nil && r.ScopeID != *scopeID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[r.Status] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}
