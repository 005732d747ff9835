package corrections

import "context"

// ResolutionView is a Resolution eagerly joined with its endpoint
// entities, so HTTP handlers never need a follow-up round trip per row.
type ResolutionView struct {
	Resolution *Resolution
	Occurrence *Occurrence
	Canonical  *CanonicalEntity
}

// Queries implements C8, the read-only selector layer used by the review
// UI. All methods eagerly fetch endpoint entities to avoid N+1 access
// patterns in callers.
type Queries struct {
	store Store
}

// NewQueries builds a Queries over a Store. Callers outside a transaction
// should pass a non-transactional Store; read-only queries do not need
// the atomicity guarantees applyCorrection does.
func NewQueries(store Store) *Queries {
	return &Queries{store: store}
}

// OccurrencesInScope lists occurrences in a scope, optionally filtered by
// a substring search on value.
func (q *Queries) OccurrencesInScope(ctx context.Context, scopeID int64, search string, page, pageSize int) ([]*Occurrence, error) {
	offset := 0
	if page > 0 {
		offset = page * pageSize
	}
	rows, err := q.store.OccurrencesInScope(ctx, scopeID, search, pageSize, offset)
	if err != nil {
		return nil, newErr("corrections.OccurrencesInScope", KindStorageFailure, err)
	}
	return rows, nil
}

// ResolutionsForOccurrence returns every edge for an occurrence, ordered
// by score desc then createdAt desc, joined with its canonical entity.
func (q *Queries) ResolutionsForOccurrence(ctx context.Context, occurrenceID string) ([]ResolutionView, error) {
	const op = "corrections.ResolutionsForOccurrence"
	rows, err := q.store.ResolutionsForOccurrenceOrdered(ctx, occurrenceID)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	occ, err := q.occurrenceByID(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	views := make([]ResolutionView, 0, len(rows))
	for _, r := range rows {
		c, err := q.store.GetCanonical(ctx, r.CanonicalID)
		if err != nil {
			return nil, newErr(op, KindStorageFailure, err)
		}
		views = append(views, ResolutionView{Resolution: r, Occurrence: occ, Canonical: c})
	}
	return views, nil
}

// ConflictingOccurrences returns occurrences with two or more pending
// resolutions and zero approved ones.
func (q *Queries) ConflictingOccurrences(ctx context.Context, scopeID int64) ([]*Occurrence, error) {
	rows, err := q.store.ConflictingOccurrences(ctx, scopeID)
	if err != nil {
		return nil, newErr("corrections.ConflictingOccurrences", KindStorageFailure, err)
	}
	return rows, nil
}

// ResolutionsInScope implements the filtered/paginated list backing
// GET /corrections/. A nil scopeID lists resolutions across every scope.
func (q *Queries) ResolutionsInScope(ctx context.Context, scopeID *int64, statuses []ResolutionStatus, searchOccurrence, searchCorrect string, conflictsOnly bool, sortBy string, page, pageSize int) ([]ResolutionView, int, error) {
	const op = "corrections.ResolutionsInScope"
	rows, total, err := q.store.ResolutionsInScope(ctx, scopeID, statuses, searchOccurrence, searchCorrect, conflictsOnly, sortBy, page, pageSize)
	if err != nil {
		return nil, 0, newErr(op, KindStorageFailure, err)
	}
	views := make([]ResolutionView, 0, len(rows))
	for _, r := range rows {
		occ, err := q.occurrenceByID(ctx, r.OccurrenceID)
		if err != nil {
			return nil, 0, err
		}
		c, err := q.store.GetCanonical(ctx, r.CanonicalID)
		if err != nil {
			return nil, 0, newErr(op, KindStorageFailure, err)
		}
		views = append(views, ResolutionView{Resolution: r, Occurrence: occ, Canonical: c})
	}
	return views, total, nil
}

// GetResolution fetches a single resolution by id, eagerly joined, for the
// edit endpoint. Returns a NotFound error when the id does not exist.
func (q *Queries) GetResolution(ctx context.Context, id int64) (*ResolutionView, error) {
	const op = "corrections.GetResolution"
	r, err := q.store.GetResolution(ctx, id)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	if r == nil {
		return nil, newErr(op, KindNotFound, nil)
	}
	occ, err := q.occurrenceByID(ctx, r.OccurrenceID)
	if err != nil {
		return nil, err
	}
	c, err := q.store.GetCanonical(ctx, r.CanonicalID)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	return &ResolutionView{Resolution: r, Occurrence: occ, Canonical: c}, nil
}

func (q *Queries) occurrenceByID(ctx context.Context, id string) (*Occurrence, error) {
	occ, err := q.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, newErr("corrections.Queries", KindStorageFailure, err)
	}
	return occ, nil
}
