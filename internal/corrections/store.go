package corrections

import "context"

// ScopeStore manages Scope rows.
type ScopeStore interface {
	GetScope(ctx context.Context, id int64) (*Scope, error)
	// GetOrCreateSentinelScope returns the scope with the well-known
	// sentinel id (1), creating it if absent.
	GetOrCreateSentinelScope(ctx context.Context) (*Scope, error)
	// TouchScope bumps a scope's UpdatedAt to now.
	TouchScope(ctx context.Context, id int64) error
}

// OccurrenceStore manages Occurrence rows.
type OccurrenceStore interface {
	// FindOccurrencesByValue returns every Occurrence in scope with the
	// given exact value, in creation order.
	FindOccurrencesByValue(ctx context.Context, scopeID int64, value string) ([]*Occurrence, error)
	GetOccurrence(ctx context.Context, id string) (*Occurrence, error)
	CreateOccurrence(ctx context.Context, o *Occurrence) error
	// RefreshOccurrenceCache sets resolvedTo and bumps updatedAt in one
	// write, per C7's refreshCache.
	RefreshOccurrenceCache(ctx context.Context, occurrenceID string, resolvedTo *string) error
}

// CanonicalStore manages CanonicalEntity rows.
type CanonicalStore interface {
	GetCanonicalByExternalID(ctx context.Context, scopeID int64, externalID string) (*CanonicalEntity, error)
	// FindCanonicalByValue returns every candidate in scope with the given
	// value, with or without an external id; C4 step 2 drops those with an
	// external id and compares requiredContextElements structurally.
	FindCanonicalByValue(ctx context.Context, scopeID int64, value string) ([]*CanonicalEntity, error)
	CreateCanonical(ctx context.Context, c *CanonicalEntity) error
	// ListCanonicalInScope enumerates all canonical entities in a scope,
	// used by C6 step 6's candidate enumeration.
	ListCanonicalInScope(ctx context.Context, scopeID int64) ([]*CanonicalEntity, error)
	GetCanonical(ctx context.Context, id string) (*CanonicalEntity, error)
}

// ResolutionStore manages Resolution rows (C5).
type ResolutionStore interface {
	GetResolution(ctx context.Context, id int64) (*Resolution, error)
	// FindResolution looks up the unique (occurrence, canonical) edge.
	FindResolution(ctx context.Context, occurrenceID, canonicalID string) (*Resolution, error)
	UpsertPendingResolution(ctx context.Context, occurrenceID, canonicalID string, scopeID int64, score float64) (*Resolution, error)
	SetResolutionStatus(ctx context.Context, resolutionID int64, status ResolutionStatus, manual bool) (*Resolution, error)
	DeleteResolution(ctx context.Context, resolutionID int64) error
	// ResolutionsForOccurrence returns every edge for an occurrence,
	// needed by bestFor and pruneStale.
	ResolutionsForOccurrence(ctx context.Context, occurrenceID string) ([]*Resolution, error)
}

// CacheStore exposes the parts of C7 not already covered by
// OccurrenceStore/ScopeStore: scope-wide invalidation.
type CacheStore interface {
	// InvalidateScope bumps UpdatedAt on every Occurrence in the scope
	// and on the scope itself.
	InvalidateScope(ctx context.Context, scopeID int64) error
}

// QueryStore is the read-only selector layer (C8) used by the review UI.
type QueryStore interface {
	OccurrencesInScope(ctx context.Context, scopeID int64, search string, limit, offset int) ([]*Occurrence, error)
	ResolutionsForOccurrenceOrdered(ctx context.Context, occurrenceID string) ([]*Resolution, error)
	ConflictingOccurrences(ctx context.Context, scopeID int64) ([]*Occurrence, error)
	// ResolutionsInScope lists resolutions, optionally filtered to a single
	// scope; a nil scopeID matches every scope, mirroring the original
	// review list's "no scope filter" behavior when none is selected.
	ResolutionsInScope(ctx context.Context, scopeID *int64, statuses []ResolutionStatus, searchOccurrence, searchCorrect string, conflictsOnly bool, sortBy string, page, pageSize int) ([]*Resolution, int, error)
}

// Store composes every capability the engine needs. A single
// transactional implementation backs all of them so that C6 can run its
// whole pipeline atomically; see internal/sqlstore for the Postgres
// implementation.
type Store interface {
	ScopeStore
	OccurrenceStore
	CanonicalStore
	ResolutionStore
	CacheStore
	QueryStore
}

// TxRunner runs fn inside a single transaction against a Store-scoped to
// that transaction. Implementations must roll back on any returned error.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
