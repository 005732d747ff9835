package corrections

import (
	"context"

	"github.com/samber/lo"

	"github.com/nucleus/correlate/internal/similarity"
)

// Engine runs applyCorrection (C6) against a transactional Store.
type Engine struct {
	tx TxRunner
	// SentinelScopeEnabled gates the scopeId==0 sentinel-scope behavior
	// behind a config flag, per the open question in the design notes.
	SentinelScopeEnabled bool
}

// NewEngine constructs an Engine over the given transaction runner.
func NewEngine(tx TxRunner, sentinelScopeEnabled bool) *Engine {
	return &Engine{tx: tx, SentinelScopeEnabled: sentinelScopeEnabled}
}

// ApplyCorrection implements C6. The entire pipeline runs inside one
// transaction; any error aborts it and no partial state is visible.
func (e *Engine) ApplyCorrection(ctx context.Context, value string, ctxList ContextList, scopeID int64, hypotheses []Hypothesis) (*CanonicalEntity, error) {
	const op = "corrections.ApplyCorrection"
	var result *CanonicalEntity

	err := e.tx.WithTx(ctx, func(ctx context.Context, s Store) error {
		scope, err := e.resolveScope(ctx, s, scopeID)
		if err != nil {
			return err
		}

		occ, err := FindOrCreateOccurrence(ctx, s, scope.ID, value, ctxList)
		if err != nil {
			return err
		}

		hypothesisEntities := make([]*CanonicalEntity, 0, len(hypotheses))
		for _, h := range hypotheses {
			c, err := FindOrCreateCanonicalEntity(ctx, s, s, scope.ID, h.Value, h.ExternalID, h.Name, h.Description, h.RequiredContextElements, h.Context)
			if err != nil {
				return err
			}
			hypothesisEntities = append(hypothesisEntities, c)
		}

		// Approved fast path: no writes, no cache refresh.
		existingResolutions, err := s.ResolutionsForOccurrence(ctx, occ.ID)
		if err != nil {
			return newErr(op, KindStorageFailure, err)
		}
		for _, r := range existingResolutions {
			if r.Status == StatusApproved {
				c, err := s.GetCanonical(ctx, r.CanonicalID)
				if err != nil {
					return newErr(op, KindStorageFailure, err)
				}
				result = c
				return nil
			}
		}

		vetoed := make(map[string]bool, len(existingResolutions))
		for _, r := range existingResolutions {
			if r.Status == StatusInvalid {
				vetoed[r.CanonicalID] = true
			}
		}

		// Cache fast path, skipped when the cached entity has been vetoed.
		if IsCacheValid(occ, scope) && !vetoed[*occ.ResolvedTo] {
			c, err := s.GetCanonical(ctx, *occ.ResolvedTo)
			if err != nil {
				return newErr(op, KindStorageFailure, err)
			}
			if c != nil {
				result = c
				return nil
			}
		}

		allCanonical, err := s.ListCanonicalInScope(ctx, scope.ID)
		if err != nil {
			return newErr(op, KindStorageFailure, err)
		}
		candidates := dedupeCandidates(allCanonical, hypothesisEntities)

		keepSet := make(map[string]bool, len(candidates))
		wroteAny := false
		for _, c := range candidates {
			matches, contextScore := CheckContextMatch(occ.Context, c.RequiredContextElements)
			if !matches {
				continue
			}
			if vetoed[c.ID] {
				continue
			}
			score := 10*similarity.Similarity(occ.Value, c.Value) + contextScore
			if _, err := s.UpsertPendingResolution(ctx, occ.ID, c.ID, scope.ID, score); err != nil {
				return newErr(op, KindStorageFailure, err)
			}
			keepSet[c.ID] = true
			wroteAny = true
		}

		if wroteAny {
			if err := PruneStale(ctx, s, occ.ID, keepSet); err != nil {
				return err
			}
		}

		best, err := BestFor(ctx, s, occ.ID)
		if err != nil {
			return err
		}
		if best != nil {
			c, err := s.GetCanonical(ctx, best.CanonicalID)
			if err != nil {
				return newErr(op, KindStorageFailure, err)
			}
			if err := s.RefreshOccurrenceCache(ctx, occ.ID, &c.ID); err != nil {
				return newErr(op, KindStorageFailure, err)
			}
			result = c
			return nil
		}

		// Synthesis.
		importantContext := importantElements(occ.Context)
		for _, r := range existingResolutions {
			if r.Status != StatusInvalid {
				continue
			}
			c, err := s.GetCanonical(ctx, r.CanonicalID)
			if err != nil {
				return newErr(op, KindStorageFailure, err)
			}
			if c != nil && c.Value == occ.Value && c.RequiredContextElements.Equal(importantContext) {
				result = nil // standing veto; synthesis skipped
				return nil
			}
		}

		synthesized, err := FindOrCreateCanonicalEntity(ctx, s, s, scope.ID, occ.Value, nil, "", "", importantContext, occ.Context)
		if err != nil {
			return err
		}
		_, score := CheckContextMatch(occ.Context, importantContext)
		if _, err := s.UpsertPendingResolution(ctx, occ.ID, synthesized.ID, scope.ID, 10+score); err != nil {
			return newErr(op, KindStorageFailure, err)
		}
		if err := s.RefreshOccurrenceCache(ctx, occ.ID, &synthesized.ID); err != nil {
			return newErr(op, KindStorageFailure, err)
		}
		result = synthesized
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FindOrCreateCanonicalEntity is the second core callable surface named in
// the external interfaces: a standalone entry point for materializing a
// canonical entity outside the applyCorrection pipeline.
func (e *Engine) FindOrCreateCanonicalEntity(ctx context.Context, value string, scopeID int64, externalID *string, name, description string, requiredContextElements, ctxList ContextList) (*CanonicalEntity, error) {
	var result *CanonicalEntity
	err := e.tx.WithTx(ctx, func(ctx context.Context, s Store) error {
		scope, err := e.resolveScope(ctx, s, scopeID)
		if err != nil {
			return err
		}
		c, err := FindOrCreateCanonicalEntity(ctx, s, s, scope.ID, value, externalID, name, description, requiredContextElements, ctxList)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) resolveScope(ctx context.Context, s ScopeStore, scopeID int64) (*Scope, error) {
	const op = "corrections.ApplyCorrection"
	if scopeID == 0 {
		if !e.SentinelScopeEnabled {
			return nil, newErr(op, KindInputValidation, errUnknownScope)
		}
		return s.GetOrCreateSentinelScope(ctx)
	}
	scope, err := s.GetScope(ctx, scopeID)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	if scope == nil {
		return nil, newErr(op, KindInputValidation, errUnknownScope)
	}
	return scope, nil
}

func importantElements(ctxList ContextList) ContextList {
	return lo.Filter(ctxList, func(e ContextElement, _ int) bool { return e.Important })
}

// dedupeCandidates merges scope canonical entities and hypothesis entities
// into one list, deduplicated by id while preserving first-seen order.
func dedupeCandidates(scopeEntities, hypothesisEntities []*CanonicalEntity) []*CanonicalEntity {
	combined := append(append([]*CanonicalEntity{}, scopeEntities...), hypothesisEntities...)
	return lo.UniqBy(combined, func(c *CanonicalEntity) string { return c.ID })
}
