package corrections

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// FindOrCreateCanonicalEntity implements C4. When externalID is provided it
// is the sole identity; otherwise identity is (scope, value,
// requiredContextElements, externalId IS NULL). Races on the unique
// constraint are retried as a fresh lookup, per §4.4 step 3.
func FindOrCreateCanonicalEntity(
	ctx context.Context,
	s CanonicalStore,
	cache CacheStore,
	scopeID int64,
	value string,
	externalID *string,
	name string,
	description string,
	requiredContextElements ContextList,
	ctxList ContextList,
) (*CanonicalEntity, error) {
	const op = "corrections.FindOrCreateCanonicalEntity"
	if len(value) > maxValueLength {
		return nil, newErr(op, KindInputValidation, errValueTooLong)
	}
	if err := requiredContextElements.Validate(); err != nil {
		return nil, newErr(op, KindInputValidation, err)
	}
	if err := ctxList.Validate(); err != nil {
		return nil, newErr(op, KindInputValidation, err)
	}

	if externalID != nil {
		existing, err := s.GetCanonicalByExternalID(ctx, scopeID, *externalID)
		if err != nil {
			return nil, newErr(op, KindStorageFailure, err)
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		existing, err := lookupByValue(ctx, s, scopeID, value, requiredContextElements)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	var created *CanonicalEntity
	err := backoff.Retry(func() error {
		c := &CanonicalEntity{
			ID:                      uuid.New().String(),
			ScopeID:                 scopeID,
			Value:                   value,
			ExternalID:              externalID,
			RequiredContextElements: requiredContextElements.Normalize(),
			Context:                 ctxList.Normalize(),
			Name:                    name,
			Description:             description,
			Score:                   1.0,
		}
		if err := s.CreateCanonical(ctx, c); err != nil {
			if !IsKind(err, KindUniquenessConflict) {
				return backoff.Permanent(err)
			}
			// Raced: another writer inserted the same logical row first.
			// Re-read and surface it instead of retrying forever.
			var lookupErr error
			var refreshed *CanonicalEntity
			if externalID != nil {
				refreshed, lookupErr = s.GetCanonicalByExternalID(ctx, scopeID, *externalID)
			} else {
				refreshed, lookupErr = lookupByValue(ctx, s, scopeID, value, requiredContextElements)
			}
			if lookupErr != nil {
				return backoff.Permanent(lookupErr)
			}
			if refreshed == nil {
				return err // transient; retry
			}
			created = refreshed
			return nil
		}
		created = c
		return nil
	}, newConflictRetryPolicy())
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}

	if err := cache.InvalidateScope(ctx, scopeID); err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	return created, nil
}

func lookupByValue(ctx context.Context, s CanonicalStore, scopeID int64, value string, required ContextList) (*CanonicalEntity, error) {
	candidates, err := s.FindCanonicalByValue(ctx, scopeID, value)
	if err != nil {
		return nil, newErr("corrections.FindOrCreateCanonicalEntity", KindStorageFailure, err)
	}
	for _, c := range candidates {
		if c.ExternalID == nil && c.RequiredContextElements.Equal(required) {
			return c, nil
		}
	}
	return nil, nil
}
