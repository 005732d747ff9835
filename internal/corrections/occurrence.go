package corrections

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const maxValueLength = 500

// coversInput reports whether an existing occurrence's context covers the
// input context: every input element has a key-equal, value-equal element
// in the candidate. The relation is asymmetric; a richer incoming context
// never merges onto a poorer stored one.
func coversInput(candidate, input ContextList) bool {
	have := make(map[string]string, len(candidate))
	for _, e := range candidate {
		if _, ok := have[e.Key]; !ok {
			have[e.Key] = e.Value
		}
	}
	for _, e := range input {
		v, ok := have[e.Key]
		if !ok || v != e.Value {
			return false
		}
	}
	return true
}

// FindOrCreateOccurrence implements C3. It enumerates existing occurrences
// with a matching value in scope, and if any of them covers the input
// context (per the coverage rule), returns it unchanged. Otherwise it
// creates a new occurrence with the input context persisted verbatim. A
// race on the (scope, value, context) unique constraint is retried as a
// fresh lookup rather than failing the caller, per §5/§7.
func FindOrCreateOccurrence(ctx context.Context, s OccurrenceStore, scopeID int64, value string, ctxList ContextList) (*Occurrence, error) {
	const op = "corrections.FindOrCreateOccurrence"
	if len(value) > maxValueLength {
		return nil, newErr(op, KindInputValidation, errValueTooLong)
	}
	if err := ctxList.Validate(); err != nil {
		return nil, newErr(op, KindInputValidation, err)
	}

	existing, err := findCoveringOccurrence(ctx, s, scopeID, value, ctxList)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var created *Occurrence
	err = backoff.Retry(func() error {
		o := &Occurrence{
			ID:      uuid.New().String(),
			ScopeID: scopeID,
			Value:   value,
			Context: ctxList.Normalize(),
			Score:   1.0,
		}
		if err := s.CreateOccurrence(ctx, o); err != nil {
			if !IsKind(err, KindUniquenessConflict) {
				return backoff.Permanent(err)
			}
			// Raced: another writer inserted the same logical row first.
			// Re-read and surface it instead of retrying forever.
			refreshed, lookupErr := findCoveringOccurrence(ctx, s, scopeID, value, ctxList)
			if lookupErr != nil {
				return backoff.Permanent(lookupErr)
			}
			if refreshed == nil {
				return err // transient; retry
			}
			created = refreshed
			return nil
		}
		created = o
		return nil
	}, newConflictRetryPolicy())
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	return created, nil
}

func findCoveringOccurrence(ctx context.Context, s OccurrenceStore, scopeID int64, value string, ctxList ContextList) (*Occurrence, error) {
	existing, err := s.FindOccurrencesByValue(ctx, scopeID, value)
	if err != nil {
		return nil, newErr("corrections.FindOrCreateOccurrence", KindStorageFailure, err)
	}
	for _, o := range existing {
		if coversInput(o.Context, ctxList) {
			return o, nil
		}
	}
	return nil, nil
}
