package corrections

import "context"

// bestResolution picks the winner per §4.5 bestFor: approved wins outright;
// otherwise the pending row with the highest score, ties broken by
// most-recent updatedAt then highest id. Invalid rows are never returned.
func bestResolution(rows []*Resolution) *Resolution {
	var approved *Resolution
	var best *Resolution
	for _, r := range rows {
		switch r.Status {
		case StatusApproved:
			approved = r
		case StatusPending:
			if best == nil || isBetter(r, best) {
				best = r
			}
		}
	}
	if approved != nil {
		return approved
	}
	return best
}

func isBetter(a, b *Resolution) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

// BestFor implements C5's bestFor.
func BestFor(ctx context.Context, s ResolutionStore, occurrenceID string) (*Resolution, error) {
	rows, err := s.ResolutionsForOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, newErr("corrections.BestFor", KindStorageFailure, err)
	}
	return bestResolution(rows), nil
}

// PruneStale implements C5's pruneStale: delete rows for occurrence whose
// canonical entity is not in keepSet, except sticky (manual invalid) rows.
func PruneStale(ctx context.Context, s ResolutionStore, occurrenceID string, keepSet map[string]bool) error {
	const op = "corrections.PruneStale"
	rows, err := s.ResolutionsForOccurrence(ctx, occurrenceID)
	if err != nil {
		return newErr(op, KindStorageFailure, err)
	}
	for _, r := range rows {
		if keepSet[r.CanonicalID] {
			continue
		}
		if r.Status == StatusInvalid && r.Manual {
			continue // sticky rejection
		}
		if err := s.DeleteResolution(ctx, r.ID); err != nil {
			return newErr(op, KindStorageFailure, err)
		}
	}
	return nil
}

// SetStatus implements C5's setStatus. When transitioning to approved, any
// other approved row for the same occurrence is demoted to pending first,
// in the same call, preserving the at-most-one-approved invariant.
func SetStatus(ctx context.Context, s ResolutionStore, resolutionID int64, newStatus ResolutionStatus, manual bool) (*Resolution, error) {
	const op = "corrections.SetStatus"
	r, err := s.GetResolution(ctx, resolutionID)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	if r == nil {
		return nil, newErr(op, KindNotFound, nil)
	}

	if newStatus == StatusApproved {
		siblings, err := s.ResolutionsForOccurrence(ctx, r.OccurrenceID)
		if err != nil {
			return nil, newErr(op, KindStorageFailure, err)
		}
		for _, sib := range siblings {
			if sib.ID == r.ID || sib.Status != StatusApproved {
				continue
			}
			if _, err := s.SetResolutionStatus(ctx, sib.ID, StatusPending, true); err != nil {
				return nil, newErr(op, KindApprovedInvariantViolation, err)
			}
		}
	}

	updated, err := s.SetResolutionStatus(ctx, resolutionID, newStatus, manual)
	if err != nil {
		return nil, newErr(op, KindStorageFailure, err)
	}
	return updated, nil
}
