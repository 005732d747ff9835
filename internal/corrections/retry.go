package corrections

import "github.com/cenkalti/backoff/v4"

// newConflictRetryPolicy is the bounded exponential backoff shared by C3's
// findOrCreateOccurrence and C4's findOrCreateCanonicalEntity: on a unique
// constraint race, retry the insert as a fresh lookup a few times before
// giving up, per §5's race-retry-rather-than-locks policy.
func newConflictRetryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}
