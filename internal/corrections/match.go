package corrections

// CheckContextMatch implements C1: it decides whether an observation's
// context satisfies a candidate's required context, and computes a
// context-match sub-score along the way.
//
// required is walked in order; observed is indexed by key on first use so
// that duplicate keys resolve to the first occurrence, per spec.
func CheckContextMatch(observed ContextList, required ContextList) (matches bool, contextScore float64) {
	if len(required) == 0 {
		return true, 0.0
	}

	byKey := make(map[string]ContextElement, len(observed))
	for _, e := range observed {
		if _, ok := byKey[e.Key]; !ok {
			byKey[e.Key] = e
		}
	}

	var score float64
	for _, r := range required {
		o, present := byKey[r.Key]
		if !present {
			if r.AbsenceAllowed {
				continue
			}
			return false, 0.0
		}
		if o.Value == r.Value {
			score += r.Weight
			continue
		}
		if r.Important {
			return false, 0.0
		}
		// value mismatch, not important: continue with no score added.
	}
	return true, score
}
