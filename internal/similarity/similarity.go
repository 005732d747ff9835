// Package similarity implements the value-vs-value similarity function
// used by the resolution engine's scoring loop (C2).
package similarity

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var jaroWinkler = newJaroWinkler()

func newJaroWinkler() *metrics.JaroWinkler {
	jw := metrics.NewJaroWinkler()
	jw.CaseSensitive = true
	jw.BoostThreshold = 0.7
	jw.PrefixSize = 4
	return jw
}

// Similarity returns sim(a, b): 1.0 on an exact byte match, otherwise the
// Jaro-Winkler similarity, clamped to [0, 1]. It is symmetric and stable
// across runs.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	s := strutil.Similarity(a, b, jaroWinkler)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
