package domain

import "sort"

// SelectionRule is one step of the merge-selection policy. Compare returns a
// positive value when a should be preferred over b, negative when b wins, and
// zero when the rule cannot decide.
type SelectionRule struct {
	Name    string
	Compare func(a, b ExperimentRecord) int
}

// SelectionPolicy is an ordered list of selection rules applied in sequence
// until one of them breaks the tie.
type SelectionPolicy []SelectionRule

// DefaultSelectionPolicy encodes the domain ranking for duplicate run copies:
// prefer a record that already subsumes others, then more reads, then raw
// signal availability, then an operator-asserted canonical copy, then
// recency. The final run_id comparison makes the result deterministic for
// any candidate set.
func DefaultSelectionPolicy() SelectionPolicy {
	return SelectionPolicy{
		{Name: "prior_merge", Compare: func(a, b ExperimentRecord) int {
			if a.NumMerged <= 1 && b.NumMerged <= 1 {
				return 0
			}
			return a.NumMerged - b.NumMerged
		}},
		{Name: "total_reads", Compare: func(a, b ExperimentRecord) int {
			switch {
			case a.TotalReads > b.TotalReads:
				return 1
			case a.TotalReads < b.TotalReads:
				return -1
			}
			return 0
		}},
		{Name: "has_pod5", Compare: func(a, b ExperimentRecord) int {
			return boolRank(a.HasPod5) - boolRank(b.HasPod5)
		}},
		{Name: "is_canonical", Compare: func(a, b ExperimentRecord) int {
			return boolRank(a.IsCanonical) - boolRank(b.IsCanonical)
		}},
		{Name: "date_time", Compare: func(a, b ExperimentRecord) int {
			switch {
			case a.DateTime() > b.DateTime():
				return 1
			case a.DateTime() < b.DateTime():
				return -1
			}
			return 0
		}},
		{Name: "run_id", Compare: func(a, b ExperimentRecord) int {
			switch {
			case a.RunID > b.RunID:
				return 1
			case a.RunID < b.RunID:
				return -1
			}
			return 0
		}},
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SelectBest returns the single best representative among candidates that
// plausibly describe the same physical flow-cell run. Candidates must be
// non-empty; callers special-case the empty list.
func (p SelectionPolicy) SelectBest(candidates []ExperimentRecord) ExperimentRecord {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if p.prefer(c, best) {
			best = c
		}
	}
	return best
}

// Rank sorts a copy of candidates best-first under the policy.
func (p SelectionPolicy) Rank(candidates []ExperimentRecord) []ExperimentRecord {
	ranked := append([]ExperimentRecord(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return p.prefer(ranked[i], ranked[j])
	})
	return ranked
}

func (p SelectionPolicy) prefer(a, b ExperimentRecord) bool {
	for _, rule := range p {
		if c := rule.Compare(a, b); c != 0 {
			return c > 0
		}
	}
	return false
}

// SelectBest applies the default policy. Kept as a package-level convenience
// for callers that do not customize ranking.
func SelectBest(candidates []ExperimentRecord) ExperimentRecord {
	return DefaultSelectionPolicy().SelectBest(candidates)
}
