package suggest

// Classification summarizes the pending suggestion set for the review UI.
type Classification struct {
	ByConfidence map[Confidence]int `json:"byConfidence"`
	ByAction     map[Action]int     `json:"byAction"`
}

// Pending filters a suggestion list down to pending entries, preserving
// input order.
func Pending(suggestions []Suggestion) []Suggestion {
	filtered := make([]Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Status == StatusPending {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Classify counts pending suggestions by confidence tier and action kind.
func Classify(suggestions []Suggestion) Classification {
	c := Classification{
		ByConfidence: make(map[Confidence]int),
		ByAction:     make(map[Action]int),
	}
	for _, s := range Pending(suggestions) {
		if s.Confidence != "" {
			c.ByConfidence[s.Confidence]++
		}
		c.ByAction[s.Action]++
	}
	return c
}

func CountByConfidence(suggestions []Suggestion, tier Confidence) int {
	return len(SelectByConfidence(suggestions, tier))
}

func CountByAction(suggestions []Suggestion, action Action) int {
	return len(SelectByAction(suggestions, action))
}

// SelectByConfidence returns the ordered ids of pending suggestions in the
// given tier. The status filter runs against the list the caller passes, so
// callers wanting call-time freshness re-read the store first.
func SelectByConfidence(suggestions []Suggestion, tier Confidence) []string {
	ids := make([]string, 0)
	for _, s := range Pending(suggestions) {
		if s.Confidence == tier {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// SelectByAction returns the ordered ids of pending suggestions with the
// given action kind.
func SelectByAction(suggestions []Suggestion, action Action) []string {
	ids := make([]string, 0)
	for _, s := range Pending(suggestions) {
		if s.Action == action {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// BatchEligible reports whether a selection is large enough to offer as a
// batch operation; a batch of size <= 1 degrades to the single-suggestion
// path.
func BatchEligible(count int) bool {
	return count > 1
}
