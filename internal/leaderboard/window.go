package leaderboard

// windowTracker collects one since/until candidate pair per qualifying repository.
type windowTracker struct {
	since []int64
	until []int64
}

// observe records the earliest and latest selected week across all contributors of one repository.
func (w *windowTracker) observe(spec TierSpec, contributors []Contributor) {
	seen := false
	var earliest, latest int64
	for _, contributor := range contributors {
		for _, week := range spec.Select(contributor.Weeks) {
			if !seen {
				earliest, latest = week.Start, week.Start
				seen = true
				continue
			}
			earliest = min(earliest, week.Start)
			latest = max(latest, week.Start)
		}
	}
	if !seen {
		return
	}
	w.since = append(w.since, earliest)
	w.until = append(w.until, latest)
}

// bounds returns the observed window in epoch milliseconds, or nils when nothing qualified.
func (w *windowTracker) bounds() (*int64, *int64) {
	if len(w.since) == 0 || len(w.until) == 0 {
		return nil, nil
	}
	since := w.since[0]
	for _, candidate := range w.since[1:] {
		since = min(since, candidate)
	}
	until := w.until[0]
	for _, candidate := range w.until[1:] {
		until = max(until, candidate)
	}
	sinceMillis := since * 1000
	untilMillis := until * 1000
	return &sinceMillis, &untilMillis
}
