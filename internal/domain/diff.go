package domain

import "sort"

// Diff classifies external ids after comparing two feed snapshots.
// Each slice is sorted so observers see a deterministic order.
type Diff struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the snapshots hold the same id set and nothing to refresh.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DiffSnapshots compares the previously held entries with a fresh fetch.
// Ids only in next are added, ids in both are updated, ids only in prev are
// removed. Updated covers every persisting id, changed or not, so listeners
// always reflect the latest fetch.
func DiffSnapshots(prev, next map[string]FeedEntry) Diff {
	var d Diff
	for id := range next {
		if _, ok := prev[id]; ok {
			d.Updated = append(d.Updated, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Updated)
	sort.Strings(d.Removed)
	return d
}

// IndexEntries keys a fetch by external id. A later duplicate id wins, which
// matches the provider listing revisions after the original solution.
func IndexEntries(entries []FeedEntry) map[string]FeedEntry {
	out := make(map[string]FeedEntry, len(entries))
	for _, e := range entries {
		out[e.ExternalID] = e
	}
	return out
}
