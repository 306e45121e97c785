package cohort

import (
	"context"
	"sort"
	"strings"
)

// Clusterer groups free-text improvement notes into a ranked list of short
// phrases, most common first.
type Clusterer interface {
	Cluster(ctx context.Context, phrases []string, limit int) ([]string, error)
}

// FrequencyClusterer ranks notes by how often they occur after case and
// punctuation folding. The first spelling seen is the one reported.
type FrequencyClusterer struct{}

func (FrequencyClusterer) Cluster(_ context.Context, phrases []string, limit int) ([]string, error) {
	type entry struct {
		text  string
		count int
		first int
	}
	seen := make(map[string]*entry)
	for i, p := range phrases {
		key := normalizePhrase(p)
		if key == "" {
			continue
		}
		e, ok := seen[key]
		if !ok {
			e = &entry{text: strings.TrimSpace(p), first: i}
			seen[key] = e
		}
		e.count++
	}
	entries := make([]*entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].first < entries[j].first
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out, nil
}

func normalizePhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!;:, ")
	return strings.Join(strings.Fields(s), " ")
}
