package fragment

import "sort"

// OrphanedLink flags an edge with missing endpoints.
type OrphanedLink struct {
	Link          Link `json:"link"`
	MissingSource bool `json:"missingSource"`
	MissingTarget bool `json:"missingTarget"`
}

// Integrity reports the health of the link table. Duplicates are groups
// of link ids sharing (source, target, type); the API cannot create
// them, but a hand-edited links file can.
type Integrity struct {
	Orphaned   []OrphanedLink `json:"orphaned,omitempty"`
	Duplicates [][]string     `json:"duplicates,omitempty"`
	IsHealthy  bool           `json:"isHealthy"`
}

// IntegrityReport classifies orphans by which endpoint is missing and
// groups duplicate edges. exists answers whether a fragment id resolves.
func (ls *LinkStore) IntegrityReport(exists func(string) bool) Integrity {
	ls.mu.RLock()
	links := make([]Link, 0, len(ls.links))
	for _, l := range ls.links {
		links = append(links, l.Clone())
	}
	ls.mu.RUnlock()

	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })

	var report Integrity
	groups := make(map[string][]string)
	for _, l := range links {
		missingSource := !exists(l.SourceID)
		missingTarget := !exists(l.TargetID)
		if missingSource || missingTarget {
			report.Orphaned = append(report.Orphaned, OrphanedLink{
				Link:          l,
				MissingSource: missingSource,
				MissingTarget: missingTarget,
			})
		}
		key := l.SourceID + "\x00" + l.TargetID + "\x00" + string(l.Type)
		groups[key] = append(groups[key], l.ID)
	}

	for _, ids := range groups {
		if len(ids) > 1 {
			report.Duplicates = append(report.Duplicates, ids)
		}
	}
	sort.Slice(report.Duplicates, func(i, j int) bool {
		return report.Duplicates[i][0] < report.Duplicates[j][0]
	})

	report.IsHealthy = len(report.Orphaned) == 0 && len(report.Duplicates) == 0
	return report
}
