package faults

import "time"

// Stats summarizes the rolling error window. All figures are computed
// by scanning the retained records at call time; nothing is
// pre-aggregated, so the numbers always agree with the window contents.
type Stats struct {
	Total               int              `json:"total"`
	ByCategory          map[Category]int `json:"by_category"`
	BySeverity          map[Severity]int `json:"by_severity"`
	ByService           map[string]int   `json:"by_service"`
	RatePerMinute       float64          `json:"rate_per_minute"`
	MostCommonCategory  Category         `json:"most_common_category,omitempty"`
	MostAffectedService string           `json:"most_affected_service,omitempty"`
}

// Statistics aggregates the window as of now.
func (m *Manager) Statistics(now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(now)

	stats := Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		ByService:  make(map[string]int),
	}

	for _, r := range m.records {
		stats.Total++
		stats.ByCategory[r.Category]++
		stats.BySeverity[r.Severity]++
		stats.ByService[r.Service]++
	}

	if minutes := m.cfg.Window.Minutes(); minutes > 0 {
		stats.RatePerMinute = float64(stats.Total) / minutes
	}

	// Ties break lexicographically so the result is deterministic
	bestCat, bestCatCount := Category(""), 0
	for cat, n := range stats.ByCategory {
		if n > bestCatCount || (n == bestCatCount && bestCat != "" && cat < bestCat) {
			bestCat, bestCatCount = cat, n
		}
	}
	stats.MostCommonCategory = bestCat

	bestSvc, bestSvcCount := "", 0
	for svc, n := range stats.ByService {
		if n > bestSvcCount || (n == bestSvcCount && bestSvc != "" && svc < bestSvc) {
			bestSvc, bestSvcCount = svc, n
		}
	}
	stats.MostAffectedService = bestSvc

	return stats
}
