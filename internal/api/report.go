package api

import (
	"sort"
	"time"

	"mobilize/integrity-api/internal/domain"
)

// topLinksLimit caps the number of links listed in a report.
const topLinksLimit = 10

// buildIntegrityReport aggregates events and the open-flag queue into the
// operations summary.
func buildIntegrityReport(now time.Time, window time.Duration, events []domain.ClickEvent, flagged []domain.FlaggedUser) domain.IntegrityReport {
	report := domain.IntegrityReport{
		GeneratedAt:     now,
		Period:          "last " + window.String(),
		TotalEvents:     len(events),
		OpenFlagsByRule: make(map[domain.RuleID]int),
		TopLinks:        []domain.LinkActivity{},
	}

	ips := make(map[string]bool)
	byLink := make(map[string]*domain.LinkActivity)

	for _, ev := range events {
		if ev.Duplicate {
			report.DuplicateEvents++
		}
		if ev.IP != "" {
			ips[ev.IP] = true
		}

		la, seen := byLink[ev.LinkID]
		if !seen {
			la = &domain.LinkActivity{LinkID: ev.LinkID}
			byLink[ev.LinkID] = la
		}
		la.Events++
		if ev.Duplicate {
			la.Duplicates++
		}
	}
	report.DistinctIPs = len(ips)

	for _, u := range flagged {
		for _, f := range u.OpenFlags {
			report.OpenFlagsByRule[f.Rule]++
		}
	}

	for _, la := range byLink {
		report.TopLinks = append(report.TopLinks, *la)
	}
	// Most active first; link id breaks ties so output is stable.
	sort.Slice(report.TopLinks, func(i, j int) bool {
		a, b := report.TopLinks[i], report.TopLinks[j]
		if a.Events != b.Events {
			return a.Events > b.Events
		}
		return a.LinkID < b.LinkID
	})
	if len(report.TopLinks) > topLinksLimit {
		report.TopLinks = report.TopLinks[:topLinksLimit]
	}

	return report
}
