// internal/usage/stats.go

// Package usage aggregates catalogue entries into store-wide statistics.
package usage

import (
	"sort"

	"agcx/internal/index"
)

// ModelStats aggregates the sessions recorded against one model.
type ModelStats struct {
	Model    string `json:"model"`
	Sessions int    `json:"sessions"`
	Messages uint64 `json:"messages"`
	Turns    uint64 `json:"turns"`
	Bytes    uint64 `json:"bytes"`
}

// DayStats aggregates the sessions last touched on one day.
type DayStats struct {
	Date     string `json:"date"`
	Sessions int    `json:"sessions"`
	Bytes    uint64 `json:"bytes"`
}

// Stats summarizes the whole session store.
type Stats struct {
	Sessions  int          `json:"sessions"`
	Favorites int          `json:"favorites"`
	Messages  uint64       `json:"messages"`
	Turns     uint64       `json:"turns"`
	Bytes     uint64       `json:"bytes"`
	ByModel   []ModelStats `json:"by_model,omitempty"`
	ByDay     []DayStats   `json:"by_day,omitempty"`
}

// Collect aggregates catalogue entries. Sessions with no recorded model
// count toward the totals but get no per-model row.
func Collect(entries []index.Entry) *Stats {
	stats := &Stats{Sessions: len(entries)}
	byModel := make(map[string]*ModelStats)
	byDay := make(map[string]*DayStats)

	for _, e := range entries {
		if e.Favorite {
			stats.Favorites++
		}
		stats.Messages += uint64(e.MessageCount)
		stats.Turns += uint64(e.TurnCount)
		stats.Bytes += e.SizeBytes

		if e.Model != "" {
			ms, ok := byModel[e.Model]
			if !ok {
				ms = &ModelStats{Model: e.Model}
				byModel[e.Model] = ms
			}
			ms.Sessions++
			ms.Messages += uint64(e.MessageCount)
			ms.Turns += uint64(e.TurnCount)
			ms.Bytes += e.SizeBytes
		}

		if !e.LastAccessed.IsZero() {
			date := e.LastAccessed.Format("2006-01-02")
			ds, ok := byDay[date]
			if !ok {
				ds = &DayStats{Date: date}
				byDay[date] = ds
			}
			ds.Sessions++
			ds.Bytes += e.SizeBytes
		}
	}

	for _, ms := range byModel {
		stats.ByModel = append(stats.ByModel, *ms)
	}
	sort.Slice(stats.ByModel, func(i, j int) bool {
		if stats.ByModel[i].Bytes != stats.ByModel[j].Bytes {
			return stats.ByModel[i].Bytes > stats.ByModel[j].Bytes
		}
		return stats.ByModel[i].Model < stats.ByModel[j].Model
	})

	for _, ds := range byDay {
		stats.ByDay = append(stats.ByDay, *ds)
	}
	sort.Slice(stats.ByDay, func(i, j int) bool {
		return stats.ByDay[i].Date > stats.ByDay[j].Date
	})

	return stats
}
