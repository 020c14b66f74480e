package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/chatrelay/pkg/metrics"
	"github.com/pario-ai/chatrelay/pkg/models"
)

func formatAnswer(resp *models.AskResponse) string {
	var b strings.Builder
	b.WriteString(resp.Answer)
	b.WriteString("\n\n")
	pm := resp.PerformanceMetrics
	source := "provider"
	if pm.FromCache {
		source = "cache"
	}
	fmt.Fprintf(&b, "session: %s | source: %s | total: %.3fs | api: %.3fs | reuse: %.1f%%\n",
		resp.SessionID, source, pm.TotalTime, pm.APICallTime, pm.ConnectionStats.ReusePercentage)
	return b.String()
}

func formatHistory(turns []models.ChatTurn) string {
	if len(turns) == 0 {
		return "No history for this session."
	}
	var b strings.Builder
	for i, t := range turns {
		fmt.Fprintf(&b, "%3d  %-5s %s\n", i+1, t.Role, t.Content)
	}
	return b.String()
}

func formatSnapshot(s metrics.Snapshot) string {
	return fmt.Sprintf("Relay Statistics\n"+
		"  Requests:       %d\n"+
		"  Failures:       %d\n"+
		"  Cache Hit Rate: %.1f%%\n"+
		"  Avg Total:      %.3fs\n"+
		"  Avg API Call:   %.3fs\n"+
		"  Connections:    %d checkouts, %d reused (%.1f%%)\n",
		s.Requests, s.Failures, s.CacheHitRate, s.AvgTotalTime, s.AvgAPICallTime,
		s.Connections.TotalRequests, s.Connections.ConnectionReuseCount, s.Connections.ReusePercentage)
}

func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Pending:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Pending, stats.Hits, stats.Misses, hitRate)
}
