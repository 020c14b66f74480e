package models

import "time"

// PoolStats aggregates connection pool reuse accounting.
type PoolStats struct {
	TotalRequests   int64         `json:"total_requests"`
	ReuseCount      int64         `json:"reuse_count"`
	AvgResponseTime time.Duration `json:"avg_response_time_ns"`
	Idle            int           `json:"idle"`
	InUse           int           `json:"in_use"`
	Created         int64         `json:"created"`
	Discarded       int64         `json:"discarded"`
}

// ReusePercentage returns ReuseCount / TotalRequests * 100, or 0 before any checkout.
func (s PoolStats) ReusePercentage() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ReuseCount) / float64(s.TotalRequests) * 100
}

// ConnectionStats is the serialised pool view attached to each response.
type ConnectionStats struct {
	AvgResponseTime      float64 `json:"avg_response_time"`
	ConnectionReuseCount int64   `json:"connection_reuse_count"`
	ReusePercentage      float64 `json:"reuse_percentage"`
	TotalRequests        int64   `json:"total_requests"`
}

// NewConnectionStats converts pool stats into the response shape (times in seconds).
func NewConnectionStats(s PoolStats) ConnectionStats {
	return ConnectionStats{
		AvgResponseTime:      s.AvgResponseTime.Seconds(),
		ConnectionReuseCount: s.ReuseCount,
		ReusePercentage:      s.ReusePercentage(),
		TotalRequests:        s.TotalRequests,
	}
}

// PerformanceMetrics is the per-request timing snapshot. Times are in seconds.
type PerformanceMetrics struct {
	APICallTime      float64         `json:"api_call_time"`
	TotalTime        float64         `json:"total_time"`
	FromCache        bool            `json:"from_cache"`
	ConnectionReused bool            `json:"connection_reused"`
	ConnectionStats  ConnectionStats `json:"connection_stats"`
}
