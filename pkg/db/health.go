package db

import (
	"context"
	"time"
)

// HealthStatus reports database connectivity and pool statistics. An
// embedding application can expose this from its own health endpoint.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ms"`
	AcquiredConns   int32         `json:"acquired_conns"`
	IdleConns       int32         `json:"idle_conns"`
	MaxConns        int32         `json:"max_conns"`
	TotalConns      int32         `json:"total_conns"`
	NewConnsCount   int64         `json:"new_conns_count"`
	EmptyAcquireCnt int64         `json:"empty_acquire_count"`
}

// Health pings the pool and reports current statistics.
func (p *Pool) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := p.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start),
		}, err
	}

	stats := p.Stat()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		AcquiredConns:   stats.AcquiredConns(),
		IdleConns:       stats.IdleConns(),
		MaxConns:        stats.MaxConns(),
		TotalConns:      stats.TotalConns(),
		NewConnsCount:   stats.NewConnsCount(),
		EmptyAcquireCnt: stats.EmptyAcquireCount(),
	}, nil
}
