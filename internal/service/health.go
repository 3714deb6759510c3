package service

import (
	"context"
	"time"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/filestore"
	"github.com/tapgame-core/internal/replication"
)

// HealthReport is the operational view used by startup logging and the
// liveness endpoints.
type HealthReport struct {
	State              string                       `json:"state"`
	Healthy            bool                         `json:"healthy"`
	RecordCount        int                          `json:"record_count"`
	CacheSize          int                          `json:"cache_size"`
	Cache              cache.Stats                  `json:"cache"`
	Store              filestore.Stats              `json:"store"`
	LastSyncTimestamps map[domain.Variant]time.Time `json:"last_sync_timestamps"`
	ConfigCounts       map[domain.Variant]int       `json:"config_counts"`
	Replication        replication.Stats            `json:"replication"`
	Dependencies       map[string]string            `json:"dependencies,omitempty"`
	Errors             []string                     `json:"errors,omitempty"`
}

// HealthCheck collects store, cache, config and replication status.
func (s *PlayerService) HealthCheck(ctx context.Context) HealthReport {
	cacheStats := s.cache.Stats()
	report := HealthReport{
		State:              s.coordinator.State().String(),
		CacheSize:          cacheStats.Size,
		Cache:              cacheStats,
		Store:              s.store.Stats(),
		LastSyncTimestamps: s.configs.LastSyncTimes(),
		ConfigCounts:       s.configs.Counts(),
		Replication:        s.bridge.Stats(),
	}

	count, err := s.store.Count()
	if err != nil {
		report.Errors = append(report.Errors, "record store: "+err.Error())
	}
	report.RecordCount = count

	if len(s.pingers) > 0 {
		report.Dependencies = make(map[string]string, len(s.pingers))
		for _, p := range s.pingers {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				report.Dependencies[p.Name()] = "unhealthy: " + err.Error()
				continue
			}
			report.Dependencies[p.Name()] = "healthy"
		}
	}

	// Mirrors are best-effort, so their state is reported but does not make
	// the core unhealthy.
	report.Healthy = err == nil && report.State == "running"
	return report
}
