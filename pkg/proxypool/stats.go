package proxypool

import "time"

// EndpointStats is a point-in-time snapshot of one endpoint.
type EndpointStats struct {
	Addr                string        `json:"addr"`
	Scheme              string        `json:"scheme"`
	Country             string        `json:"country,omitempty"`
	Healthy             bool          `json:"healthy"`
	ResponseTime        time.Duration `json:"response_time"`
	SuccessCount        int           `json:"success_count"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessRate         float64       `json:"success_rate"`
	LastChecked         time.Time     `json:"last_checked"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total           int             `json:"total"`
	Healthy         int             `json:"healthy"`
	Unhealthy       int             `json:"unhealthy"`
	AvgResponseTime time.Duration   `json:"avg_response_time"`
	Current         string          `json:"current,omitempty"`
	Endpoints       []EndpointStats `json:"endpoints"`
}

// Stats snapshots the pool state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:     len(m.endpoints),
		Endpoints: make([]EndpointStats, 0, len(m.endpoints)),
	}

	var rttSum time.Duration
	var rttCount int
	for i, ep := range m.endpoints {
		if ep.healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		if ep.responseTime > 0 {
			rttSum += ep.responseTime
			rttCount++
		}
		if i == m.current && ep.healthy {
			s.Current = ep.Addr()
		}
		s.Endpoints = append(s.Endpoints, EndpointStats{
			Addr:                ep.Addr(),
			Scheme:              ep.Scheme,
			Country:             ep.Country,
			Healthy:             ep.healthy,
			ResponseTime:        ep.responseTime,
			SuccessCount:        ep.successCount,
			FailureCount:        ep.failureCount,
			ConsecutiveFailures: ep.consecutiveFailures,
			SuccessRate:         ep.successRate(),
			LastChecked:         ep.lastChecked,
		})
	}
	if rttCount > 0 {
		s.AvgResponseTime = rttSum / time.Duration(rttCount)
	}
	return s
}
