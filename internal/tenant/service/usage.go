package service

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/tenant/domain"
	"github.com/crestdata/crest/pkg/telemetry"
	"go.uber.org/zap"
)

// Resource names a metered consumable.
type Resource string

const (
	ResourcePipelines  Resource = "pipelines"
	ResourceConnectors Resource = "connectors"
	ResourceJobs       Resource = "jobs"
	ResourceAPICalls   Resource = "api_calls"
)

// Consume increments a usage counter, enforcing the company's limit.
func (m *Manager) Consume(companyID snowflake.ID, r Resource) (*domain.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	switch c.Status {
	case domain.CompanyPending:
		return nil, domain.ErrCompanyPending
	case domain.CompanySuspended:
		return nil, domain.ErrCompanySuspended
	case domain.CompanyDeleted:
		return nil, domain.ErrCompanyDeleted
	}

	limits := m.effectiveLimits(c)
	updated := *c
	switch r {
	case ResourcePipelines:
		if updated.Usage.Pipelines >= limits.MaxPipelines {
			telemetry.QuotaRejections.Inc()
			return nil, fmt.Errorf("%w: pipeline limit %d reached", domain.ErrQuotaExceeded, limits.MaxPipelines)
		}
		updated.Usage.Pipelines++
	case ResourceConnectors:
		if updated.Usage.Connectors >= limits.MaxConnectors {
			telemetry.QuotaRejections.Inc()
			return nil, fmt.Errorf("%w: connector limit %d reached", domain.ErrQuotaExceeded, limits.MaxConnectors)
		}
		updated.Usage.Connectors++
	case ResourceJobs:
		if updated.Usage.JobsToday >= limits.MaxJobsPerDay {
			telemetry.QuotaRejections.Inc()
			return nil, fmt.Errorf("%w: daily job limit %d reached", domain.ErrQuotaExceeded, limits.MaxJobsPerDay)
		}
		updated.Usage.JobsToday++
	case ResourceAPICalls:
		if updated.Usage.APICallsToday >= limits.MaxAPICallsPerDay {
			telemetry.QuotaRejections.Inc()
			return nil, fmt.Errorf("%w: daily API call limit %d reached", domain.ErrQuotaExceeded, limits.MaxAPICallsPerDay)
		}
		updated.Usage.APICallsToday++
	default:
		return nil, fmt.Errorf("unknown resource %q", r)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}
	usage := updated.Usage
	return &usage, nil
}

// Release decrements a persistent usage counter after a resource is
// deleted. Daily counters are not released; they reset at midnight.
func (m *Manager) Release(companyID snowflake.ID, r Resource) (*domain.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}

	updated := *c
	switch r {
	case ResourcePipelines:
		if updated.Usage.Pipelines > 0 {
			updated.Usage.Pipelines--
		}
	case ResourceConnectors:
		if updated.Usage.Connectors > 0 {
			updated.Usage.Connectors--
		}
	default:
		return nil, fmt.Errorf("resource %q is not releasable", r)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}
	usage := updated.Usage
	return &usage, nil
}

// SetStorageUsage records measured storage consumption. Storage is
// metered externally; this only stores the reading.
func (m *Manager) SetStorageUsage(companyID snowflake.ID, gb float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return domain.ErrCompanyNotFound
	}
	updated := *c
	updated.Usage.StorageGB = gb
	updated.UpdatedAt = time.Now().UTC()
	return m.persistCompany(&updated)
}

// ResetDailyUsage zeroes every company's daily counters. The scheduler
// runs it at midnight UTC.
func (m *Manager) ResetDailyUsage() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset := 0
	now := time.Now().UTC()
	snapshot := make([]domain.Company, 0, len(m.companies))
	changed := make(map[snowflake.ID]domain.Company, len(m.companies))
	for id, c := range m.companies {
		view := *c
		if view.Usage.JobsToday != 0 || view.Usage.APICallsToday != 0 {
			view.Usage.JobsToday = 0
			view.Usage.APICallsToday = 0
			view.UpdatedAt = now
			changed[id] = view
			reset++
		}
		snapshot = append(snapshot, view)
	}
	if reset == 0 {
		return 0, nil
	}

	if err := m.companiesRepo.Save(snapshot); err != nil {
		return 0, fmt.Errorf("persist companies: %w", err)
	}
	for id, view := range changed {
		v := view
		m.companies[id] = &v
	}
	m.log.Info("daily usage counters reset", zap.Int("companies", reset))
	return reset, nil
}

// ExpireTrials downgrades companies whose trial window has lapsed to
// the free tier. The scheduler runs it alongside the daily reset.
func (m *Manager) ExpireTrials() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	expired := 0
	for id, c := range m.companies {
		if c.Tier != domain.TierTrial || c.TrialExpiresAt == nil || now.Before(*c.TrialExpiresAt) {
			continue
		}
		updated := *c
		updated.Tier = domain.TierFree
		updated.TrialExpiresAt = nil
		if updated.Status == domain.CompanyTrial {
			updated.Status = domain.CompanyActive
		}
		updated.UpdatedAt = now
		if err := m.persistCompany(&updated); err != nil {
			return expired, err
		}
		expired++

		m.trail.Record(audit.Entry{
			Action:       audit.ActionTierChanged,
			ResourceType: "company",
			ResourceID:   id.String(),
			Details:      map[string]any{"from": string(domain.TierTrial), "to": string(domain.TierFree), "reason": "trial expired"},
			Success:      true,
		})
	}
	if expired > 0 {
		m.log.Info("expired trials downgraded", zap.Int("companies", expired))
	}
	return expired, nil
}
