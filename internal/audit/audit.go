// Package audit records the append-only automation decision trail. Writes
// are best-effort: a failed audit write is logged and never blocks or aborts
// an otherwise-correct pipeline outcome.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"procurement-automation/internal/models"
)

// Repository persists decision records.
type Repository interface {
	AppendDecision(ctx context.Context, d models.AutomationDecision) error
	RecentDecisions(ctx context.Context, tenantID string, limit int) ([]models.AutomationDecision, error)
}

// Service stamps and writes decisions through a Repository.
type Service struct {
	repo   Repository
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Record writes one decision, filling in ID and timestamp. Failures are
// logged at Warn and swallowed.
func (s *Service) Record(ctx context.Context, d models.AutomationDecision) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	if err := s.repo.AppendDecision(ctx, d); err != nil {
		s.logger.Warnf("audit: append decision failed for tenant %s: %v", d.TenantID, err)
	}
}

// Recent lists the latest decisions for a tenant, newest first.
func (s *Service) Recent(ctx context.Context, tenantID string, limit int) ([]models.AutomationDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.RecentDecisions(ctx, tenantID, limit)
}

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu        sync.Mutex
	decisions []models.AutomationDecision
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (r *MemoryRepo) AppendDecision(_ context.Context, d models.AutomationDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *MemoryRepo) RecentDecisions(_ context.Context, tenantID string, limit int) ([]models.AutomationDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AutomationDecision
	for i := len(r.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if tenantID == "" || r.decisions[i].TenantID == tenantID {
			out = append(out, r.decisions[i])
		}
	}
	return out, nil
}

// All returns every recorded decision in append order.
func (r *MemoryRepo) All() []models.AutomationDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AutomationDecision(nil), r.decisions...)
}
