package ledger

import (
	"context"

	"github.com/nulzo/token-ledger-api/internal/store/model"
)

// Admin reporting reads. Thin passthroughs to the store's aggregate queries;
// here so handlers depend on the service alone.

func (s *Service) Overview(ctx context.Context) (*model.OverviewStats, error) {
	return s.repo.Reports().Overview(ctx)
}

func (s *Service) DailyUsage(ctx context.Context, days int) ([]model.DailyUsageStats, error) {
	if days <= 0 {
		days = 7
	}
	return s.repo.Reports().DailyUsage(ctx, days)
}

func (s *Service) ModelUsage(ctx context.Context, days int) ([]model.ModelUsageStats, error) {
	if days <= 0 {
		days = 30
	}
	return s.repo.Reports().ModelUsage(ctx, days)
}

func (s *Service) OperationUsage(ctx context.Context, days int) ([]model.OperationUsageStats, error) {
	if days <= 0 {
		days = 30
	}
	return s.repo.Reports().OperationUsage(ctx, days)
}

func (s *Service) ListAccounts(ctx context.Context, limit, offset int, query string) ([]model.Account, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.Accounts().List(ctx, limit, offset, query)
}
