package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ManagerStats summarises an approver's queue and recent activity.
type ManagerStats struct {
	PendingApprovals   int             `json:"pending_approvals"`
	ApprovedThisMonth  int             `json:"approved_this_month"`
	RejectedThisMonth  int             `json:"rejected_this_month"`
	TotalPendingAmount decimal.Decimal `json:"total_pending_amount"`
}

// GetManagerStats counts the entries awaiting managerID and the decisions
// they made since the start of now's month (UTC).
func (s *ApprovalWorkflowService) GetManagerStats(ctx context.Context, managerID string, now time.Time) (*ManagerStats, error) {
	pending, err := s.store.ListPendingForUser(ctx, managerID)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	counts, err := s.store.CountDecisionsSince(ctx, managerID, monthStart)
	if err != nil {
		return nil, err
	}

	stats := &ManagerStats{
		PendingApprovals:   len(pending),
		ApprovedThisMonth:  counts.Approved,
		RejectedThisMonth:  counts.Rejected,
		TotalPendingAmount: decimal.Zero,
	}
	for _, p := range pending {
		stats.TotalPendingAmount = stats.TotalPendingAmount.Add(p.Expense.AmountInCompanyCurrency)
	}
	return stats, nil
}
