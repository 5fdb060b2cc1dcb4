package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/hourledger-system/internal/ledger"
	"github.com/mmeshcher/hourledger-system/internal/model"
	"github.com/mmeshcher/hourledger-system/internal/repository"
)

type stubRepo struct {
	createPurchaseID  int64
	createPurchaseErr error

	deductionResult   *model.DeductionResult
	deductionErr      error
	deductionRequired decimal.Decimal
	deductionCalled   bool

	refundResult *model.RefundResult
	refundErr    error
	refundReason string

	balanceResult *model.BalanceSummary
	balanceErr    error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreatePurchase(ctx context.Context, p model.PurchaseRecord) (int64, error) {
	return s.createPurchaseID, s.createPurchaseErr
}

func (s *stubRepo) CompletePurchase(ctx context.Context, purchaseID int64) error {
	return nil
}

func (s *stubRepo) FailPurchase(ctx context.Context, purchaseID int64) error {
	return nil
}

func (s *stubRepo) GetPurchase(ctx context.Context, purchaseID int64) (*model.PurchaseRecord, error) {
	return nil, repository.ErrPurchaseNotFound
}

func (s *stubRepo) ListValidPurchases(ctx context.Context, studentID int64, asOf time.Time) ([]model.ValidPurchase, []model.PurchaseRecord, error) {
	return nil, nil, nil
}

func (s *stubRepo) ProcessDeduction(ctx context.Context, session model.SessionUnit, required decimal.Decimal) (*model.DeductionResult, error) {
	s.deductionCalled = true
	s.deductionRequired = required
	return s.deductionResult, s.deductionErr
}

func (s *stubRepo) ProcessRefund(ctx context.Context, sessionID int64, reason string) (*model.RefundResult, error) {
	s.refundReason = reason
	return s.refundResult, s.refundErr
}

func (s *stubRepo) GetBalanceSummary(ctx context.Context, studentID int64) (*model.BalanceSummary, error) {
	return s.balanceResult, s.balanceErr
}

func (s *stubRepo) GetAllocationsBySession(ctx context.Context, sessionID int64) ([]model.ConsumptionAllocation, error) {
	return nil, nil
}

func (s *stubRepo) GetAllocationsByStudent(ctx context.Context, studentID int64) ([]model.ConsumptionAllocation, error) {
	return nil, nil
}

func (s *stubRepo) GetLowBalances(ctx context.Context, threshold decimal.Decimal, limit int) ([]repository.LowBalance, error) {
	return nil, nil
}

func (s *stubRepo) GetExpiringPackages(ctx context.Context, before time.Time, limit int) ([]model.ValidPurchase, error) {
	return nil, nil
}

func testSession(students ...int64) model.SessionUnit {
	start := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	return model.SessionUnit{
		ID:       100,
		Kind:     model.SessionKindIndividual,
		StartsAt: start,
		EndsAt:   start.Add(90 * time.Minute),
		Students: students,
	}
}

func TestProcessDeduction_TrialSkips(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	session := testSession(1)
	session.IsTrial = true

	result, err := svc.ProcessDeduction(context.Background(), session)
	if err != nil {
		t.Fatalf("ProcessDeduction error: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected trial session to be skipped")
	}
	if repo.deductionCalled {
		t.Fatalf("repository must not be touched for trial sessions")
	}
}

func TestProcessDeduction_NoStudentsSkips(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	result, err := svc.ProcessDeduction(context.Background(), testSession())
	if err != nil {
		t.Fatalf("ProcessDeduction error: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected empty session to be skipped")
	}
	if repo.deductionCalled {
		t.Fatalf("repository must not be touched for empty sessions")
	}
}

func TestProcessDeduction_ComputesRequiredHours(t *testing.T) {
	repo := &stubRepo{
		deductionResult: &model.DeductionResult{SessionID: 100},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ProcessDeduction(context.Background(), testSession(1, 2))
	if err != nil {
		t.Fatalf("ProcessDeduction error: %v", err)
	}
	if !repo.deductionCalled {
		t.Fatalf("repository deduction not called")
	}
	if repo.deductionRequired.StringFixed(2) != "1.50" {
		t.Fatalf("required = %s, want 1.50 for 90 minutes", repo.deductionRequired)
	}
}

func TestProcessDeduction_PropagatesInsufficientBalance(t *testing.T) {
	repo := &stubRepo{
		deductionErr: &ledger.InsufficientBalanceError{
			Shortfalls: []ledger.Shortfall{{
				StudentID: 2,
				Required:  decimal.New(150, -2),
				Remaining: decimal.New(50, -2),
			}},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ProcessDeduction(context.Background(), testSession(1, 2))

	var insufficient *ledger.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Shortfalls[0].StudentID != 2 {
		t.Fatalf("shortfall student = %d, want 2", insufficient.Shortfalls[0].StudentID)
	}
}

func TestProcessDeduction_PublishesEvents(t *testing.T) {
	repo := &stubRepo{
		deductionResult: &model.DeductionResult{
			SessionID: 100,
			Allocations: []model.ConsumptionAllocation{
				{SessionID: 100, StudentID: 1, PurchaseID: 10, HoursDrawn: decimal.New(150, -2)},
			},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.ProcessDeduction(context.Background(), testSession(1))
	if err != nil {
		t.Fatalf("ProcessDeduction error: %v", err)
	}

	select {
	case ev := <-svc.events:
		if ev.Type != model.EventAllocationCreated {
			t.Fatalf("event type = %s, want %s", ev.Type, model.EventAllocationCreated)
		}
		if ev.StudentID != 1 || ev.SessionID != 100 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected event to be published")
	}
}

func TestProcessRefund_PublishesEvents(t *testing.T) {
	repo := &stubRepo{
		refundResult: &model.RefundResult{
			SessionID:           100,
			AllocationsRefunded: 1,
			HoursReturned:       decimal.New(150, -2),
			Allocations: []model.ConsumptionAllocation{
				{SessionID: 100, StudentID: 1, PurchaseID: 10, HoursDrawn: decimal.New(150, -2), Refunded: true},
			},
		},
	}
	svc := NewService(repo, nil, nil)

	result, err := svc.ProcessRefund(context.Background(), 100, "Session cancelled")
	if err != nil {
		t.Fatalf("ProcessRefund error: %v", err)
	}
	if repo.refundReason != "Session cancelled" {
		t.Fatalf("reason = %q, want %q", repo.refundReason, "Session cancelled")
	}
	if result.AllocationsRefunded != 1 {
		t.Fatalf("refunded = %d, want 1", result.AllocationsRefunded)
	}

	select {
	case ev := <-svc.events:
		if ev.Type != model.EventAllocationRefunded {
			t.Fatalf("event type = %s, want %s", ev.Type, model.EventAllocationRefunded)
		}
	default:
		t.Fatalf("expected refund event to be published")
	}
}

func TestProcessRefund_IdempotentNoOp(t *testing.T) {
	repo := &stubRepo{
		refundResult: &model.RefundResult{SessionID: 100, HoursReturned: decimal.Zero},
	}
	svc := NewService(repo, nil, nil)

	result, err := svc.ProcessRefund(context.Background(), 100, "Session cancelled")
	if err != nil {
		t.Fatalf("ProcessRefund error: %v", err)
	}
	if result.AllocationsRefunded != 0 {
		t.Fatalf("refunded = %d, want 0", result.AllocationsRefunded)
	}

	select {
	case ev := <-svc.events:
		t.Fatalf("unexpected event for no-op refund: %+v", ev)
	default:
	}
}
