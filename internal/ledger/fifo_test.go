package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPlanDraws_OldestPackageFirst(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID: 1,
		Packages: []PackageCapacity{
			{PurchaseID: 10, Remaining: dec("5.00")},
			{PurchaseID: 11, Remaining: dec("10.00")},
		},
	}

	draws, ok := PlanDraws(snap, dec("1.50"))
	if !ok {
		t.Fatalf("expected plan to succeed")
	}
	if len(draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(draws))
	}
	if draws[0].PurchaseID != 10 {
		t.Fatalf("drawn from purchase %d, want oldest (10)", draws[0].PurchaseID)
	}
	if !draws[0].Hours.Equal(dec("1.50")) {
		t.Fatalf("hours drawn = %s, want 1.50", draws[0].Hours)
	}
}

func TestPlanDraws_SplitsAcrossPackages(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID: 1,
		Packages: []PackageCapacity{
			{PurchaseID: 10, Remaining: dec("0.50")},
			{PurchaseID: 11, Remaining: dec("2.00")},
			{PurchaseID: 12, Remaining: dec("3.00")},
		},
	}

	draws, ok := PlanDraws(snap, dec("2.00"))
	if !ok {
		t.Fatalf("expected plan to succeed")
	}
	if len(draws) != 2 {
		t.Fatalf("draws = %d, want 2", len(draws))
	}
	if draws[0].PurchaseID != 10 || !draws[0].Hours.Equal(dec("0.50")) {
		t.Fatalf("first draw = %+v, want 0.50 from purchase 10", draws[0])
	}
	if draws[1].PurchaseID != 11 || !draws[1].Hours.Equal(dec("1.50")) {
		t.Fatalf("second draw = %+v, want 1.50 from purchase 11", draws[1])
	}
}

func TestPlanDraws_SkipsDrainedPackages(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID: 1,
		Packages: []PackageCapacity{
			{PurchaseID: 10, Remaining: dec("0.00")},
			{PurchaseID: 11, Remaining: dec("1.00")},
		},
	}

	draws, ok := PlanDraws(snap, dec("1.00"))
	if !ok {
		t.Fatalf("expected plan to succeed")
	}
	if len(draws) != 1 || draws[0].PurchaseID != 11 {
		t.Fatalf("draws = %+v, want single draw from purchase 11", draws)
	}
}

func TestPlanDraws_SubscriptionShortCircuits(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID:      1,
		SubscriptionID: 42,
	}

	draws, ok := PlanDraws(snap, dec("3.25"))
	if !ok {
		t.Fatalf("subscription must always cover")
	}
	if len(draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(draws))
	}
	if draws[0].PurchaseID != 42 || !draws[0].Hours.Equal(dec("3.25")) {
		t.Fatalf("draw = %+v, want full amount from subscription 42", draws[0])
	}
}

func TestPlanDraws_Insufficient(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID: 1,
		Packages: []PackageCapacity{
			{PurchaseID: 10, Remaining: dec("0.50")},
		},
	}

	draws, ok := PlanDraws(snap, dec("1.00"))
	if ok {
		t.Fatalf("expected plan to fail")
	}
	if draws != nil {
		t.Fatalf("draws = %+v, want none on failure", draws)
	}
}

func TestPlanDraws_ExactCapacity(t *testing.T) {
	snap := CapacitySnapshot{
		StudentID: 1,
		Packages: []PackageCapacity{
			{PurchaseID: 10, Remaining: dec("1.00")},
			{PurchaseID: 11, Remaining: dec("0.50")},
		},
	}

	draws, ok := PlanDraws(snap, dec("1.50"))
	if !ok {
		t.Fatalf("exact capacity must be sufficient")
	}
	total := decimal.Zero
	for _, d := range draws {
		total = total.Add(d.Hours)
	}
	if !total.Equal(dec("1.50")) {
		t.Fatalf("total drawn = %s, want 1.50", total)
	}
}

func TestClassifyShortfalls_Insufficient(t *testing.T) {
	failed := []CapacitySnapshot{
		{
			StudentID: 1,
			Packages:  []PackageCapacity{{PurchaseID: 10, Remaining: dec("0.50")}},
		},
	}

	err := ClassifyShortfalls(failed, dec("1.00"))

	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if len(insufficient.Shortfalls) != 1 {
		t.Fatalf("shortfalls = %d, want 1", len(insufficient.Shortfalls))
	}
	s := insufficient.Shortfalls[0]
	if s.StudentID != 1 || !s.Required.Equal(dec("1.00")) || !s.Remaining.Equal(dec("0.50")) {
		t.Fatalf("unexpected shortfall: %+v", s)
	}
}

func TestClassifyShortfalls_AllExpired(t *testing.T) {
	failed := []CapacitySnapshot{
		{StudentID: 1, HadExpired: true},
		{StudentID: 2, HadExpired: true},
	}

	err := ClassifyShortfalls(failed, dec("1.00"))

	var expired *ExpiredPackageError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ExpiredPackageError, got %v", err)
	}
	if len(expired.StudentIDs) != 2 {
		t.Fatalf("students = %v, want both", expired.StudentIDs)
	}
}

func TestClassifyShortfalls_MixedReportsInsufficiency(t *testing.T) {
	failed := []CapacitySnapshot{
		{StudentID: 1, HadExpired: true},
		{
			StudentID: 2,
			Packages:  []PackageCapacity{{PurchaseID: 10, Remaining: dec("0.25")}},
		},
	}

	err := ClassifyShortfalls(failed, dec("1.00"))

	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError for mixed case, got %v", err)
	}
	if len(insufficient.Shortfalls) != 2 {
		t.Fatalf("shortfalls = %d, want both students listed", len(insufficient.Shortfalls))
	}
}

func TestClassifyShortfalls_NoFailures(t *testing.T) {
	if err := ClassifyShortfalls(nil, dec("1.00")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
