package model

import "github.com/shopspring/decimal"

// DeductionResult описывает итог списания часов за занятие.
type DeductionResult struct {
	SessionID     int64
	SessionKind   SessionKind
	RequiredHours decimal.Decimal
	// Skipped выставляется для пробных занятий и занятий без студентов:
	// операция завершена успешно без эффекта в леджере.
	Skipped bool
	// AlreadyProcessed выставляется, если по занятию уже есть живые
	// списания: повторный вызов хука бронирования не списывает повторно.
	AlreadyProcessed bool
	Allocations      []ConsumptionAllocation
}

// RefundResult описывает итог возврата часов за отменённое занятие.
type RefundResult struct {
	SessionID           int64
	AllocationsRefunded int
	HoursReturned       decimal.Decimal
	Allocations         []ConsumptionAllocation
}

// BalanceSummary — ответ на запрос остатка часов студента.
type BalanceSummary struct {
	StudentID      int64
	HoursPurchased decimal.Decimal
	HoursConsumed  decimal.Decimal
	// HoursRemaining — куплено минус израсходовано, без учёта сроков.
	HoursRemaining decimal.Decimal
	// HoursAvailable — действующая ёмкость на текущий момент: именно её
	// проверяет списание. Истёкший пакет входит в Remaining, но не сюда.
	HoursAvailable decimal.Decimal
	// Unlimited выставляется при действующей подписке.
	Unlimited bool
}

// ValidPurchase — действующая покупка с остатком часов для отчётов.
type ValidPurchase struct {
	PurchaseRecord
	HoursRemaining decimal.Decimal
}
