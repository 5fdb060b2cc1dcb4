// Package model содержит доменные сущности часового леджера.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseKind описывает вид покупки: пакет часов или подписка.
type PurchaseKind string

const (
	PurchaseKindPackage      PurchaseKind = "package"
	PurchaseKindSubscription PurchaseKind = "subscription"
)

// PaymentStatus описывает статус оплаты покупки.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PurchaseMetadata содержит структурированные дополнительные данные покупки.
type PurchaseMetadata struct {
	PlanCode  string `json:"plan_code,omitempty"`
	PromoCode string `json:"promo_code,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// PurchaseRecord описывает одну покупку студента. После завершения оплаты
// запись неизменяема и никогда не удаляется.
type PurchaseRecord struct {
	ID            int64
	StudentID     int64
	Kind          PurchaseKind
	AmountCents   int64
	PaymentStatus PaymentStatus
	// Hours заполнено только для пакетов; подписка не участвует в
	// почасовом учёте.
	Hours     decimal.Decimal
	Metadata  *PurchaseMetadata
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsValidAt сообщает, действительна ли покупка на указанный момент:
// оплата завершена и срок действия (для пакетов) не истёк.
func (p PurchaseRecord) IsValidAt(at time.Time) bool {
	if p.PaymentStatus != PaymentStatusCompleted {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(at) {
		return false
	}
	return true
}

// StudentBalance содержит агрегированный баланс часов студента.
// Изменяется исключительно внутри транзакций леджера.
type StudentBalance struct {
	StudentID      int64
	HoursPurchased decimal.Decimal
	HoursConsumed  decimal.Decimal
	AmountCents    int64
	UpdatedAt      time.Time
}

// Remaining возвращает остаток часов: куплено минус израсходовано.
func (b StudentBalance) Remaining() decimal.Decimal {
	return b.HoursPurchased.Sub(b.HoursConsumed)
}

// ConsumptionAllocation связывает занятие с конкретной покупкой, из которой
// были списаны часы. Записи помечаются возвращёнными, но не удаляются.
type ConsumptionAllocation struct {
	ID         int64
	SessionID  int64
	StudentID  int64
	PurchaseID int64
	// HoursDrawn — часы, списанные именно с этой покупки.
	HoursDrawn decimal.Decimal
	// HoursReserved — полная стоимость занятия для студента; при списании
	// с нескольких покупок значение общее для всех частей.
	HoursReserved decimal.Decimal
	Refunded      bool
	RefundReason  string
	CreatedAt     time.Time
}

// SessionKind описывает тип занятия.
type SessionKind string

const (
	SessionKindIndividual SessionKind = "individual"
	SessionKindGroup      SessionKind = "group"
)

// SessionUnit описывает одно занятие со стороны планировщика. Леджер не
// владеет расписанием и получает эти данные при вызове хуков.
type SessionUnit struct {
	ID       int64
	Kind     SessionKind
	IsTrial  bool
	StartsAt time.Time
	EndsAt   time.Time
	Students []int64
}

// LedgerEventType описывает тип события леджера.
type LedgerEventType string

const (
	EventAllocationCreated  LedgerEventType = "allocation_created"
	EventAllocationRefunded LedgerEventType = "allocation_refunded"
)

// LedgerEvent публикуется для подписчиков (мониторинг балансов) при создании
// и возврате списаний.
type LedgerEvent struct {
	Type      LedgerEventType
	SessionID int64
	StudentID int64
	Hours     decimal.Decimal
	At        time.Time
}

// HoursToCentis переводит десятичные часы в целые сотые доли для хранения:
// часы лежат в БД как int64, по аналогии с деньгами в копейках.
func HoursToCentis(h decimal.Decimal) int64 {
	return h.Round(2).Shift(2).IntPart()
}

// CentisToHours возвращает десятичные часы из целых сотых долей.
func CentisToHours(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
