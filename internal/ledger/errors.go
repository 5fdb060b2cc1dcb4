// Package ledger содержит чистую логику часового леджера: расчёт стоимости
// занятия, FIFO-распределение списаний по покупкам и типизированные ошибки.
package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Shortfall описывает нехватку часов у одного студента.
type Shortfall struct {
	StudentID int64
	Required  decimal.Decimal
	Remaining decimal.Decimal
}

// InsufficientBalanceError возвращается, когда у одного или нескольких
// студентов недостаточно действующих часов для занятия. Списания при этом
// не выполняются ни для кого из участников.
type InsufficientBalanceError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientBalanceError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("student %d: required %s, remaining %s",
			s.StudentID, s.Required.StringFixed(2), s.Remaining.StringFixed(2)))
	}
	return "insufficient balance: " + strings.Join(parts, "; ")
}

// ExpiredPackageError возвращается, когда вся ёмкость студента истекла:
// отдельный случай нехватки, чтобы вызывающая сторона предложила продление,
// а не докупку.
type ExpiredPackageError struct {
	StudentIDs []int64
}

func (e *ExpiredPackageError) Error() string {
	parts := make([]string, 0, len(e.StudentIDs))
	for _, id := range e.StudentIDs {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return "all packages expired for students: " + strings.Join(parts, ", ")
}

// WriteError оборачивает сбой атомарной записи в хранилище. Транзакция
// откатывается целиком; вызывающая сторона не должна считать бронирование
// состоявшимся.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return "ledger write failed: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
