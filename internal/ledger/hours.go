package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const secondsPerHour = 3600

// RequiredHours переводит интервал занятия в десятичные часы с точностью до
// двух знаков: 45 минут -> 0.75. Занятия нулевой длительности отсекает
// планировщик при создании, здесь длительность считается положительной.
func RequiredHours(start, end time.Time) decimal.Decimal {
	seconds := int64(end.Sub(start) / time.Second)
	return decimal.New(seconds, 0).
		Div(decimal.New(secondsPerHour, 0)).
		Round(2)
}
