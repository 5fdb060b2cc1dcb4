package ledger

import "github.com/shopspring/decimal"

// PackageCapacity описывает остаток одного действующего пакета студента.
// Срез остатков всегда упорядочен по возрастанию created_at покупки.
type PackageCapacity struct {
	PurchaseID int64
	Remaining  decimal.Decimal
}

// CapacitySnapshot — снимок действующей ёмкости студента на момент проверки.
type CapacitySnapshot struct {
	StudentID int64
	// Packages — действующие пакеты, старейший первым.
	Packages []PackageCapacity
	// SubscriptionID — действующая подписка (0, если её нет). Подписка даёт
	// неограниченные часы, FIFO-перебор пакетов при ней не нужен.
	SubscriptionID int64
	// HadExpired отмечает, что у студента есть истёкшие пакеты: нужно для
	// различения «нечего докупать» и «пора продлить».
	HadExpired bool
}

// Available возвращает суммарный остаток действующих пакетов.
func (s CapacitySnapshot) Available() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Packages {
		total = total.Add(p.Remaining)
	}
	return total
}

// CanCover сообщает, покрывает ли ёмкость студента требуемые часы.
func (s CapacitySnapshot) CanCover(required decimal.Decimal) bool {
	if s.SubscriptionID != 0 {
		return true
	}
	return s.Available().GreaterThanOrEqual(required)
}

// Draw описывает списание части требуемых часов с конкретной покупки.
type Draw struct {
	PurchaseID int64
	Hours      decimal.Decimal
}

// PlanDraws раскладывает требуемые часы по покупкам студента в порядке FIFO:
// сначала максимум из старейшего пакета, затем следующие. При действующей
// подписке возвращается единственное списание на полную сумму. Если ёмкости
// не хватает, возвращается ok=false и ни одного списания.
func PlanDraws(snap CapacitySnapshot, required decimal.Decimal) ([]Draw, bool) {
	if snap.SubscriptionID != 0 {
		return []Draw{{PurchaseID: snap.SubscriptionID, Hours: required}}, true
	}

	if !snap.CanCover(required) {
		return nil, false
	}

	var draws []Draw
	left := required
	for _, p := range snap.Packages {
		if !left.IsPositive() {
			break
		}
		if !p.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(left, p.Remaining)
		draws = append(draws, Draw{PurchaseID: p.PurchaseID, Hours: take})
		left = left.Sub(take)
	}
	return draws, true
}

// ClassifyShortfalls строит типизированную ошибку для набора студентов, не
// прошедших проверку. Если у всех неуспешных студентов ёмкость целиком
// истекла, возвращается ExpiredPackageError, иначе InsufficientBalanceError
// со всеми нехватками.
func ClassifyShortfalls(failed []CapacitySnapshot, required decimal.Decimal) error {
	if len(failed) == 0 {
		return nil
	}

	allExpired := true
	shortfalls := make([]Shortfall, 0, len(failed))
	expired := make([]int64, 0, len(failed))

	for _, snap := range failed {
		shortfalls = append(shortfalls, Shortfall{
			StudentID: snap.StudentID,
			Required:  required,
			Remaining: snap.Available(),
		})
		if len(snap.Packages) == 0 && snap.HadExpired {
			expired = append(expired, snap.StudentID)
		} else {
			allExpired = false
		}
	}

	if allExpired {
		return &ExpiredPackageError{StudentIDs: expired}
	}
	return &InsufficientBalanceError{Shortfalls: shortfalls}
}
