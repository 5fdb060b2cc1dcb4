// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/hourledger-system/internal/ledger"
	"github.com/mmeshcher/hourledger-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPurchaseNotFound возвращается, если покупка с указанным идентификатором не найдена.
var (
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrPurchaseNotPending возвращается при попытке сменить статус оплаты
	// уже завершённой или неуспешной покупки.
	ErrPurchaseNotPending = errors.New("purchase is not pending")
	// ErrInvalidPurchase возвращается при нарушении инвариантов покупки:
	// пакет без часов либо подписка со сроком действия.
	ErrInvalidPurchase = errors.New("invalid purchase")
)

// querier объединяет пул и транзакцию для запросов, которым всё равно,
// где исполняться.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository предоставляет доступ к хранилищу леджера в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Сериализационные конфликты и дедлоки имеет смысл повторить:
		// конкурирующие списание и возврат по одному студенту
		// сериализуются блокировкой строки баланса.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePurchase создаёт запись о покупке в статусе pending. Срок действия
// пакета фиксируется здесь и далее не меняется.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p model.PurchaseRecord) (int64, error) {
	switch p.Kind {
	case model.PurchaseKindPackage:
		if !p.Hours.IsPositive() {
			return 0, fmt.Errorf("%w: package requires positive hours", ErrInvalidPurchase)
		}
	case model.PurchaseKindSubscription:
		if !p.Hours.IsZero() || p.ExpiresAt != nil {
			return 0, fmt.Errorf("%w: subscription carries no hours or expiry", ErrInvalidPurchase)
		}
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPurchase, p.Kind)
	}

	var hoursCentis *int64
	if p.Kind == model.PurchaseKindPackage {
		v := model.HoursToCentis(p.Hours)
		hoursCentis = &v
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO purchase_records (student_id, kind, amount_cents, payment_status, hours_centis, metadata, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.StudentID, string(p.Kind), p.AmountCents, string(model.PaymentStatusPending),
		hoursCentis, p.Metadata, p.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert purchase: %w", err)
	}
	return id, nil
}

// CompletePurchase переводит покупку из pending в completed и в той же
// транзакции пополняет баланс студента. Баланс создаётся при первой покупке.
func (r *PostgresRepository) CompletePurchase(ctx context.Context, purchaseID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			studentID   int64
			status      string
			hoursCentis *int64
			amountCents int64
		)
		err = tx.QueryRow(ctx,
			`SELECT student_id, payment_status, hours_centis, amount_cents
			 FROM purchase_records
			 WHERE id = $1
			 FOR UPDATE`,
			purchaseID,
		).Scan(&studentID, &status, &hoursCentis, &amountCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPurchaseNotFound
			}
			return fmt.Errorf("select purchase: %w", err)
		}

		if status != string(model.PaymentStatusPending) {
			return fmt.Errorf("%w: status %s", ErrPurchaseNotPending, status)
		}

		_, err = tx.Exec(ctx,
			`UPDATE purchase_records SET payment_status = $2 WHERE id = $1`,
			purchaseID, string(model.PaymentStatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("update purchase status: %w", err)
		}

		var purchased int64
		if hoursCentis != nil {
			purchased = *hoursCentis
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO student_balances (student_id, hours_purchased_centis, amount_cents, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (student_id) DO UPDATE SET
			     hours_purchased_centis = student_balances.hours_purchased_centis + EXCLUDED.hours_purchased_centis,
			     amount_cents = student_balances.amount_cents + EXCLUDED.amount_cents,
			     updated_at = now()`,
			studentID, purchased, amountCents,
		)
		if err != nil {
			return fmt.Errorf("upsert balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// FailPurchase переводит покупку из pending в failed без эффекта на баланс.
func (r *PostgresRepository) FailPurchase(ctx context.Context, purchaseID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE purchase_records SET payment_status = $2
		 WHERE id = $1 AND payment_status = $3`,
		purchaseID, string(model.PaymentStatusFailed), string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM purchase_records WHERE id = $1)`, purchaseID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check purchase: %w", err)
		}
		if !exists {
			return ErrPurchaseNotFound
		}
		return ErrPurchaseNotPending
	}
	return nil
}

// GetPurchase возвращает покупку по идентификатору.
func (r *PostgresRepository) GetPurchase(ctx context.Context, purchaseID int64) (*model.PurchaseRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, student_id, kind, amount_cents, payment_status, hours_centis, metadata, created_at, expires_at
		 FROM purchase_records
		 WHERE id = $1`,
		purchaseID,
	)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

func scanPurchase(row pgx.Row) (*model.PurchaseRecord, error) {
	var (
		p           model.PurchaseRecord
		kind        string
		status      string
		hoursCentis *int64
	)
	err := row.Scan(&p.ID, &p.StudentID, &kind, &p.AmountCents, &status,
		&hoursCentis, &p.Metadata, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	p.Kind = model.PurchaseKind(kind)
	p.PaymentStatus = model.PaymentStatus(status)
	if hoursCentis != nil {
		p.Hours = model.CentisToHours(*hoursCentis)
	}
	return &p, nil
}

// ListValidPurchases возвращает действующие пакеты студента с остатками,
// старейший первым, и отдельно действующие подписки. Пустой результат —
// нормальный ответ «ёмкости нет».
func (r *PostgresRepository) ListValidPurchases(ctx context.Context, studentID int64, asOf time.Time) ([]model.ValidPurchase, []model.PurchaseRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.student_id, p.kind, p.amount_cents, p.payment_status,
		        p.hours_centis, p.metadata, p.created_at, p.expires_at,
		        COALESCE(a.drawn, 0)
		 FROM purchase_records p
		 LEFT JOIN (
		     SELECT purchase_id, SUM(hours_drawn_centis) AS drawn
		     FROM consumption_allocations
		     WHERE student_id = $1 AND NOT refunded
		     GROUP BY purchase_id
		 ) a ON a.purchase_id = p.id
		 WHERE p.student_id = $1
		   AND p.payment_status = 'completed'
		 ORDER BY p.created_at, p.id`,
		studentID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select valid purchases: %w", err)
	}
	defer rows.Close()

	var (
		packages      []model.ValidPurchase
		subscriptions []model.PurchaseRecord
	)
	for rows.Next() {
		var (
			p           model.PurchaseRecord
			kind        string
			status      string
			hoursCentis *int64
			drawnCentis int64
		)
		if err := rows.Scan(&p.ID, &p.StudentID, &kind, &p.AmountCents, &status,
			&hoursCentis, &p.Metadata, &p.CreatedAt, &p.ExpiresAt, &drawnCentis); err != nil {
			return nil, nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Kind = model.PurchaseKind(kind)
		p.PaymentStatus = model.PaymentStatus(status)

		if !p.IsValidAt(asOf) {
			continue
		}

		if p.Kind == model.PurchaseKindSubscription {
			subscriptions = append(subscriptions, p)
			continue
		}

		if hoursCentis != nil {
			p.Hours = model.CentisToHours(*hoursCentis)
		}
		remaining := int64(0)
		if hoursCentis != nil {
			remaining = *hoursCentis - drawnCentis
		}
		packages = append(packages, model.ValidPurchase{
			PurchaseRecord: p,
			HoursRemaining: model.CentisToHours(remaining),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return packages, subscriptions, nil
}

// capacitySnapshot собирает снимок действующей ёмкости студента. Внутри
// транзакции списания снимок читается после блокировки строки баланса,
// поэтому конкурирующие операции его не меняют.
func capacitySnapshot(ctx context.Context, q querier, studentID int64, asOf time.Time) (ledger.CapacitySnapshot, error) {
	snap := ledger.CapacitySnapshot{StudentID: studentID}

	rows, err := q.Query(ctx,
		`SELECT p.id, p.kind, p.hours_centis, COALESCE(a.drawn, 0)
		 FROM purchase_records p
		 LEFT JOIN (
		     SELECT purchase_id, SUM(hours_drawn_centis) AS drawn
		     FROM consumption_allocations
		     WHERE student_id = $1 AND NOT refunded
		     GROUP BY purchase_id
		 ) a ON a.purchase_id = p.id
		 WHERE p.student_id = $1
		   AND p.payment_status = 'completed'
		   AND (p.expires_at IS NULL OR p.expires_at > $2)
		 ORDER BY p.created_at, p.id`,
		studentID, asOf,
	)
	if err != nil {
		return snap, fmt.Errorf("select capacity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id          int64
			kind        string
			hoursCentis *int64
			drawnCentis int64
		)
		if err := rows.Scan(&id, &kind, &hoursCentis, &drawnCentis); err != nil {
			return snap, fmt.Errorf("scan capacity: %w", err)
		}

		if model.PurchaseKind(kind) == model.PurchaseKindSubscription {
			if snap.SubscriptionID == 0 {
				snap.SubscriptionID = id
			}
			continue
		}

		remaining := int64(0)
		if hoursCentis != nil {
			remaining = *hoursCentis - drawnCentis
		}
		snap.Packages = append(snap.Packages, ledger.PackageCapacity{
			PurchaseID: id,
			Remaining:  model.CentisToHours(remaining),
		})
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("rows error: %w", err)
	}

	err = q.QueryRow(ctx,
		`SELECT EXISTS(
		     SELECT 1 FROM purchase_records
		     WHERE student_id = $1
		       AND kind = 'package'
		       AND payment_status = 'completed'
		       AND expires_at IS NOT NULL
		       AND expires_at <= $2
		 )`,
		studentID, asOf,
	).Scan(&snap.HadExpired)
	if err != nil {
		return snap, fmt.Errorf("check expired: %w", err)
	}

	return snap, nil
}

// ProcessDeduction атомарно списывает часы за занятие со всех записанных
// студентов. Проверка достаточности выполняется для всех студентов до первой
// записи; при любой нехватке транзакция откатывается целиком.
func (r *PostgresRepository) ProcessDeduction(ctx context.Context, session model.SessionUnit, required decimal.Decimal) (*model.DeductionResult, error) {
	students := uniqueSorted(session.Students)
	requiredCentis := model.HoursToCentis(required)

	var result *model.DeductionResult

	err := r.withRetry(ctx, func() error {
		// Каждая попытка начинает результат заново: между попытками
		// конкурирующий возврат мог поменять картину по занятию.
		result = &model.DeductionResult{
			SessionID:     session.ID,
			SessionKind:   session.Kind,
			RequiredHours: required,
		}

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Повторный вызов хука бронирования по тому же занятию не должен
		// списывать второй раз.
		var alreadyProcessed bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(
			     SELECT 1 FROM consumption_allocations
			     WHERE session_id = $1 AND NOT refunded
			 )`,
			session.ID,
		).Scan(&alreadyProcessed)
		if err != nil {
			return fmt.Errorf("check existing allocations: %w", err)
		}
		if alreadyProcessed {
			result.AlreadyProcessed = true
			return tx.Commit(ctx)
		}

		// Блокируем строки балансов в возрастающем порядке студентов,
		// чтобы конкурирующие занятия с пересекающимся составом не
		// взаимоблокировались.
		for _, studentID := range students {
			_, err = tx.Exec(ctx,
				`INSERT INTO student_balances (student_id) VALUES ($1)
				 ON CONFLICT (student_id) DO NOTHING`,
				studentID,
			)
			if err != nil {
				return fmt.Errorf("ensure balance row: %w", err)
			}

			var dummy int
			err = tx.QueryRow(ctx,
				`SELECT 1 FROM student_balances WHERE student_id = $1 FOR UPDATE`,
				studentID,
			).Scan(&dummy)
			if err != nil {
				return fmt.Errorf("lock balance row: %w", err)
			}
		}

		now := time.Now()

		// Сначала проверяем всех, ничего не записывая.
		snaps := make(map[int64]ledger.CapacitySnapshot, len(students))
		var failed []ledger.CapacitySnapshot
		for _, studentID := range students {
			snap, err := capacitySnapshot(ctx, tx, studentID, now)
			if err != nil {
				return err
			}
			if !snap.CanCover(required) {
				failed = append(failed, snap)
				continue
			}
			snaps[studentID] = snap
		}
		if err := ledger.ClassifyShortfalls(failed, required); err != nil {
			return err
		}

		// Все студенты прошли проверку: раскладываем списания по FIFO и
		// инкрементируем израсходованные часы.
		for _, studentID := range students {
			draws, ok := ledger.PlanDraws(snaps[studentID], required)
			if !ok {
				// Снимок не изменился с момента проверки: ёмкость обязана покрывать.
				return fmt.Errorf("plan draws after validation: student %d", studentID)
			}

			for _, d := range draws {
				var alloc model.ConsumptionAllocation
				err = tx.QueryRow(ctx,
					`INSERT INTO consumption_allocations
					     (session_id, student_id, purchase_id, hours_drawn_centis, hours_reserved_centis)
					 VALUES ($1, $2, $3, $4, $5)
					 RETURNING id, created_at`,
					session.ID, studentID, d.PurchaseID, model.HoursToCentis(d.Hours), requiredCentis,
				).Scan(&alloc.ID, &alloc.CreatedAt)
				if err != nil {
					return fmt.Errorf("insert allocation: %w", err)
				}

				alloc.SessionID = session.ID
				alloc.StudentID = studentID
				alloc.PurchaseID = d.PurchaseID
				alloc.HoursDrawn = d.Hours
				alloc.HoursReserved = required
				result.Allocations = append(result.Allocations, alloc)
			}

			_, err = tx.Exec(ctx,
				`UPDATE student_balances
				 SET hours_consumed_centis = hours_consumed_centis + $2,
				     updated_at = now()
				 WHERE student_id = $1`,
				studentID, requiredCentis,
			)
			if err != nil {
				return fmt.Errorf("increase consumed: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		var expired *ledger.ExpiredPackageError
		if errors.As(err, &insufficient) || errors.As(err, &expired) {
			return nil, err
		}
		return nil, &ledger.WriteError{Err: err}
	}

	return result, nil
}

// ProcessRefund возвращает часы за отменённое занятие: по каждому живому
// списанию уменьшает израсходованные часы студента и помечает списание
// возвращённым. Повторный возврат — no-op.
func (r *PostgresRepository) ProcessRefund(ctx context.Context, sessionID int64, reason string) (*model.RefundResult, error) {
	result := &model.RefundResult{SessionID: sessionID, HoursReturned: decimal.Zero}

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Сначала собираем студентов, чтобы взять блокировки балансов в
		// том же возрастающем порядке, что и при списании.
		rows, err := tx.Query(ctx,
			`SELECT DISTINCT student_id FROM consumption_allocations
			 WHERE session_id = $1 AND NOT refunded
			 ORDER BY student_id`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("select refund students: %w", err)
		}
		var students []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan student: %w", err)
			}
			students = append(students, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		if len(students) == 0 {
			// Нечего возвращать: занятие не списывалось или уже возвращено.
			return tx.Commit(ctx)
		}

		for _, studentID := range students {
			var dummy int
			err = tx.QueryRow(ctx,
				`SELECT 1 FROM student_balances WHERE student_id = $1 FOR UPDATE`,
				studentID,
			).Scan(&dummy)
			if err != nil {
				return fmt.Errorf("lock balance row: %w", err)
			}
		}

		rows, err = tx.Query(ctx,
			`SELECT id, student_id, purchase_id, hours_drawn_centis, hours_reserved_centis, created_at
			 FROM consumption_allocations
			 WHERE session_id = $1 AND NOT refunded
			 ORDER BY created_at, id`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("select allocations: %w", err)
		}
		var (
			allocs          []model.ConsumptionAllocation
			centisByStudent = make(map[int64]int64, len(students))
			totalCentis     int64
		)
		for rows.Next() {
			var (
				a              model.ConsumptionAllocation
				drawnCentis    int64
				reservedCentis int64
			)
			if err := rows.Scan(&a.ID, &a.StudentID, &a.PurchaseID, &drawnCentis, &reservedCentis, &a.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan allocation: %w", err)
			}
			a.SessionID = sessionID
			a.HoursDrawn = model.CentisToHours(drawnCentis)
			a.HoursReserved = model.CentisToHours(reservedCentis)
			a.Refunded = true
			a.RefundReason = reason
			allocs = append(allocs, a)
			centisByStudent[a.StudentID] += drawnCentis
			totalCentis += drawnCentis
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		for _, studentID := range students {
			_, err = tx.Exec(ctx,
				`UPDATE student_balances
				 SET hours_consumed_centis = GREATEST(hours_consumed_centis - $2, 0),
				     updated_at = now()
				 WHERE student_id = $1`,
				studentID, centisByStudent[studentID],
			)
			if err != nil {
				return fmt.Errorf("decrease consumed: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE consumption_allocations
			 SET refunded = TRUE, refund_reason = $2
			 WHERE session_id = $1 AND NOT refunded`,
			sessionID, reason,
		)
		if err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result.Allocations = allocs
		result.AllocationsRefunded = len(allocs)
		result.HoursReturned = model.CentisToHours(totalCentis)
		return nil
	})
	if err != nil {
		return nil, &ledger.WriteError{Err: err}
	}

	return result, nil
}

// GetBalanceSummary возвращает агрегированный баланс студента и действующую
// ёмкость на текущий момент. Для студента без покупок возвращаются нули.
func (r *PostgresRepository) GetBalanceSummary(ctx context.Context, studentID int64) (*model.BalanceSummary, error) {
	var purchasedCentis, consumedCentis int64
	balance := model.StudentBalance{StudentID: studentID}
	err := r.pool.QueryRow(ctx,
		`SELECT hours_purchased_centis, hours_consumed_centis, amount_cents, updated_at
		 FROM student_balances
		 WHERE student_id = $1`,
		studentID,
	).Scan(&purchasedCentis, &consumedCentis, &balance.AmountCents, &balance.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select balance: %w", err)
	}
	balance.HoursPurchased = model.CentisToHours(purchasedCentis)
	balance.HoursConsumed = model.CentisToHours(consumedCentis)

	snap, err := capacitySnapshot(ctx, r.pool, studentID, time.Now())
	if err != nil {
		return nil, err
	}

	return &model.BalanceSummary{
		StudentID:      studentID,
		HoursPurchased: balance.HoursPurchased,
		HoursConsumed:  balance.HoursConsumed,
		HoursRemaining: balance.Remaining(),
		HoursAvailable: snap.Available(),
		Unlimited:      snap.SubscriptionID != 0,
	}, nil
}

// GetAllocationsBySession возвращает все списания по занятию, включая возвращённые.
func (r *PostgresRepository) GetAllocationsBySession(ctx context.Context, sessionID int64) ([]model.ConsumptionAllocation, error) {
	return r.selectAllocations(ctx,
		`SELECT id, session_id, student_id, purchase_id, hours_drawn_centis,
		        hours_reserved_centis, refunded, COALESCE(refund_reason, ''), created_at
		 FROM consumption_allocations
		 WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID,
	)
}

// GetAllocationsByStudent возвращает историю списаний студента, новые первыми.
func (r *PostgresRepository) GetAllocationsByStudent(ctx context.Context, studentID int64) ([]model.ConsumptionAllocation, error) {
	return r.selectAllocations(ctx,
		`SELECT id, session_id, student_id, purchase_id, hours_drawn_centis,
		        hours_reserved_centis, refunded, COALESCE(refund_reason, ''), created_at
		 FROM consumption_allocations
		 WHERE student_id = $1
		 ORDER BY created_at DESC, id DESC`,
		studentID,
	)
}

func (r *PostgresRepository) selectAllocations(ctx context.Context, query string, arg any) ([]model.ConsumptionAllocation, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var res []model.ConsumptionAllocation
	for rows.Next() {
		var (
			a              model.ConsumptionAllocation
			drawnCentis    int64
			reservedCentis int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.PurchaseID,
			&drawnCentis, &reservedCentis, &a.Refunded, &a.RefundReason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.HoursDrawn = model.CentisToHours(drawnCentis)
		a.HoursReserved = model.CentisToHours(reservedCentis)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// LowBalance описывает студента с остатком ниже порога для оповещений.
type LowBalance struct {
	StudentID      int64
	HoursRemaining decimal.Decimal
}

// GetLowBalances возвращает студентов, у которых остаток часов не превышает
// порог. Используется фоновым циклом оповещений.
func (r *PostgresRepository) GetLowBalances(ctx context.Context, threshold decimal.Decimal, limit int) ([]LowBalance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, hours_purchased_centis - hours_consumed_centis
		 FROM student_balances
		 WHERE hours_purchased_centis - hours_consumed_centis <= $1
		 ORDER BY student_id
		 LIMIT $2`,
		model.HoursToCentis(threshold), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select low balances: %w", err)
	}
	defer rows.Close()

	var res []LowBalance
	for rows.Next() {
		var (
			studentID       int64
			remainingCentis int64
		)
		if err := rows.Scan(&studentID, &remainingCentis); err != nil {
			return nil, fmt.Errorf("scan low balance: %w", err)
		}
		res = append(res, LowBalance{
			StudentID:      studentID,
			HoursRemaining: model.CentisToHours(remainingCentis),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetExpiringPackages возвращает действующие пакеты с остатком, срок которых
// истекает до указанного момента.
func (r *PostgresRepository) GetExpiringPackages(ctx context.Context, before time.Time, limit int) ([]model.ValidPurchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.student_id, p.hours_centis, COALESCE(a.drawn, 0), p.created_at, p.expires_at
		 FROM purchase_records p
		 LEFT JOIN (
		     SELECT purchase_id, SUM(hours_drawn_centis) AS drawn
		     FROM consumption_allocations
		     WHERE NOT refunded
		     GROUP BY purchase_id
		 ) a ON a.purchase_id = p.id
		 WHERE p.kind = 'package'
		   AND p.payment_status = 'completed'
		   AND p.expires_at IS NOT NULL
		   AND p.expires_at > now()
		   AND p.expires_at <= $1
		   AND p.hours_centis - COALESCE(a.drawn, 0) > 0
		 ORDER BY p.expires_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expiring packages: %w", err)
	}
	defer rows.Close()

	var res []model.ValidPurchase
	for rows.Next() {
		var (
			p           model.PurchaseRecord
			hoursCentis int64
			drawnCentis int64
		)
		if err := rows.Scan(&p.ID, &p.StudentID, &hoursCentis, &drawnCentis, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan expiring package: %w", err)
		}
		p.Kind = model.PurchaseKindPackage
		p.PaymentStatus = model.PaymentStatusCompleted
		p.Hours = model.CentisToHours(hoursCentis)
		res = append(res, model.ValidPurchase{
			PurchaseRecord: p,
			HoursRemaining: model.CentisToHours(hoursCentis - drawnCentis),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	slices.Sort(res)
	return res
}
