// Package service реализует бизнес-логику часового леджера.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/hourledger-system/internal/alerts"
	"github.com/mmeshcher/hourledger-system/internal/ledger"
	"github.com/mmeshcher/hourledger-system/internal/model"
	"github.com/mmeshcher/hourledger-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreatePurchase(ctx context.Context, p model.PurchaseRecord) (int64, error)
	CompletePurchase(ctx context.Context, purchaseID int64) error
	FailPurchase(ctx context.Context, purchaseID int64) error
	GetPurchase(ctx context.Context, purchaseID int64) (*model.PurchaseRecord, error)
	ListValidPurchases(ctx context.Context, studentID int64, asOf time.Time) ([]model.ValidPurchase, []model.PurchaseRecord, error)
	ProcessDeduction(ctx context.Context, session model.SessionUnit, required decimal.Decimal) (*model.DeductionResult, error)
	ProcessRefund(ctx context.Context, sessionID int64, reason string) (*model.RefundResult, error)
	GetBalanceSummary(ctx context.Context, studentID int64) (*model.BalanceSummary, error)
	GetAllocationsBySession(ctx context.Context, sessionID int64) ([]model.ConsumptionAllocation, error)
	GetAllocationsByStudent(ctx context.Context, studentID int64) ([]model.ConsumptionAllocation, error)
	GetLowBalances(ctx context.Context, threshold decimal.Decimal, limit int) ([]repository.LowBalance, error)
	GetExpiringPackages(ctx context.Context, before time.Time, limit int) ([]model.ValidPurchase, error)
}

// Service содержит бизнес-логику часового леджера.
type Service struct {
	repo         Repository
	alertsClient *alerts.Client
	logger       *zap.Logger

	lowBalanceThreshold decimal.Decimal
	scanInterval        time.Duration
	expiryHorizon       time.Duration

	events chan model.LedgerEvent
}

// Option настраивает сервис при создании.
type Option func(*Service)

// WithLowBalanceThreshold задаёт порог остатка часов для оповещений.
func WithLowBalanceThreshold(threshold decimal.Decimal) Option {
	return func(s *Service) { s.lowBalanceThreshold = threshold }
}

// WithScanInterval задаёт период фонового сканирования балансов.
func WithScanInterval(interval time.Duration) Option {
	return func(s *Service) { s.scanInterval = interval }
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом
// сервиса уведомлений.
func NewService(repo Repository, alertsClient *alerts.Client, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:                repo,
		alertsClient:        alertsClient,
		logger:              logger,
		lowBalanceThreshold: decimal.New(2, 0),
		scanInterval:        time.Minute,
		expiryHorizon:       7 * 24 * time.Hour,
		events:              make(chan model.LedgerEvent, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ProcessDeduction — хук бронирования занятия: атомарно списывает часы со
// всех записанных студентов либо возвращает типизированную ошибку без
// частичного эффекта. Пробные занятия и занятия без студентов — явный no-op.
func (s *Service) ProcessDeduction(ctx context.Context, session model.SessionUnit) (*model.DeductionResult, error) {
	required := ledger.RequiredHours(session.StartsAt, session.EndsAt)

	if session.IsTrial || len(session.Students) == 0 {
		return &model.DeductionResult{
			SessionID:     session.ID,
			SessionKind:   session.Kind,
			RequiredHours: required,
			Skipped:       true,
		}, nil
	}

	result, err := s.repo.ProcessDeduction(ctx, session, required)
	if err != nil {
		return nil, err
	}

	for _, a := range result.Allocations {
		s.publish(model.LedgerEvent{
			Type:      model.EventAllocationCreated,
			SessionID: a.SessionID,
			StudentID: a.StudentID,
			Hours:     a.HoursDrawn,
			At:        a.CreatedAt,
		})
	}

	return result, nil
}

// ProcessRefund — хук отмены занятия: возвращает ранее списанные часы.
// Повторная отмена и отмена ничего не списавшего занятия — успешный no-op.
// Переходы занятия в completed и no_show леджер не трогают: часы остаются
// израсходованными.
func (s *Service) ProcessRefund(ctx context.Context, sessionID int64, reason string) (*model.RefundResult, error) {
	result, err := s.repo.ProcessRefund(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}

	for _, a := range result.Allocations {
		s.publish(model.LedgerEvent{
			Type:      model.EventAllocationRefunded,
			SessionID: a.SessionID,
			StudentID: a.StudentID,
			Hours:     a.HoursDrawn,
			At:        time.Now(),
		})
	}

	return result, nil
}

// publish кладёт событие в буфер для фонового цикла оповещений. Переполнение
// буфера не блокирует операции леджера: событие отбрасывается.
func (s *Service) publish(ev model.LedgerEvent) {
	select {
	case s.events <- ev:
	default:
		if s.logger != nil {
			s.logger.Warn("ledger event dropped", zap.Int64("sessionID", ev.SessionID))
		}
	}
}

// CreatePurchase создаёт покупку в статусе pending.
func (s *Service) CreatePurchase(ctx context.Context, p model.PurchaseRecord) (int64, error) {
	return s.repo.CreatePurchase(ctx, p)
}

// CompletePurchase завершает оплату покупки и пополняет баланс студента.
func (s *Service) CompletePurchase(ctx context.Context, purchaseID int64) error {
	return s.repo.CompletePurchase(ctx, purchaseID)
}

// FailPurchase помечает оплату покупки неуспешной.
func (s *Service) FailPurchase(ctx context.Context, purchaseID int64) error {
	return s.repo.FailPurchase(ctx, purchaseID)
}

// GetPurchase возвращает покупку по идентификатору.
func (s *Service) GetPurchase(ctx context.Context, purchaseID int64) (*model.PurchaseRecord, error) {
	return s.repo.GetPurchase(ctx, purchaseID)
}

// ListValidPurchases возвращает действующие пакеты студента с остатками и
// отдельно действующие подписки.
func (s *Service) ListValidPurchases(ctx context.Context, studentID int64) ([]model.ValidPurchase, []model.PurchaseRecord, error) {
	return s.repo.ListValidPurchases(ctx, studentID, time.Now())
}

// GetBalanceSummary возвращает остаток часов студента.
func (s *Service) GetBalanceSummary(ctx context.Context, studentID int64) (*model.BalanceSummary, error) {
	return s.repo.GetBalanceSummary(ctx, studentID)
}

// GetAllocationsBySession возвращает списания по занятию.
func (s *Service) GetAllocationsBySession(ctx context.Context, sessionID int64) ([]model.ConsumptionAllocation, error) {
	return s.repo.GetAllocationsBySession(ctx, sessionID)
}

// GetAllocationsByStudent возвращает историю списаний студента.
func (s *Service) GetAllocationsByStudent(ctx context.Context, studentID int64) ([]model.ConsumptionAllocation, error) {
	return s.repo.GetAllocationsByStudent(ctx, studentID)
}

// StartAlertUpdates запускает фоновую доставку событий леджера и
// периодическое сканирование низких остатков и истекающих пакетов.
func (s *Service) StartAlertUpdates(ctx context.Context) {
	if s.alertsClient == nil {
		return
	}

	go s.forwardEvents(ctx)

	go func() {
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processAlertScan(ctx)
			}
		}
	}()
}

func (s *Service) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			alertType := alerts.AlertAllocationCreated
			if ev.Type == model.EventAllocationRefunded {
				alertType = alerts.AlertAllocationRefunded
			}
			s.sendAlert(ctx, alerts.Alert{
				Type:      alertType,
				StudentID: ev.StudentID,
				SessionID: ev.SessionID,
				Hours:     ev.Hours.StringFixed(2),
			})
		}
	}
}

func (s *Service) processAlertScan(ctx context.Context) {
	low, err := s.repo.GetLowBalances(ctx, s.lowBalanceThreshold, 100)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("low balance scan failed", zap.Error(err))
		}
	}
	for _, lb := range low {
		s.sendAlert(ctx, alerts.Alert{
			Type:      alerts.AlertLowBalance,
			StudentID: lb.StudentID,
			Hours:     lb.HoursRemaining.StringFixed(2),
		})
	}

	expiring, err := s.repo.GetExpiringPackages(ctx, time.Now().Add(s.expiryHorizon), 100)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("expiring package scan failed", zap.Error(err))
		}
		return
	}
	for _, p := range expiring {
		s.sendAlert(ctx, alerts.Alert{
			Type:       alerts.AlertPackageExpiring,
			StudentID:  p.StudentID,
			PurchaseID: p.ID,
			Hours:      p.HoursRemaining.StringFixed(2),
			ExpiresAt:  p.ExpiresAt,
		})
	}
}

// sendAlert доставляет одно оповещение. Отказ доставки не влияет на леджер:
// ошибка логируется, при 429 выдерживается пауза из Retry-After.
func (s *Service) sendAlert(ctx context.Context, alert alerts.Alert) {
	code, retryAfter, err := s.alertsClient.Send(ctx, alert)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("send alert failed", zap.String("type", alert.Type), zap.Error(err))
		}
		return
	}

	if code == 429 && retryAfter > 0 {
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}
