// Package handler содержит HTTP-обработчики внутреннего API часового леджера.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/hourledger-system/internal/ledger"
	"github.com/mmeshcher/hourledger-system/internal/middleware"
	"github.com/mmeshcher/hourledger-system/internal/model"
	"github.com/mmeshcher/hourledger-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ProcessDeduction(ctx context.Context, session model.SessionUnit) (*model.DeductionResult, error)
	ProcessRefund(ctx context.Context, sessionID int64, reason string) (*model.RefundResult, error)
	CreatePurchase(ctx context.Context, p model.PurchaseRecord) (int64, error)
	CompletePurchase(ctx context.Context, purchaseID int64) error
	FailPurchase(ctx context.Context, purchaseID int64) error
	GetPurchase(ctx context.Context, purchaseID int64) (*model.PurchaseRecord, error)
	ListValidPurchases(ctx context.Context, studentID int64) ([]model.ValidPurchase, []model.PurchaseRecord, error)
	GetBalanceSummary(ctx context.Context, studentID int64) (*model.BalanceSummary, error)
	GetAllocationsBySession(ctx context.Context, sessionID int64) ([]model.ConsumptionAllocation, error)
	GetAllocationsByStudent(ctx context.Context, studentID int64) ([]model.ConsumptionAllocation, error)
}

// Handler реализует HTTP-обработчики внутреннего API часового леджера.
type Handler struct {
	service     Service
	logger      *zap.Logger
	serviceAuth *middleware.ServiceAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.ServiceAuth) *Handler {
	return &Handler{
		service:     s,
		logger:      logger,
		serviceAuth: auth,
	}
}

type deductRequest struct {
	SessionID int64     `json:"session_id"`
	Kind      string    `json:"kind"`
	IsTrial   bool      `json:"is_trial"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Students  []int64   `json:"students"`
}

type allocationResponse struct {
	ID            int64  `json:"id"`
	SessionID     int64  `json:"session_id"`
	StudentID     int64  `json:"student_id"`
	PurchaseID    int64  `json:"purchase_id"`
	HoursDrawn    string `json:"hours_drawn"`
	HoursReserved string `json:"hours_reserved"`
	Refunded      bool   `json:"refunded"`
	RefundReason  string `json:"refund_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type deductionResponse struct {
	SessionID        int64                `json:"session_id"`
	Kind             string               `json:"kind"`
	RequiredHours    string               `json:"required_hours"`
	Skipped          bool                 `json:"skipped,omitempty"`
	AlreadyProcessed bool                 `json:"already_processed,omitempty"`
	Allocations      []allocationResponse `json:"allocations"`
}

type shortfallResponse struct {
	StudentID int64  `json:"student_id"`
	Required  string `json:"required"`
	Remaining string `json:"remaining"`
}

type deductionErrorResponse struct {
	Error      string              `json:"error"`
	Shortfalls []shortfallResponse `json:"shortfalls,omitempty"`
	Students   []int64             `json:"students,omitempty"`
}

// Deduct — хук бронирования занятия: списывает часы со всех записанных
// студентов либо отвечает 402 с детализацией нехватки.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SessionID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.SessionKind(req.Kind)
	if kind == "" {
		kind = model.SessionKindIndividual
	}
	if kind != model.SessionKindIndividual && kind != model.SessionKindGroup {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	// Занятия нулевой длительности отсекает планировщик; сюда такие
	// приходить не должны, но границу всё равно держим закрытой.
	if !req.EndsAt.After(req.StartsAt) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	session := model.SessionUnit{
		ID:       req.SessionID,
		Kind:     kind,
		IsTrial:  req.IsTrial,
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
		Students: req.Students,
	}

	result, err := h.service.ProcessDeduction(r.Context(), session)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			resp := deductionErrorResponse{Error: "insufficient_balance"}
			for _, s := range insufficient.Shortfalls {
				resp.Shortfalls = append(resp.Shortfalls, shortfallResponse{
					StudentID: s.StudentID,
					Required:  s.Required.StringFixed(2),
					Remaining: s.Remaining.StringFixed(2),
				})
			}
			writeJSON(w, http.StatusPaymentRequired, resp)
			return
		}

		var expired *ledger.ExpiredPackageError
		if errors.As(err, &expired) {
			writeJSON(w, http.StatusPaymentRequired, deductionErrorResponse{
				Error:    "expired_packages",
				Students: expired.StudentIDs,
			})
			return
		}

		h.logger.Error("deduction error", zap.Error(err), zap.Int64("sessionID", req.SessionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toDeductionResponse(result))
}

func toDeductionResponse(result *model.DeductionResult) deductionResponse {
	resp := deductionResponse{
		SessionID:        result.SessionID,
		Kind:             string(result.SessionKind),
		RequiredHours:    result.RequiredHours.StringFixed(2),
		Skipped:          result.Skipped,
		AlreadyProcessed: result.AlreadyProcessed,
		Allocations:      make([]allocationResponse, 0, len(result.Allocations)),
	}
	for _, a := range result.Allocations {
		resp.Allocations = append(resp.Allocations, toAllocationResponse(a))
	}
	return resp
}

func toAllocationResponse(a model.ConsumptionAllocation) allocationResponse {
	return allocationResponse{
		ID:            a.ID,
		SessionID:     a.SessionID,
		StudentID:     a.StudentID,
		PurchaseID:    a.PurchaseID,
		HoursDrawn:    a.HoursDrawn.StringFixed(2),
		HoursReserved: a.HoursReserved.StringFixed(2),
		Refunded:      a.Refunded,
		RefundReason:  a.RefundReason,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	SessionID           int64  `json:"session_id"`
	AllocationsRefunded int    `json:"allocations_refunded"`
	HoursReturned       string `json:"hours_returned"`
}

// Refund — хук отмены занятия. Для уже возвращённого или не списанного
// занятия отвечает успехом: с точки зрения пользователя отмена всегда
// проходит.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "Session cancelled"
	}

	result, err := h.service.ProcessRefund(r.Context(), sessionID, req.Reason)
	if err != nil {
		h.logger.Error("refund error", zap.Error(err), zap.Int64("sessionID", sessionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, refundResponse{
		SessionID:           result.SessionID,
		AllocationsRefunded: result.AllocationsRefunded,
		HoursReturned:       result.HoursReturned.StringFixed(2),
	})
}

type createPurchaseRequest struct {
	StudentID   int64                   `json:"student_id"`
	Kind        string                  `json:"kind"`
	AmountCents int64                   `json:"amount_cents"`
	Hours       string                  `json:"hours,omitempty"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
	Metadata    *model.PurchaseMetadata `json:"metadata,omitempty"`
}

type purchaseResponse struct {
	ID            int64                   `json:"id"`
	StudentID     int64                   `json:"student_id"`
	Kind          string                  `json:"kind"`
	AmountCents   int64                   `json:"amount_cents"`
	PaymentStatus string                  `json:"payment_status"`
	Hours         string                  `json:"hours,omitempty"`
	Metadata      *model.PurchaseMetadata `json:"metadata,omitempty"`
	CreatedAt     string                  `json:"created_at"`
	ExpiresAt     *string                 `json:"expires_at,omitempty"`
}

// CreatePurchase регистрирует покупку в статусе pending до подтверждения
// оплаты платёжным сервисом.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.StudentID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	hours := decimal.Zero
	if req.Hours != "" {
		var err error
		hours, err = decimal.NewFromString(req.Hours)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	p := model.PurchaseRecord{
		StudentID:   req.StudentID,
		Kind:        model.PurchaseKind(req.Kind),
		AmountCents: req.AmountCents,
		Hours:       hours,
		Metadata:    req.Metadata,
		ExpiresAt:   req.ExpiresAt,
	}

	id, err := h.service.CreatePurchase(r.Context(), p)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidPurchase) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create purchase error", zap.Error(err), zap.Int64("studentID", req.StudentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// CompletePurchase подтверждает оплату покупки и пополняет баланс студента.
func (h *Handler) CompletePurchase(w http.ResponseWriter, r *http.Request) {
	h.transitionPurchase(w, r, h.service.CompletePurchase)
}

// FailPurchase помечает оплату покупки неуспешной.
func (h *Handler) FailPurchase(w http.ResponseWriter, r *http.Request) {
	h.transitionPurchase(w, r, h.service.FailPurchase)
}

func (h *Handler) transitionPurchase(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	purchaseID, ok := pathID(w, r, "purchaseID")
	if !ok {
		return
	}

	if err := fn(r.Context(), purchaseID); err != nil {
		switch {
		case errors.Is(err, repository.ErrPurchaseNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrPurchaseNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("purchase transition error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetPurchase возвращает покупку по идентификатору.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID, ok := pathID(w, r, "purchaseID")
	if !ok {
		return
	}

	p, err := h.service.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get purchase error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toPurchaseResponse(*p))
}

func toPurchaseResponse(p model.PurchaseRecord) purchaseResponse {
	resp := purchaseResponse{
		ID:            p.ID,
		StudentID:     p.StudentID,
		Kind:          string(p.Kind),
		AmountCents:   p.AmountCents,
		PaymentStatus: string(p.PaymentStatus),
		Metadata:      p.Metadata,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
	if p.Kind == model.PurchaseKindPackage {
		resp.Hours = p.Hours.StringFixed(2)
	}
	if p.ExpiresAt != nil {
		v := p.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	return resp
}

type validPurchaseResponse struct {
	purchaseResponse
	HoursRemaining string `json:"hours_remaining"`
}

type studentPurchasesResponse struct {
	Packages      []validPurchaseResponse `json:"packages"`
	Subscriptions []purchaseResponse      `json:"subscriptions"`
}

// GetStudentPurchases возвращает действующие покупки студента: пакеты с
// остатками, старейший первым, и подписки.
func (h *Handler) GetStudentPurchases(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}

	packages, subscriptions, err := h.service.ListValidPurchases(r.Context(), studentID)
	if err != nil {
		h.logger.Error("list purchases error", zap.Error(err), zap.Int64("studentID", studentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := studentPurchasesResponse{
		Packages:      make([]validPurchaseResponse, 0, len(packages)),
		Subscriptions: make([]purchaseResponse, 0, len(subscriptions)),
	}
	for _, p := range packages {
		resp.Packages = append(resp.Packages, validPurchaseResponse{
			purchaseResponse: toPurchaseResponse(p.PurchaseRecord),
			HoursRemaining:   p.HoursRemaining.StringFixed(2),
		})
	}
	for _, p := range subscriptions {
		resp.Subscriptions = append(resp.Subscriptions, toPurchaseResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	StudentID      int64  `json:"student_id"`
	HoursPurchased string `json:"hours_purchased"`
	HoursConsumed  string `json:"hours_consumed"`
	HoursRemaining string `json:"hours_remaining"`
	HoursAvailable string `json:"hours_available"`
	Unlimited      bool   `json:"unlimited,omitempty"`
}

// GetBalance возвращает остаток часов студента для мониторинга.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}

	balance, err := h.service.GetBalanceSummary(r.Context(), studentID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("studentID", studentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		StudentID:      balance.StudentID,
		HoursPurchased: balance.HoursPurchased.StringFixed(2),
		HoursConsumed:  balance.HoursConsumed.StringFixed(2),
		HoursRemaining: balance.HoursRemaining.StringFixed(2),
		HoursAvailable: balance.HoursAvailable.StringFixed(2),
		Unlimited:      balance.Unlimited,
	})
}

// GetSessionAllocations возвращает списания по занятию, включая возвращённые.
func (h *Handler) GetSessionAllocations(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}

	allocations, err := h.service.GetAllocationsBySession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("session allocations error", zap.Error(err), zap.Int64("sessionID", sessionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeAllocations(w, allocations)
}

// GetStudentAllocations возвращает историю списаний студента.
func (h *Handler) GetStudentAllocations(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}

	allocations, err := h.service.GetAllocationsByStudent(r.Context(), studentID)
	if err != nil {
		h.logger.Error("student allocations error", zap.Error(err), zap.Int64("studentID", studentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeAllocations(w, allocations)
}

func (h *Handler) writeAllocations(w http.ResponseWriter, allocations []model.ConsumptionAllocation) {
	if len(allocations) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		resp = append(resp, toAllocationResponse(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
