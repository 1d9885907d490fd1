package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/access"
	"github.com/mbd888/paygate/internal/escrow"
	"github.com/mbd888/paygate/internal/syncutil"
	"github.com/mbd888/paygate/internal/treasury"
	"github.com/mbd888/paygate/internal/validation"
)

// Handler provides HTTP endpoints for gateway operations.
type Handler struct {
	service *Service
	access  *access.List
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, acl *access.List) *Handler {
	return &Handler{service: service, access: acl}
}

// RegisterRoutes sets up public (read-only) gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receivers/:account", h.GetReceiver)
	r.GET("/receivers/:account/invoices", h.ListReceiverInvoices)
	r.GET("/invoices/:id", h.GetInvoice)
	r.GET("/plans", h.ListPlans)
	r.GET("/rewards/:account", h.GetPendingReward)
}

// RegisterCallerRoutes sets up routes any identified caller may use.
func (h *Handler) RegisterCallerRoutes(r *gin.RouterGroup) {
	r.POST("/receivers", h.RegisterReceiver)
	r.POST("/invoices/:id/deposit", h.Deposit)
	r.POST("/rewards/claim", h.ClaimReward)
}

// RegisterAdminRoutes sets up admin-only gateway routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.CreatePayment)
	r.POST("/invoices/:id/finalize", h.FinalizePayment)
	r.GET("/invoices/ready", h.ReadyInvoices)
	r.POST("/receivers/:account/plan", h.AssignPlan)
	r.POST("/rewards/distribute", h.DistributeReward)
}

// RegisterOwnerRoutes sets up owner-only gateway routes.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/plans", h.DefinePlan)
}

// RegisterReceiverRequest is the body for POST /v1/receivers.
type RegisterReceiverRequest struct {
	Name string `json:"name" binding:"required"`
}

// RegisterReceiver handles POST /v1/receivers. The caller registers
// itself as a payee.
func (h *Handler) RegisterReceiver(c *gin.Context) {
	var req RegisterReceiverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	caller := access.Caller(c)
	if !validation.IsValidAccount(caller) {
		badRequest(c, "Caller is not a well-formed account identifier")
		return
	}

	r, err := h.service.RegisterReceiver(c.Request.Context(), caller,
		validation.SanitizeString(req.Name, validation.MaxNameLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receiver": receiverJSON(r)})
}

// DefinePlanRequest is the body for POST /v1/plans.
type DefinePlanRequest struct {
	PlanID   uint64 `json:"planId" binding:"required"`
	Capacity int    `json:"capacity" binding:"required"`
}

// DefinePlan handles POST /v1/plans (owner-only).
func (h *Handler) DefinePlan(c *gin.Context) {
	var req DefinePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	p, err := h.service.DefinePlan(c.Request.Context(), access.Caller(c), req.PlanID, req.Capacity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": planJSON(p)})
}

// AssignPlanRequest is the body for POST /v1/receivers/:account/plan.
type AssignPlanRequest struct {
	PlanID uint64 `json:"planId" binding:"required"`
}

// AssignPlan handles POST /v1/receivers/:account/plan (admin-only).
func (h *Handler) AssignPlan(c *gin.Context) {
	var req AssignPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	account := c.Param("account")
	if err := h.service.AssignPlan(c.Request.Context(), access.Caller(c), account, req.PlanID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "planId": req.PlanID})
}

// CreatePaymentRequest is the body for POST /v1/invoices.
type CreatePaymentRequest struct {
	Payer    string `json:"payer"`
	Receiver string `json:"receiver" binding:"required"`
	Asset    string `json:"asset" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Duration string `json:"duration"` // e.g. "15m", "1h"
	IsFiat   bool   `json:"isFiat"`
}

// CreatePayment handles POST /v1/invoices (admin-only).
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	amount, ok := validation.ParseAmount(req.Amount)
	if !ok {
		badRequest(c, "Amount must be a positive decimal with at most 6 places")
		return
	}
	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			badRequest(c, "Duration must be a positive duration string")
			return
		}
		duration = d
	}

	inv, err := h.service.CreatePayment(c.Request.Context(), access.Caller(c), CreatePaymentParams{
		Payer:    req.Payer,
		Receiver: req.Receiver,
		Asset:    req.Asset,
		Amount:   amount,
		Duration: duration,
		IsFiat:   req.IsFiat,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": invoiceJSON(inv)})
}

// DepositRequest is the body for POST /v1/invoices/:id/deposit.
type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/invoices/:id/deposit.
func (h *Handler) Deposit(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := validation.ParseAmount(req.Amount)
	if !ok {
		badRequest(c, "Amount must be a positive decimal with at most 6 places")
		return
	}

	if err := h.service.Deposit(c.Request.Context(), access.Caller(c), id, amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoiceId": id, "deposited": true})
}

// FinalizePaymentRequest is the body for POST /v1/invoices/:id/finalize.
type FinalizePaymentRequest struct {
	ForceExpired bool `json:"forceExpired"`
}

// FinalizePayment handles POST /v1/invoices/:id/finalize (admin-only).
func (h *Handler) FinalizePayment(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var req FinalizePaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}

	inv, err := h.service.FinalizePayment(c.Request.Context(), access.Caller(c), id, req.ForceExpired)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": invoiceJSON(inv), "settled": inv.Finalized})
}

// ReadyInvoices handles GET /v1/invoices/ready (admin-only).
func (h *Handler) ReadyInvoices(c *gin.Context) {
	ready := h.service.ReadyToFinalizeInvoices()
	c.JSON(http.StatusOK, gin.H{"invoiceIds": ready, "count": len(ready)})
}

// DistributeRewardRequest is the body for POST /v1/rewards/distribute.
type DistributeRewardRequest struct {
	Percent int64 `json:"percent" binding:"required"`
}

// DistributeReward handles POST /v1/rewards/distribute (admin-only).
func (h *Handler) DistributeReward(c *gin.Context) {
	var req DistributeRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	share, count, err := h.service.DistributeNativeReward(c.Request.Context(), access.Caller(c), req.Percent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"share":     validation.FormatAmount(share),
		"receivers": count,
	})
}

// ClaimReward handles POST /v1/rewards/claim.
func (h *Handler) ClaimReward(c *gin.Context) {
	caller := access.Caller(c)
	if !validation.IsValidAccount(caller) {
		badRequest(c, "Caller is not a well-formed account identifier")
		return
	}

	amount, err := h.service.ClaimReward(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": caller,
		"amount":  validation.FormatAmount(amount),
	})
}

// GetReceiver handles GET /v1/receivers/:account.
func (h *Handler) GetReceiver(c *gin.Context) {
	r, err := h.service.GetReceiver(c.Request.Context(), c.Param("account"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receiver": receiverJSON(r)})
}

// ListReceiverInvoices handles GET /v1/receivers/:account/invoices.
func (h *Handler) ListReceiverInvoices(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	invoices, err := h.service.ListInvoicesByReceiver(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(invoices))
	for i, inv := range invoices {
		out[i] = invoiceJSON(inv)
	}
	c.JSON(http.StatusOK, gin.H{"invoices": out, "count": len(out)})
}

// GetInvoice handles GET /v1/invoices/:id.
func (h *Handler) GetInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	view, err := h.service.GetInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	body := invoiceJSON(view.Invoice)
	body["deposited"] = view.Deposited
	body["expired"] = view.Expired
	if view.Depositor != "" {
		body["depositor"] = view.Depositor
	}
	c.JSON(http.StatusOK, gin.H{"invoice": body})
}

// ListPlans handles GET /v1/plans.
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, len(plans))
	for i, p := range plans {
		out[i] = planJSON(p)
	}
	c.JSON(http.StatusOK, gin.H{"plans": out, "count": len(out)})
}

// GetPendingReward handles GET /v1/rewards/:account.
func (h *Handler) GetPendingReward(c *gin.Context) {
	account := c.Param("account")
	pending, err := h.service.PendingReward(c.Request.Context(), account)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"pending": validation.FormatAmount(pending),
	})
}

func invoiceIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "Invoice id must be a positive integer")
		return 0, false
	}
	return id, true
}

func receiverJSON(r *Receiver) gin.H {
	totals := make(map[string]string, len(r.SettledTotals))
	for asset, v := range r.SettledTotals {
		totals[asset] = validation.FormatAmount(v)
	}
	return gin.H{
		"account":       r.Account,
		"name":          r.Name,
		"planId":        r.PlanID,
		"activeCount":   r.ActiveCount,
		"invoiceIds":    r.InvoiceIDs,
		"settledTotals": totals,
		"createdAt":     r.CreatedAt,
	}
}

func planJSON(p *Plan) gin.H {
	return gin.H{"id": p.ID, "capacity": p.Capacity, "createdAt": p.CreatedAt}
}

func invoiceJSON(inv *Invoice) gin.H {
	body := gin.H{
		"id":        inv.ID,
		"receiver":  inv.Receiver,
		"asset":     inv.Asset,
		"amount":    validation.FormatAmount(inv.Amount),
		"isFiat":    inv.IsFiat,
		"createdAt": inv.CreatedAt,
		"expiresAt": inv.ExpiresAt,
		"finalized": inv.Finalized,
		"success":   inv.Success,
	}
	if inv.Payer != "" {
		body["payer"] = inv.Payer
	}
	if inv.ReceiverAmount != nil {
		body["receiverAmount"] = validation.FormatAmount(inv.ReceiverAmount)
	}
	if inv.SettledAt != nil {
		body["settledAt"] = inv.SettledAt
	}
	return body
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReceiverNotFound),
		errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "already_registered", "message": err.Error()})
	case errors.Is(err, ErrPlanLimitReached):
		c.JSON(http.StatusConflict, gin.H{"error": "plan_limit_reached", "message": err.Error()})
	case errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadyFinalized),
		errors.Is(err, syncutil.ErrReentrant):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, access.ErrNotOwner), errors.Is(err, access.ErrNotAdmin),
		errors.Is(err, escrow.ErrUnauthorizedPayer):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidPlanID), errors.Is(err, ErrInvalidCapacity),
		errors.Is(err, ErrAssetNotEnabled), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPercent),
		errors.Is(err, escrow.ErrDepositAmountMismatch),
		errors.Is(err, escrow.ErrNotPayableAsset):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNoNativeBalance), errors.Is(err, ErrNoReceivers),
		errors.Is(err, ErrShareTooSmall), errors.Is(err, ErrNoReward):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "nothing_to_do", "message": err.Error()})
	case errors.Is(err, treasury.ErrTransferFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "transfer_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
