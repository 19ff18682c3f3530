package discount_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-redemption/internal/auth"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
	"ms-redemption/internal/utils"
)

type DiscountService interface {
	Validate(ctx context.Context, req models.ValidateRequest) (*models.ValidateResponse, error)
	Redeem(ctx context.Context, req models.RedeemRequest) (*models.RedeemResponse, error)
	Regenerate(ctx context.Context) (int, error)
	Status(ctx context.Context) (*models.RedemptionStatus, error)
}

type Handler struct {
	DiscountService DiscountService
	Logger          *logger.Logger
}

func NewHandler(svc DiscountService, log *logger.Logger) *Handler {
	return &Handler{DiscountService: svc, Logger: log}
}

// RegisterRoutes mounts the discount endpoints. limit wraps the checkout
// facing routes; pass nil to disable rate limiting.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Route("/discount", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleCheckout))
			if limit != nil {
				r.Use(limit)
			}
			r.Post("/validate", h.Validate)
			r.Post("/redeem", h.Redeem)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/regenerate", h.Regenerate)
			r.Get("/status", h.Status)
		})
	})
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Validate: failed to decode request body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("Validate: code=%s quantity=%d", req.Code, req.Quantity))

	resp, err := h.DiscountService.Validate(r.Context(), req)
	if err != nil {
		status := utils.WriteError(w, "Could not validate code", err)
		h.Logger.Error("API", fmt.Sprintf("Validate: %d %s", status, utils.LogDetail(status, err)))
		return
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req models.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Redeem: failed to decode request body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.RedeemerIdentity == "" {
		req.RedeemerIdentity = auth.UserID(r.Context())
	}
	h.Logger.Info("API", fmt.Sprintf("Redeem: code=%s bookingId=%s", req.Code, req.BookingID))

	resp, err := h.DiscountService.Redeem(r.Context(), req)
	if err != nil {
		status := utils.WriteError(w, "Could not redeem code", err)
		h.Logger.Error("API", fmt.Sprintf("Redeem: %d %s", status, utils.LogDetail(status, err)))
		return
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	h.Logger.Info("API", fmt.Sprintf("Regenerate: requested by %s", auth.UserID(r.Context())))

	size, err := h.DiscountService.Regenerate(r.Context())
	if err != nil {
		status := utils.WriteError(w, "Could not regenerate pool", err)
		h.Logger.Error("API", fmt.Sprintf("Regenerate: %d %s", status, utils.LogDetail(status, err)))
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.RegenerateResponse{PoolSize: size})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.DiscountService.Status(r.Context())
	if err != nil {
		code := utils.WriteError(w, "Could not read redemption status", err)
		h.Logger.Error("API", fmt.Sprintf("Status: %d %s", code, utils.LogDetail(code, err)))
		return
	}
	utils.WriteJSON(w, http.StatusOK, status)
}
