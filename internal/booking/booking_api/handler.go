package booking_api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-redemption/internal/auth"
	"ms-redemption/internal/booking/token"
	"ms-redemption/internal/errs"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/models"
	"ms-redemption/internal/utils"
)

type BookingService interface {
	Mint(ctx context.Context, bookingID string) (*token.Token, error)
	Verify(ctx context.Context, text, operator string) (*models.Booking, error)
	CurrentToken(ctx context.Context, bookingID string) (*token.Token, error)
}

type QREncoder interface {
	Encode(text string) ([]byte, error)
}

type Handler struct {
	BookingService BookingService
	QRGenerator    QREncoder
	Logger         *logger.Logger
}

func NewHandler(svc BookingService, qr QREncoder, log *logger.Logger) *Handler {
	return &Handler{BookingService: svc, QRGenerator: qr, Logger: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/booking-token", func(r chi.Router) {
		r.With(auth.RequireRole(auth.RoleCheckout)).Post("/mint", h.Mint)
		r.With(auth.RequireRole(auth.RoleCheckout)).Get("/{bookingId}/qr", h.QR)
		r.With(auth.RequireRole(auth.RoleScanner)).Post("/verify", h.Verify)
	})
}

func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	var req models.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Mint: failed to decode request body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Mint: bookingId=%s", req.BookingID))

	tok, err := h.BookingService.Mint(r.Context(), req.BookingID)
	if err != nil {
		h.writeMintError(w, "Mint", err)
		return
	}

	resp := models.MintResponse{Token: tok.Encode()}
	if req.IncludeQR {
		png, err := h.QRGenerator.Encode(resp.Token)
		if err != nil {
			h.Logger.Error("API", fmt.Sprintf("Mint: failed to render QR: %v", err))
			utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not render QR code", err.Error()))
			return
		}
		resp.QRPNG = base64.StdEncoding.EncodeToString(png)
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

// QR serves the current token of a booking as a PNG image.
func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingId")
	h.Logger.Info("API", fmt.Sprintf("QR: bookingId=%s", bookingID))

	tok, err := h.BookingService.CurrentToken(r.Context(), bookingID)
	if err != nil {
		h.writeMintError(w, "QR", err)
		return
	}

	png, err := h.QRGenerator.Encode(tok.Encode())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("QR: failed to render QR: %v", err))
		http.Error(w, "Could not render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) writeMintError(w http.ResponseWriter, op string, err error) {
	if errs.Is(err, errs.ErrAlreadyUsed) {
		utils.WriteJSON(w, http.StatusConflict, utils.APIResponse{
			Message: "Booking already checked in",
			Reason:  errs.ReasonAlreadyUsed,
		})
		return
	}
	status := utils.WriteError(w, "Could not issue booking token", err)
	h.Logger.Error("API", fmt.Sprintf("%s: %d %s", op, status, utils.LogDetail(status, err)))
}

// Verify answers the gate scanner. Rejections are 200 with valid=false so
// the scanner can show the reason; only store outages are errors.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Verify: failed to decode request body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	b, err := h.BookingService.Verify(r.Context(), req.Token, auth.UserID(r.Context()))
	if err != nil {
		if errs.IsTransient(err) {
			status := utils.WriteError(w, "Could not verify booking token", err)
			h.Logger.Error("API", fmt.Sprintf("Verify: %d %s", status, utils.LogDetail(status, err)))
			return
		}
		reason := errs.Reason(err)
		if reason == "" {
			h.Logger.Error("API", fmt.Sprintf("Verify: unexpected error: %v", err))
			utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not verify booking token", http.StatusText(http.StatusInternalServerError)))
			return
		}
		h.Logger.Info("API", fmt.Sprintf("Verify: rejected %s", reason))
		utils.WriteJSON(w, http.StatusOK, models.VerifyResponse{Valid: false, Reason: reason})
		return
	}

	summary := b.Summary()
	utils.WriteJSON(w, http.StatusOK, models.VerifyResponse{
		Valid:     true,
		BookingID: b.BookingID,
		Booking:   &summary,
	})
}
