package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

type Handler struct {
	ledger   Ledger
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(ledger Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts the stock routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(h.HandleListStock))
	mux.HandleFunc("GET /stock/{itemId}", telemetry.WithHTTPRoute(h.HandleGetStock))
	mux.HandleFunc("POST /stock/{itemId}/reserve", telemetry.WithHTTPRoute(h.HandleReserve))
	mux.HandleFunc("POST /stock/{itemId}/release", telemetry.WithHTTPRoute(h.HandleRelease))
	mux.HandleFunc("POST /stock/{itemId}/adjust", telemetry.WithHTTPRoute(h.HandleAdjust))
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)

	levels, err := h.ledger.List(r.Context())
	if err != nil {
		logger.Error("failed to list stock", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	logger.Info("stock listed", zap.Int("count", len(levels)))
	h.writeJSON(w, http.StatusOK, levels)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	itemID := r.PathValue("itemId")

	level, err := h.ledger.Stock(r.Context(), itemID)
	if err != nil {
		h.fail(w, logger, "failed to get stock", itemID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, level)
}

type quantityRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

type adjustRequest struct {
	Delta int `json:"delta" validate:"required"`
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	h.handleQuantity(w, r, "reserve", h.ledger.Reserve)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleQuantity(w, r, "release", h.ledger.Release)
}

func (h *Handler) handleQuantity(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, productID string, quantity int) error) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	itemID := r.PathValue("itemId")

	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := fn(r.Context(), itemID, req.Quantity); err != nil {
		h.fail(w, logger, "failed to "+op+" stock", itemID, err)
		return
	}

	logger.Info("stock updated", zap.String("op", op), zap.String("item_id", itemID), zap.Int("quantity", req.Quantity))
	h.respondStock(w, r, logger, itemID)
}

func (h *Handler) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	itemID := r.PathValue("itemId")

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.Adjust(r.Context(), itemID, req.Delta); err != nil {
		h.fail(w, logger, "failed to adjust stock", itemID, err)
		return
	}

	logger.Info("stock adjusted", zap.String("item_id", itemID), zap.Int("delta", req.Delta))
	h.respondStock(w, r, logger, itemID)
}

func (h *Handler) respondStock(w http.ResponseWriter, r *http.Request, logger *zap.Logger, itemID string) {
	level, err := h.ledger.Stock(r.Context(), itemID)
	if err != nil {
		h.fail(w, logger, "failed to get updated stock", itemID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, level)
}

func (h *Handler) fail(w http.ResponseWriter, logger *zap.Logger, msg, itemID string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.String("item_id", itemID), zap.Error(err))
		h.writeError(w, status, "internal server error")
		return
	}
	logger.Warn(msg, zap.String("item_id", itemID), zap.Error(err))
	h.writeError(w, status, err.Error())
}

// StatusFor maps ledger errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrNegativeStock),
		errors.Is(err, domain.ErrOverRelease),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
