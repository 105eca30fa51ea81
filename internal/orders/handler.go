package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

// Service is the order API exposed over HTTP.
type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
}

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(h.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(h.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(h.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(h.HandleUpdateStatus))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(h.HandleCancel))
}

type createOrderItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createOrderRequest struct {
	CustomerID   string            `json:"customer_id" validate:"required"`
	Items        []createOrderItem `json:"items" validate:"required,min=1,dive"`
	ShippingCost decimal.Decimal   `json:"shipping_cost"`
	TaxAmount    decimal.Decimal   `json:"tax_amount"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	order, err := h.service.CreateOrder(r.Context(), CreateOrderRequest{
		CustomerID:   req.CustomerID,
		Items:        items,
		ShippingCost: req.ShippingCost,
		TaxAmount:    req.TaxAmount,
	})
	if err != nil {
		h.fail(w, logger, "failed to create order", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	id := r.PathValue("id")

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, logger, "failed to get order", err, zap.String("order_id", id))
		return
	}

	logger.Debug("order retrieved", zap.String("order_id", order.ID))
	h.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status" validate:"required"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	id := r.PathValue("id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, logger, "failed to update order status", err,
			zap.String("order_id", id), zap.String("status", string(req.Status)))
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)
	id := r.PathValue("id")

	order, err := h.service.CancelOrder(r.Context(), id)
	if err != nil {
		h.fail(w, logger, "failed to cancel order", err, zap.String("order_id", id))
		return
	}

	logger.Info("order cancelled", zap.String("order_id", order.ID))
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.WithTrace(r.Context(), h.logger)

	orders, err := h.service.ListOrders(r.Context())
	if err != nil {
		h.fail(w, logger, "failed to list orders", err)
		return
	}

	logger.Debug("orders listed", zap.Int("count", len(orders)))
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) fail(w http.ResponseWriter, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	status := StatusFor(err)
	fields = append(fields, zap.Error(err))
	if status >= http.StatusInternalServerError {
		logger.Error(msg, fields...)
		h.writeError(w, status, "internal server error")
		return
	}
	logger.Warn(msg, fields...)
	h.writeError(w, status, err.Error())
}

// StatusFor maps orchestrator errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
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
