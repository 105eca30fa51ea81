package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

// ErrEmailUnavailable is returned while the email circuit is open.
var ErrEmailUnavailable = errors.New("email service unavailable")

// NotificationHandler turns order events into customer emails.
type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	cb              *gobreaker.CircuitBreaker
	logger          *zap.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *zap.Logger) *NotificationHandler {
	settings := gobreaker.Settings{
		Name:        "EmailService",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		cb:              gobreaker.NewCircuitBreaker(settings),
		logger:          logger,
	}
}

type email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Handle sends the email for event. Audit-only events are acknowledged
// without sending anything.
func (h *NotificationHandler) Handle(ctx context.Context, event domain.OrderEvent) error {
	logger := telemetry.WithTrace(ctx, h.logger).With(
		zap.String("order_id", event.OrderID),
		zap.String("kind", string(event.Kind)),
	)

	msg, ok := composeEmail(event)
	if !ok {
		logger.Debug("no notification for event")
		return nil
	}

	if err := h.send(ctx, msg); err != nil {
		logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("notify %s for order %s: %w", event.Kind, event.OrderID, err)
	}

	logger.Info("notification sent", zap.String("to", msg.To))
	return nil
}

func composeEmail(event domain.OrderEvent) (email, bool) {
	ref := event.OrderNumber
	if ref == "" {
		ref = event.OrderID
	}
	to := event.CustomerID + "@example.com"

	switch event.Kind {
	case domain.EventOrderCreated:
		return email{to, "Order received: " + ref,
			fmt.Sprintf("We received your order %s with %d items, total %s.", ref, len(event.Items), event.TotalAmount.StringFixed(2))}, true
	case domain.EventOrderCancelled:
		return email{to, "Order cancelled: " + ref,
			fmt.Sprintf("Your order %s has been cancelled. Any payment will be reimbursed.", ref)}, true
	case domain.EventOrderPaid:
		return email{to, "Payment received: " + ref,
			fmt.Sprintf("We received your payment of %s for order %s.", event.TotalAmount.StringFixed(2), ref)}, true
	case domain.EventOrderShipped:
		return email{to, "Order shipped: " + ref,
			fmt.Sprintf("Your order %s is on its way.", ref)}, true
	case domain.EventOrderDelivered:
		return email{to, "Order delivered: " + ref,
			fmt.Sprintf("Your order %s has been delivered.", ref)}, true
	case domain.EventOrderReturned:
		return email{to, "Return processed: " + ref,
			fmt.Sprintf("We processed the return of order %s.", ref)}, true
	default:
		return email{}, false
	}
}

func (h *NotificationHandler) send(ctx context.Context, msg email) error {
	_, err := h.cb.Execute(func() (interface{}, error) {
		return nil, h.post(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrEmailUnavailable, err)
	}
	return err
}

func (h *NotificationHandler) post(ctx context.Context, msg email) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
