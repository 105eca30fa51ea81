package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated        OrderStatus = "CREATED"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderStatusPaymentFailed  OrderStatus = "PAYMENT_FAILED"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusProcessing     OrderStatus = "PROCESSING"
	OrderStatusShipped        OrderStatus = "SHIPPED"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRefunded       OrderStatus = "REFUNDED"
	OrderStatusReturned       OrderStatus = "RETURNED"
)

type OrderItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the aggregate root. Status changes go through Transition; the
// only other writer is NewOrder.
type Order struct {
	ID           string          `json:"id"`
	OrderNumber  string          `json:"order_number"`
	CustomerID   string          `json:"customer_id"`
	Items        []OrderItem     `json:"items"`
	Status       OrderStatus     `json:"status"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewOrder builds an unsaved order in CREATED. Items are copied so the
// caller's slice is never shared with the aggregate.
func NewOrder(customerID string, items []OrderItem, shippingCost, taxAmount decimal.Decimal, now time.Time) *Order {
	id := uuid.New()
	order := &Order{
		ID:           id.String(),
		OrderNumber:  "ORD-" + uuid.NewString(),
		CustomerID:   customerID,
		Items:        append([]OrderItem(nil), items...),
		Status:       OrderStatusCreated,
		ShippingCost: shippingCost,
		TaxAmount:    taxAmount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	order.RecalculateTotal()
	return order
}

func ComputeTotal(items []OrderItem, shippingCost, taxAmount decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total.Add(shippingCost).Add(taxAmount)
}

func (o *Order) RecalculateTotal() {
	o.TotalAmount = ComputeTotal(o.Items, o.ShippingCost, o.TaxAmount)
}

func (o *Order) CanCancel() bool {
	switch o.Status {
	case OrderStatusCreated, OrderStatusConfirmed, OrderStatusPaymentPending:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
