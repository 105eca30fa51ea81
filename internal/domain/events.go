package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventOrderCreated       EventKind = "order.created"
	EventOrderStatusChanged EventKind = "order.status_changed"
	EventOrderCancelled     EventKind = "order.cancelled"
	EventOrderPaid          EventKind = "order.paid"
	EventOrderShipped       EventKind = "order.shipped"
	EventOrderDelivered     EventKind = "order.delivered"
	EventOrderReturned      EventKind = "order.returned"
)

type OrderEvent struct {
	Kind        EventKind       `json:"kind"`
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  string          `json:"customer_id"`
	Status      OrderStatus     `json:"status"`
	PrevStatus  OrderStatus     `json:"prev_status,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItem     `json:"items,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func NewOrderEvent(kind EventKind, order *Order, prev OrderStatus) OrderEvent {
	return OrderEvent{
		Kind:        kind,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Status:      order.Status,
		PrevStatus:  prev,
		TotalAmount: order.TotalAmount,
		Items:       order.Items,
		Timestamp:   order.UpdatedAt,
	}
}
