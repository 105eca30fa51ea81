package domain

import "time"

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPaymentPending, OrderStatusCancelled},
	OrderStatusPaymentPending: {OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:      {OrderStatusCompleted, OrderStatusReturned},
	OrderStatusCompleted:      nil,
	OrderStatusCancelled:      nil,
	OrderStatusRefunded:       nil,
	OrderStatusReturned:       nil,
	OrderStatusPaymentFailed:  nil,
}

func AllStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusCreated, OrderStatusConfirmed, OrderStatusPaymentPending, OrderStatusPaymentFailed,
		OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded, OrderStatusReturned,
	}
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func AllowedTransitions(from OrderStatus) []OrderStatus {
	return append([]OrderStatus(nil), transitions[from]...)
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type EffectKind string

const (
	EffectReleaseStock     EffectKind = "release_stock"
	EffectNotify           EffectKind = "notify"
	EffectStampCompletedAt EffectKind = "stamp_completed_at"
)

// Effect describes work that follows a transition. Sync effects must finish
// before the transition is reported as successful; Event is set for
// EffectNotify.
type Effect struct {
	Kind  EffectKind
	Sync  bool
	Event EventKind
}

var transitionEffects = map[OrderStatus][]Effect{
	OrderStatusCancelled: {
		{Kind: EffectReleaseStock, Sync: true},
		{Kind: EffectNotify, Event: EventOrderCancelled},
	},
	OrderStatusPaid: {
		{Kind: EffectNotify, Event: EventOrderPaid},
	},
	OrderStatusShipped: {
		{Kind: EffectNotify, Event: EventOrderShipped},
	},
	OrderStatusDelivered: {
		{Kind: EffectNotify, Event: EventOrderDelivered},
	},
	OrderStatusCompleted: {
		{Kind: EffectStampCompletedAt, Sync: true},
	},
	OrderStatusReturned: {
		{Kind: EffectReleaseStock, Sync: true},
		{Kind: EffectNotify, Event: EventOrderReturned},
	},
}

// EffectsFor lists the effects entering status triggers, excluding the ones
// Transition applies to the aggregate itself.
func EffectsFor(status OrderStatus) []Effect {
	var out []Effect
	for _, e := range transitionEffects[status] {
		if e.Kind == EffectStampCompletedAt {
			continue
		}
		out = append(out, e)
	}
	return out
}

func RequiresStockRelease(status OrderStatus) bool {
	for _, e := range transitionEffects[status] {
		if e.Kind == EffectReleaseStock {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the updated copy of order
// together with the effects the caller has to run. The input is not
// modified and no I/O happens here.
func Transition(order *Order, to OrderStatus, now time.Time) (*Order, []Effect, error) {
	if !CanTransition(order.Status, to) {
		return nil, nil, &InvalidTransitionError{From: order.Status, To: to}
	}

	next := order.Clone()
	next.Status = to
	next.UpdatedAt = now

	for _, e := range transitionEffects[to] {
		if e.Kind == EffectStampCompletedAt && next.CompletedAt == nil {
			t := now
			next.CompletedAt = &t
		}
	}

	return next, EffectsFor(to), nil
}
