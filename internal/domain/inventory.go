package domain

import "time"

type StockLevel struct {
	ItemID    string    `json:"item_id"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation records a quantity taken from the ledger on behalf of an order.
type Reservation struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func ReservationsFor(items []OrderItem) []Reservation {
	out := make([]Reservation, 0, len(items))
	for _, item := range items {
		out = append(out, Reservation{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}
