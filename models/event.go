package models

import (
	"time"
)

type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Venue     string    `json:"venue"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"` // upcoming, ongoing, completed
}

// CategoryInventory is the capacity ledger row of one ticket category.
type CategoryInventory struct {
	CategoryID string `json:"category_id"`
	EventID    string `json:"event_id"`
	Name       string `json:"name"`
	Capacity   int    `json:"capacity"`
	Sold       int    `json:"sold"`
}

func (c CategoryInventory) Available() int {
	if c.Sold >= c.Capacity {
		return 0
	}
	return c.Capacity - c.Sold
}
