package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("orders")
		collection.Fields.Add(
			&core.TextField{Name: "payment_reference", Required: true, Max: 200},
			&core.TextField{Name: "user_id", Max: 50},
			&core.TextField{Name: "event_id", Required: true, Max: 50},
			// decimal string, never a float
			&core.TextField{Name: "total_amount", Max: 50},
			&core.TextField{Name: "currency", Max: 3},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"processing", "completed", "failed"},
			},
			&core.NumberField{Name: "attempt", OnlyInt: true},
			&core.DateField{Name: "lease_until"},
			&core.JSONField{Name: "reservations", MaxSize: 1 << 16},
			&core.TextField{Name: "failure_reason", Max: 500},
			&core.NumberField{Name: "delivery_attempts", OnlyInt: true},
			&core.DateField{Name: "delivered_at"},
			&core.TextField{Name: "last_delivery_error", Max: 1000},
			&core.DateField{Name: "completed_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_orders_payment_reference", true, "payment_reference", "")
		collection.AddIndex("idx_orders_undelivered", false, "status, delivered_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("orders")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
