package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")

		// ticket ids are uuids minted before the record exists, they are part
		// of the signed code
		if id, ok := collection.Fields.GetByName("id").(*core.TextField); ok {
			id.Pattern = `^[a-f0-9-]+$`
			id.Min = 36
			id.Max = 36
		}

		collection.Fields.Add(
			&core.TextField{Name: "order_id", Required: true, Max: 50},
			&core.TextField{Name: "event_id", Required: true, Max: 50},
			&core.TextField{Name: "category_id", Required: true, Max: 50},
			&core.TextField{Name: "category_name", Max: 100},
			&core.TextField{Name: "seat_label", Max: 50, Presentable: true},
			&core.TextField{Name: "price", Max: 50},
			&core.TextField{Name: "code", Required: true, Max: 4000, Hidden: true},
			&core.SelectField{
				Name:      "state",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"valid", "used", "cancelled"},
			},
			&core.DateField{Name: "used_at"},
			&core.TextField{Name: "used_by", Max: 100},
			&core.DateField{Name: "cancelled_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_tickets_order", false, "order_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
