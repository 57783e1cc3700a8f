package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		events := core.NewBaseCollection("events")
		events.Fields.Add(
			&core.TextField{Name: "name", Required: true, Max: 200, Presentable: true},
			&core.TextField{Name: "venue", Max: 200},
			&core.DateField{Name: "start_time", Required: true},
			&core.SelectField{
				Name:      "status",
				MaxSelect: 1,
				Values:    []string{"upcoming", "ongoing", "completed"},
			},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		if err := app.Save(events); err != nil {
			return err
		}

		inventory := core.NewBaseCollection("category_inventory")
		inventory.Fields.Add(
			&core.RelationField{
				Name:          "event_id",
				CollectionId:  events.Id,
				MaxSelect:     1,
				Required:      true,
				CascadeDelete: true,
			},
			&core.TextField{Name: "name", Required: true, Max: 100, Presentable: true},
			&core.NumberField{Name: "capacity", OnlyInt: true},
			&core.NumberField{Name: "sold", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		inventory.AddIndex("idx_category_inventory_event", false, "event_id", "")

		return app.Save(inventory)
	}, func(app core.App) error {
		for _, name := range []string{"category_inventory", "events"} {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				return err
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
