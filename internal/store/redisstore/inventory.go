// Package redisstore keeps category sold counters in Redis hashes and
// enforces capacity with Lua scripts.
//
// A category is loaded from the durable store on first touch. From then on
// the Redis counter is authoritative for sold.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"concert-tickets/internal/status"
	"concert-tickets/internal/store"
	"concert-tickets/models"
)

const reserveScript = `
local capacity = redis.call('HGET', KEYS[1], 'capacity')
if not capacity then
	return {-1, 0}
end
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0')
local qty = tonumber(ARGV[1])
if sold + qty > tonumber(capacity) then
	return {0, sold}
end
sold = redis.call('HINCRBY', KEYS[1], 'sold', qty)
return {1, sold}
`

const releaseScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0') - tonumber(ARGV[1])
if sold < 0 then
	sold = 0
end
redis.call('HSET', KEYS[1], 'sold', sold)
return {1, sold}
`

var _ store.InventoryStore = (*Inventory)(nil)

type Inventory struct {
	client redis.Cmdable
	source store.InventoryStore
}

// New returns an inventory served from Redis. source seeds categories that
// are not cached yet.
func New(client redis.Cmdable, source store.InventoryStore) *Inventory {
	return &Inventory{client: client, source: source}
}

func inventoryKey(categoryID string) string {
	return fmt.Sprintf("inventory:%s", categoryID)
}

func (i *Inventory) GetInventory(ctx context.Context, categoryID string) (*models.CategoryInventory, error) {
	fields, err := i.client.HGetAll(ctx, inventoryKey(categoryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get inventory %s: %w", categoryID, err)
	}
	if len(fields) == 0 {
		if err := i.prime(ctx, categoryID); err != nil {
			return nil, err
		}
		if fields, err = i.client.HGetAll(ctx, inventoryKey(categoryID)).Result(); err != nil {
			return nil, fmt.Errorf("get inventory %s: %w", categoryID, err)
		}
	}
	return fromHash(categoryID, fields)
}

func (i *Inventory) Reserve(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	return i.run(ctx, reserveScript, categoryID, qty)
}

func (i *Inventory) Release(ctx context.Context, categoryID string, qty int) (*models.CategoryInventory, error) {
	if qty <= 0 {
		return nil, status.ErrInvalidQuantity
	}
	return i.run(ctx, releaseScript, categoryID, qty)
}

func (i *Inventory) run(ctx context.Context, script, categoryID string, qty int) (*models.CategoryInventory, error) {
	key := inventoryKey(categoryID)
	for primed := false; ; primed = true {
		values, err := i.client.Eval(ctx, script, []string{key}, qty).Int64Slice()
		if err != nil {
			return nil, fmt.Errorf("inventory script %s: %w", categoryID, err)
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("unexpected script result length: %d", len(values))
		}

		switch values[0] {
		case -1:
			if primed {
				return nil, status.ErrCategoryNotFound
			}
			if err := i.prime(ctx, categoryID); err != nil {
				return nil, err
			}
			continue
		case 0:
			inv, err := i.GetInventory(ctx, categoryID)
			if err != nil {
				return nil, err
			}
			return inv, status.ErrInsufficientCapacity
		}

		inv, err := i.GetInventory(ctx, categoryID)
		if err != nil {
			return nil, err
		}
		inv.Sold = int(values[1])
		return inv, nil
	}
}

// prime copies the durable row into Redis. HSETNX keeps a counter another
// process primed first.
func (i *Inventory) prime(ctx context.Context, categoryID string) error {
	if i.source == nil {
		return status.ErrCategoryNotFound
	}
	inv, err := i.source.GetInventory(ctx, categoryID)
	if err != nil {
		return err
	}

	key := inventoryKey(categoryID)
	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"capacity", inv.Capacity,
			"event_id", inv.EventID,
			"name", inv.Name,
		)
		pipe.HSetNX(ctx, key, "sold", inv.Sold)
		return nil
	})
	if err != nil {
		return fmt.Errorf("prime inventory %s: %w", categoryID, err)
	}
	return nil
}

func fromHash(categoryID string, fields map[string]string) (*models.CategoryInventory, error) {
	capacity, err := strconv.Atoi(fields["capacity"])
	if err != nil {
		return nil, errors.New("inventory hash missing capacity")
	}
	sold, _ := strconv.Atoi(fields["sold"])
	return &models.CategoryInventory{
		CategoryID: categoryID,
		EventID:    fields["event_id"],
		Name:       fields["name"],
		Capacity:   capacity,
		Sold:       sold,
	}, nil
}
