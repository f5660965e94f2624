package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryDatabaseWrite(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase("main")

	result, err := db.Create(ctx, "users", []json.RawMessage{
		json.RawMessage(`{"id":"u1","name":"Peter"}`),
		json.RawMessage(`{"name":"no key"}`),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Keys, []string{"u1"})
	assert.Equal(t, len(result.Errors), 1)
	assert.Equal(t, result.Errors[0].Message, "missing key field 'id'")

	result, err = db.Create(ctx, "users", []json.RawMessage{json.RawMessage(`{"id":"u1"}`)})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Keys), 0)
	assert.Equal(t, result.Errors[0].Id, "u1")
	assert.Equal(t, result.Errors[0].Message, "entity already exists")

	result, err = db.Upsert(ctx, "users", []json.RawMessage{json.RawMessage(`{"id":"u1","name":"Peter","age":42}`)})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Keys, []string{"u1"})

	result, err = db.Merge(ctx, "users", []json.RawMessage{
		json.RawMessage(`{"id":"u1","age":43}`),
		json.RawMessage(`{"id":"u9","age":1}`),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Keys, []string{"u1"})
	assert.Equal(t, result.Errors[0].Message, "entity not found")

	entities, notFound, err := db.Read(ctx, "users", []string{"u1", "u2"})
	assert.Equal(t, err, nil)
	assert.Equal(t, notFound, []string{"u2"})
	user := map[string]any{}
	json.Unmarshal(entities[0], &user)
	assert.Equal(t, user["age"], float64(43))
	assert.Equal(t, user["name"], "Peter")

	// deleting a missing entity succeeds
	result, err = db.Delete(ctx, "users", []string{"u1", "u2"})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Keys, []string{"u1", "u2"})
	entities, _, _ = db.Read(ctx, "users", []string{"u1"})
	assert.Equal(t, len(entities), 0)

	assert.Equal(t, db.ContainerNames(), []string{"users"})
}

func TestMemoryDatabaseQuery(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase("main")

	entities := []json.RawMessage{}
	for i := 0; i < 10; i += 1 {
		entities = append(entities, json.RawMessage(fmt.Sprintf(`{"id":"a%d","likes":%d}`, i, i)))
	}
	_, err := db.Upsert(ctx, "articles", entities)
	assert.Equal(t, err, nil)

	result, err := db.Query(ctx, "articles", "likes>=5", 0, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Entities), 5)
	assert.Equal(t, result.Cursor, "")

	// pages in key order
	keys := []string{}
	cursor := ""
	pages := 0
	for {
		result, err = db.Query(ctx, "articles", "", 4, cursor)
		assert.Equal(t, err, nil)
		for _, entity := range result.Entities {
			keys = append(keys, EntityKey(entity, DefaultKeyName))
		}
		pages += 1
		cursor = result.Cursor
		if cursor == "" {
			break
		}
	}
	assert.Equal(t, pages, 3)
	assert.Equal(t, keys, []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9"})

	// a cursor is consumed by its query
	first, _ := db.Query(ctx, "articles", "", 2, "")
	_, err = db.Query(ctx, "articles", "", 2, first.Cursor)
	assert.Equal(t, err, nil)
	_, err = db.Query(ctx, "articles", "", 2, first.Cursor)
	assert.NotEqual(t, err, nil)

	open, _ := db.Query(ctx, "articles", "", 2, "")
	count, err := db.CloseCursors(ctx, "articles", []string{})
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 0)
	_, err = db.Query(ctx, "articles", "", 2, open.Cursor)
	assert.NotEqual(t, err, nil)
}
