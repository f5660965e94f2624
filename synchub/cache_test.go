package synchub

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCache(t *testing.T) {
	cache := NewCache(DefaultKeyName)

	cache.Set("articles",
		json.RawMessage(`{"id":"a1","title":"one","author":"u1"}`),
		json.RawMessage(`{"id":"a2","title":"two","author":"u2"}`),
		// no key
		json.RawMessage(`{"title":"three"}`),
	)
	cache.Set("users", json.RawMessage(`{"id":"u1","name":"Peter"}`))
	assert.Equal(t, cache.Len(), 3)

	entity, ok := cache.Get("articles", "a1")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(entity), `{"id":"a1","title":"one","author":"u1"}`)

	_, ok = cache.Get("users", "a1")
	assert.Equal(t, ok, false)

	user, ok := cache.GetRelation("articles", "a1", "author", "users")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(user), `{"id":"u1","name":"Peter"}`)

	// u2 is not cached
	_, ok = cache.GetRelation("articles", "a2", "author", "users")
	assert.Equal(t, ok, false)

	cache.Merge("articles", json.RawMessage(`{"id":"a1","title":"one v2","likes":3}`))
	entity, _ = cache.Get("articles", "a1")
	merged := map[string]any{}
	err := json.Unmarshal(entity, &merged)
	assert.Equal(t, err, nil)
	assert.Equal(t, merged["title"], "one v2")
	assert.Equal(t, merged["likes"], float64(3))
	assert.Equal(t, merged["author"], "u1")

	// patches of uncached entities are ignored
	cache.Merge("articles", json.RawMessage(`{"id":"a9","title":"nine"}`))
	_, ok = cache.Get("articles", "a9")
	assert.Equal(t, ok, false)

	cache.ApplyChanges(&ContainerChanges{
		Container: "articles",
		Creates:   []json.RawMessage{json.RawMessage(`{"id":"a3"}`)},
		Deletes:   []string{"a2"},
	})
	_, ok = cache.Get("articles", "a2")
	assert.Equal(t, ok, false)
	_, ok = cache.Get("articles", "a3")
	assert.Equal(t, ok, true)
}

func TestMergePatch(t *testing.T) {
	merged, err := MergePatch(
		json.RawMessage(`{"id":"a1","nested":{"x":1},"keep":true}`),
		json.RawMessage(`{"id":"a1","nested":{"y":2},"new.field":"v"}`),
	)
	assert.Equal(t, err, nil)

	value := map[string]any{}
	err = json.Unmarshal(merged, &value)
	assert.Equal(t, err, nil)
	// top level fields are replaced, not deep merged
	assert.Equal(t, value["nested"], map[string]any{"y": float64(2)})
	assert.Equal(t, value["keep"], true)
	assert.Equal(t, value["new.field"], "v")
}
