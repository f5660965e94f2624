package synchub

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubscriptionRegistry(t *testing.T) {
	registry := NewSubscriptionRegistry()

	assert.Equal(t, registry.SubscribeChanges("c1", "main", "articles", []ChangeKind{ChangeUpsert}, ""), true)
	// equal subscription
	assert.Equal(t, registry.SubscribeChanges("c1", "main", "articles", []ChangeKind{ChangeUpsert}, ""), false)
	// the change list order does not matter
	assert.Equal(t, registry.SubscribeChanges("c1", "main", "users", []ChangeKind{ChangeCreate, ChangeDelete}, ""), true)
	assert.Equal(t, registry.SubscribeChanges("c1", "main", "users", []ChangeKind{ChangeDelete, ChangeCreate}, ""), false)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 2)

	// a different filter replaces the subscription of the container
	assert.Equal(t, registry.SubscribeChanges("c1", "main", "articles", []ChangeKind{ChangeUpsert}, "likes>10"), true)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 2)

	var articles *Subscription
	for _, subscription := range registry.Snapshot() {
		if subscription.Container == "articles" {
			articles = subscription
		}
	}
	assert.NotEqual(t, articles, nil)
	assert.Equal(t, articles.Filter, "likes>10")
	assert.Equal(t, articles.HasChange(ChangeUpsert), true)
	assert.Equal(t, articles.HasChange(ChangeDelete), false)
	assert.Equal(t, articles.Matches(json.RawMessage(`{"id":"a1","likes":11}`)), true)
	assert.Equal(t, articles.Matches(json.RawMessage(`{"id":"a1","likes":1}`)), false)

	// an empty change list removes the subscription
	assert.Equal(t, registry.SubscribeChanges("c1", "main", "articles", []ChangeKind{}, ""), true)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 1)
}

func TestSubscriptionRegistryMessages(t *testing.T) {
	registry := NewSubscriptionRegistry()

	assert.Equal(t, registry.SubscribeMessage("c1", "main", "chat.*"), true)
	assert.Equal(t, registry.SubscribeMessage("c1", "main", "chat.*"), false)
	assert.Equal(t, registry.SubscribeMessage("c1", "main", "alert"), true)
	assert.Equal(t, registry.SubscribeMessage("c1", "other", "alert"), true)
	assert.Equal(t, registry.SubscribeMessage("c2", "main", "*"), true)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 3)
	assert.Equal(t, registry.ClientIds(), []string{"c1", "c2"})

	matches := func(clientId string, database string, name string) bool {
		for _, subscription := range registry.Snapshot() {
			if subscription.ClientId == clientId && subscription.MatchesMessage(database, name) {
				return true
			}
		}
		return false
	}
	assert.Equal(t, matches("c1", "main", "chat.room1"), true)
	assert.Equal(t, matches("c1", "main", "news"), false)
	assert.Equal(t, matches("c1", "other", "chat.room1"), false)
	assert.Equal(t, matches("c2", "main", "news"), true)

	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "alert"), 1)
	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "alert"), 0)
	// `*` removes all message subscriptions of the database
	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "*"), 1)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 1)

	registry.RemoveClient("c1")
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 0)
	assert.Equal(t, registry.ClientIds(), []string{"c2"})
}

func TestSubscriptionRegistryUnsubscribePattern(t *testing.T) {
	registry := NewSubscriptionRegistry()

	registry.SubscribeMessage("c1", "main", "chat.room1")
	registry.SubscribeMessage("c1", "main", "chat.room2")
	registry.SubscribeMessage("c1", "main", "news")
	registry.SubscribeMessage("c1", "other", "chat.room1")

	// a prefix removes every subscription it matches
	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "chat.*"), 2)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 2)
	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "chat.*"), 0)

	// a stored prefix pattern is matched by itself
	registry.SubscribeMessage("c1", "main", "chat.*")
	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "chat.*"), 1)

	assert.Equal(t, registry.UnsubscribeMessage("c1", "main", "*"), 1)
	assert.Equal(t, registry.ClientSubscriptionCount("c1"), 1)
	assert.Equal(t, registry.UnsubscribeMessage("c1", "other", "*"), 1)
	assert.Equal(t, registry.ClientIds(), []string{})
}

func TestSubscriptionSnapshot(t *testing.T) {
	registry := NewSubscriptionRegistry()
	registry.SubscribeChanges("c2", "main", "articles", AllChanges, "")
	registry.SubscribeChanges("c1", "main", "users", AllChanges, "")
	registry.SubscribeChanges("c1", "main", "articles", AllChanges, "")

	snapshot := registry.Snapshot()
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, snapshot[0].ClientId, "c1")
	assert.Equal(t, snapshot[0].Container, "articles")
	assert.Equal(t, snapshot[1].Container, "users")
	assert.Equal(t, snapshot[2].ClientId, "c2")

	// the snapshot is not changed by later updates
	registry.RemoveClient("c1")
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, len(registry.Snapshot()), 1)
}
