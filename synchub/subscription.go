package synchub

import (
	"encoding/binary"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/maps"
)

type SubscriptionKind int

const (
	SubscriptionChanges SubscriptionKind = iota
	SubscriptionMessage
)

// Subscription is immutable after creation. Re-subscribing replaces the instance.
type Subscription struct {
	ClientId string
	Database string
	Kind     SubscriptionKind
	// changes subscription
	Container string
	Changes   []ChangeKind
	Filter    string
	// message subscription pattern, `*` or `prefix*` allowed
	Name string
	// hash of the filter shape, equal for equal subscriptions
	Fingerprint uint64

	predicate Predicate
}

func (self *Subscription) HasChange(change ChangeKind) bool {
	return slices.Contains(self.Changes, change)
}

func (self *Subscription) Matches(entity []byte) bool {
	if self.predicate == nil {
		return true
	}
	return self.predicate(entity)
}

func (self *Subscription) MatchesMessage(database string, name string) bool {
	return self.Kind == SubscriptionMessage && self.Database == database && MatchPattern(self.Name, name)
}

func subscriptionFingerprint(kind SubscriptionKind, database string, target string, changes []ChangeKind, filter string) uint64 {
	h := xxhash.New()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(kind))
	h.Write(b[:])
	h.WriteString(database)
	h.Write([]byte{0})
	h.WriteString(target)
	h.Write([]byte{0})
	sortedChanges := slices.Clone(changes)
	slices.Sort(sortedChanges)
	for _, change := range sortedChanges {
		h.WriteString(string(change))
		h.Write([]byte{0})
	}
	h.WriteString(filter)
	return h.Sum64()
}

type clientSubscriptions struct {
	// database/container -> subscription
	changes map[string]*Subscription
	// database/name pattern -> subscription
	messages map[string]*Subscription
}

func (self *clientSubscriptions) len() int {
	return len(self.changes) + len(self.messages)
}

// SubscriptionRegistry tracks per client which containers and messages it is subscribed to
type SubscriptionRegistry struct {
	mutex   sync.Mutex
	clients map[string]*clientSubscriptions
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		clients: map[string]*clientSubscriptions{},
	}
}

func subscriptionKey(database string, target string) string {
	return database + "/" + target
}

func (self *SubscriptionRegistry) client(clientId string) *clientSubscriptions {
	subscriptions, ok := self.clients[clientId]
	if !ok {
		subscriptions = &clientSubscriptions{
			changes:  map[string]*Subscription{},
			messages: map[string]*Subscription{},
		}
		self.clients[clientId] = subscriptions
	}
	return subscriptions
}

func (self *SubscriptionRegistry) removeIfEmpty(clientId string) {
	if subscriptions, ok := self.clients[clientId]; ok && subscriptions.len() == 0 {
		delete(self.clients, clientId)
	}
}

// subscribes or replaces the subscription of the container.
// An empty `changes` list removes the subscription.
// Returns false if an equal subscription already existed.
func (self *SubscriptionRegistry) SubscribeChanges(clientId string, database string, container string, changes []ChangeKind, filter string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := subscriptionKey(database, container)
	if len(changes) == 0 {
		subscriptions := self.client(clientId)
		_, ok := subscriptions.changes[key]
		delete(subscriptions.changes, key)
		self.removeIfEmpty(clientId)
		return ok
	}

	fingerprint := subscriptionFingerprint(SubscriptionChanges, database, container, changes, filter)
	subscriptions := self.client(clientId)
	if current, ok := subscriptions.changes[key]; ok && current.Fingerprint == fingerprint {
		return false
	}
	subscriptions.changes[key] = &Subscription{
		ClientId:    clientId,
		Database:    database,
		Kind:        SubscriptionChanges,
		Container:   container,
		Changes:     slices.Clone(changes),
		Filter:      filter,
		Fingerprint: fingerprint,
		predicate:   CompileFilter(filter),
	}
	return true
}

// Returns false if an equal subscription already existed.
func (self *SubscriptionRegistry) SubscribeMessage(clientId string, database string, name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := subscriptionKey(database, name)
	subscriptions := self.client(clientId)
	if _, ok := subscriptions.messages[key]; ok {
		return false
	}
	subscriptions.messages[key] = &Subscription{
		ClientId:    clientId,
		Database:    database,
		Kind:        SubscriptionMessage,
		Name:        name,
		Fingerprint: subscriptionFingerprint(SubscriptionMessage, database, name, nil, ""),
	}
	return true
}

// removes the message subscriptions of the database matched by `name`.
// `*` and `prefix*` remove by pattern.
func (self *SubscriptionRegistry) UnsubscribeMessage(clientId string, database string, name string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptions, ok := self.clients[clientId]
	if !ok {
		return 0
	}
	removed := 0
	for key, subscription := range subscriptions.messages {
		if subscription.Database != database {
			continue
		}
		if MatchPattern(name, subscription.Name) {
			delete(subscriptions.messages, key)
			removed += 1
		}
	}
	self.removeIfEmpty(clientId)
	return removed
}

func (self *SubscriptionRegistry) RemoveClient(clientId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.clients, clientId)
}

func (self *SubscriptionRegistry) ClientSubscriptionCount(clientId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if subscriptions, ok := self.clients[clientId]; ok {
		return subscriptions.len()
	}
	return 0
}

func (self *SubscriptionRegistry) ClientIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	clientIds := maps.Keys(self.clients)
	sort.Strings(clientIds)
	return clientIds
}

// copy of all subscriptions ordered by client id.
// Delivery iterates the snapshot so subscriptions may change during delivery.
func (self *SubscriptionRegistry) Snapshot() []*Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	clientIds := maps.Keys(self.clients)
	sort.Strings(clientIds)
	out := []*Subscription{}
	for _, clientId := range clientIds {
		subscriptions := self.clients[clientId]
		keys := maps.Keys(subscriptions.changes)
		sort.Strings(keys)
		for _, key := range keys {
			out = append(out, subscriptions.changes[key])
		}
		keys = maps.Keys(subscriptions.messages)
		sort.Strings(keys)
		for _, key := range keys {
			out = append(out, subscriptions.messages[key])
		}
	}
	return out
}
