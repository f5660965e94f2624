package synchub

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
)

// one applied write of a batch
type writeChange struct {
	kind      ChangeKind
	container string
	// created, upserted or merged entities
	entities []json.RawMessage
	// deleted keys
	keys []string
}

// the changes and messages of one executed batch
type batchEvents struct {
	database       string
	sourceClientId string
	changes        []*writeChange
	messages       []*MessageEvent
}

func (self *batchEvents) isEmpty() bool {
	return len(self.changes) == 0 && len(self.messages) == 0
}

// EventDispatcher matches the changes and messages of executed batches against
// the subscription registry and enqueues one event per subscribed client per batch.
type EventDispatcher struct {
	registry  *SubscriptionRegistry
	sequencer *EventSequencer
}

func NewEventDispatcherWithDefaults(ctx context.Context, stats *Stats) *EventDispatcher {
	return NewEventDispatcher(ctx, stats, DefaultEventSequencerSettings())
}

func NewEventDispatcher(ctx context.Context, stats *Stats, settings *EventSequencerSettings) *EventDispatcher {
	dispatcher := &EventDispatcher{
		registry:  NewSubscriptionRegistry(),
		sequencer: NewEventSequencer(ctx, stats, settings),
	}
	// permanently disconnected clients lose their subscriptions
	dispatcher.sequencer.AddExpireCallback(func(clientId string) {
		dispatcher.registry.RemoveClient(clientId)
	})
	return dispatcher
}

func (self *EventDispatcher) Registry() *SubscriptionRegistry {
	return self.registry
}

func (self *EventDispatcher) Sequencer() *EventSequencer {
	return self.sequencer
}

// removes all subscriptions and queued events of the client
func (self *EventDispatcher) RemoveClient(clientId string) {
	self.registry.RemoveClient(clientId)
	self.sequencer.Remove(clientId)
}

// called after the subscriptions of a client changed
func (self *EventDispatcher) subscriptionsChanged(clientId string) {
	if self.registry.ClientSubscriptionCount(clientId) == 0 {
		self.sequencer.ClearEvents(clientId)
	}
}

type clientEvent struct {
	event *EventMessage
	// message index -> added
	messages map[int]bool
}

func (self *clientEvent) containerChanges(container string) *ContainerChanges {
	for _, changes := range self.event.Changes {
		if changes.Container == container {
			return changes
		}
	}
	changes := &ContainerChanges{
		Container: container,
	}
	self.event.Changes = append(self.event.Changes, changes)
	return changes
}

// returns the number of enqueued events
func (self *EventDispatcher) dispatch(batch *batchEvents) int {
	if batch.isEmpty() {
		return 0
	}

	clientIds := []string{}
	eventsByClient := map[string]*clientEvent{}
	eventFor := func(clientId string) *clientEvent {
		e, ok := eventsByClient[clientId]
		if !ok {
			e = &clientEvent{
				event: &EventMessage{
					Database: batch.database,
					SourceId: batch.sourceClientId,
					IsOrigin: batch.sourceClientId != "" && batch.sourceClientId == clientId,
				},
				messages: map[int]bool{},
			}
			eventsByClient[clientId] = e
			clientIds = append(clientIds, clientId)
		}
		return e
	}

	for _, subscription := range self.registry.Snapshot() {
		switch subscription.Kind {
		case SubscriptionChanges:
			if subscription.Database != batch.database {
				continue
			}
			for _, change := range batch.changes {
				if change.container != subscription.Container || !subscription.HasChange(change.kind) {
					continue
				}
				var matched []json.RawMessage
				for _, entity := range change.entities {
					if subscription.Matches(entity) {
						matched = append(matched, entity)
					}
				}
				switch change.kind {
				case ChangeDelete:
					if len(change.keys) == 0 {
						continue
					}
					changes := eventFor(subscription.ClientId).containerChanges(change.container)
					changes.Deletes = append(changes.Deletes, change.keys...)
				default:
					if len(matched) == 0 {
						continue
					}
					changes := eventFor(subscription.ClientId).containerChanges(change.container)
					switch change.kind {
					case ChangeCreate:
						changes.Creates = append(changes.Creates, matched...)
					case ChangeUpsert:
						changes.Upserts = append(changes.Upserts, matched...)
					case ChangeMerge:
						changes.Merges = append(changes.Merges, matched...)
					}
				}
			}
		case SubscriptionMessage:
			for i, message := range batch.messages {
				if !subscription.MatchesMessage(batch.database, message.Name) {
					continue
				}
				// a message matched by multiple patterns is sent once
				eventFor(subscription.ClientId).messages[i] = true
			}
		}
	}

	enqueued := 0
	for _, clientId := range clientIds {
		e := eventsByClient[clientId]
		for i, message := range batch.messages {
			if e.messages[i] {
				e.event.Messages = append(e.event.Messages, message)
			}
		}
		if seq, ok := self.sequencer.Enqueue(clientId, e.event); ok {
			enqueued += 1
			glog.V(2).Infof("[ed]%s seq=%d changes=%d messages=%d\n", clientId, seq, len(e.event.Changes), len(e.event.Messages))
		}
	}
	return enqueued
}

func (self *EventDispatcher) Close() {
	self.sequencer.Close()
}
