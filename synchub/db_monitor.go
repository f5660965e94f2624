package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	MonitorClientsContainer = "clients"
	MonitorHostsContainer   = "hosts"
)

// MonitorDatabase is a read-only view of the hub state.
// `clients` lists the event clients, `hosts` the hub itself.
type MonitorDatabase struct {
	name string
	hub  *Hub
}

func NewMonitorDatabase(name string, hub *Hub) *MonitorDatabase {
	return &MonitorDatabase{
		name: name,
		hub:  hub,
	}
}

func (self *MonitorDatabase) Name() string {
	return self.name
}

func (self *MonitorDatabase) KeyName() string {
	return DefaultKeyName
}

type MonitorHost struct {
	Id        string         `json:"id"`
	StartTime time.Time      `json:"startTime"`
	Databases []string       `json:"databases"`
	Stats     *StatsSnapshot `json:"stats"`
}

func (self *MonitorDatabase) entities(container string) ([]json.RawMessage, error) {
	var values []any
	switch container {
	case MonitorClientsContainer:
		if dispatcher := self.hub.EventDispatcher(); dispatcher != nil {
			for _, info := range dispatcher.Sequencer().Clients() {
				values = append(values, info)
			}
		}
	case MonitorHostsContainer:
		values = append(values, &MonitorHost{
			Id:        self.hub.HostId().String(),
			StartTime: self.hub.StartTime(),
			Databases: self.hub.DatabaseNames(),
			Stats:     self.hub.Stats().Snapshot(),
		})
	default:
		return nil, fmt.Errorf("container not found: '%s'", container)
	}
	entities := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		entities = append(entities, b)
	}
	return entities, nil
}

func (self *MonitorDatabase) Read(ctx context.Context, container string, ids []string) ([]json.RawMessage, []string, error) {
	all, err := self.entities(container)
	if err != nil {
		return nil, nil, err
	}
	byKey := map[string]json.RawMessage{}
	for _, entity := range all {
		byKey[EntityKey(entity, DefaultKeyName)] = entity
	}
	entities := []json.RawMessage{}
	notFound := []string{}
	for _, id := range ids {
		if entity, ok := byKey[id]; ok {
			entities = append(entities, entity)
		} else {
			notFound = append(notFound, id)
		}
	}
	return entities, notFound, nil
}

// cursors are not supported. `limit` truncates.
func (self *MonitorDatabase) Query(ctx context.Context, container string, filter string, limit int, cursor string) (*QueryResult, error) {
	if cursor != "" {
		return nil, ErrTaskNotSupported
	}
	all, err := self.entities(container)
	if err != nil {
		return nil, err
	}
	predicate := CompileFilter(filter)
	result := &QueryResult{
		Entities: []json.RawMessage{},
	}
	for _, entity := range all {
		if 0 < limit && limit <= len(result.Entities) {
			break
		}
		if predicate(entity) {
			result.Entities = append(result.Entities, entity)
		}
	}
	return result, nil
}

func (self *MonitorDatabase) Create(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error) {
	return nil, ErrTaskNotSupported
}

func (self *MonitorDatabase) Upsert(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error) {
	return nil, ErrTaskNotSupported
}

func (self *MonitorDatabase) Merge(ctx context.Context, container string, patches []json.RawMessage) (*WriteResult, error) {
	return nil, ErrTaskNotSupported
}

func (self *MonitorDatabase) Delete(ctx context.Context, container string, ids []string) (*WriteResult, error) {
	return nil, ErrTaskNotSupported
}

func (self *MonitorDatabase) CloseCursors(ctx context.Context, container string, cursors []string) (int, error) {
	return 0, ErrTaskNotSupported
}
