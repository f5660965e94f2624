package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryDatabase keeps containers of JSON entities in memory
type MemoryDatabase struct {
	name    string
	keyName string

	mutex      sync.Mutex
	containers map[string]*memoryContainer
}

type memoryContainer struct {
	stateLock sync.RWMutex
	entities  map[string]json.RawMessage
	// cursor id -> last returned key
	cursors map[string]string
}

func NewMemoryDatabase(name string) *MemoryDatabase {
	return NewMemoryDatabaseWithKeyName(name, DefaultKeyName)
}

func NewMemoryDatabaseWithKeyName(name string, keyName string) *MemoryDatabase {
	return &MemoryDatabase{
		name:       name,
		keyName:    keyName,
		containers: map[string]*memoryContainer{},
	}
}

func (self *MemoryDatabase) Name() string {
	return self.name
}

func (self *MemoryDatabase) KeyName() string {
	return self.keyName
}

func (self *MemoryDatabase) container(name string) *memoryContainer {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	container, ok := self.containers[name]
	if !ok {
		container = &memoryContainer{
			entities: map[string]json.RawMessage{},
			cursors:  map[string]string{},
		}
		self.containers[name] = container
	}
	return container
}

func (self *MemoryDatabase) ContainerNames() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	names := maps.Keys(self.containers)
	sort.Strings(names)
	return names
}

func (self *MemoryDatabase) Read(ctx context.Context, container string, ids []string) ([]json.RawMessage, []string, error) {
	c := self.container(container)
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	entities := []json.RawMessage{}
	notFound := []string{}
	for _, id := range ids {
		if entity, ok := c.entities[id]; ok {
			entities = append(entities, entity)
		} else {
			notFound = append(notFound, id)
		}
	}
	return entities, notFound, nil
}

// entities are returned in key order
func (self *MemoryDatabase) Query(ctx context.Context, container string, filter string, limit int, cursor string) (*QueryResult, error) {
	c := self.container(container)
	predicate := CompileFilter(filter)

	// cursors are mutated, so take the write lock
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	afterKey := ""
	if cursor != "" {
		var ok bool
		afterKey, ok = c.cursors[cursor]
		if !ok {
			return nil, fmt.Errorf("cursor not found: '%s'", cursor)
		}
		delete(c.cursors, cursor)
	}

	keys := maps.Keys(c.entities)
	sort.Strings(keys)
	result := &QueryResult{
		Entities: []json.RawMessage{},
	}
	for _, key := range keys {
		if cursor != "" && key <= afterKey {
			continue
		}
		entity := c.entities[key]
		if !predicate(entity) {
			continue
		}
		if 0 < limit && limit <= len(result.Entities) {
			nextCursor := NewId().String()
			c.cursors[nextCursor] = EntityKey(result.Entities[len(result.Entities)-1], self.keyName)
			result.Cursor = nextCursor
			break
		}
		result.Entities = append(result.Entities, entity)
	}
	return result, nil
}

func (self *MemoryDatabase) write(container string, entities []json.RawMessage, create bool) (*WriteResult, error) {
	c := self.container(container)
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	result := &WriteResult{}
	for _, entity := range entities {
		key := EntityKey(entity, self.keyName)
		if key == "" {
			result.Errors = append(result.Errors, &EntityError{
				Message: fmt.Sprintf("missing key field '%s'", self.keyName),
			})
			continue
		}
		if !json.Valid(entity) {
			result.Errors = append(result.Errors, &EntityError{
				Id:      key,
				Message: "invalid JSON",
			})
			continue
		}
		if _, ok := c.entities[key]; ok && create {
			result.Errors = append(result.Errors, &EntityError{
				Id:      key,
				Message: "entity already exists",
			})
			continue
		}
		c.entities[key] = entity
		result.Entities = append(result.Entities, entity)
		result.Keys = append(result.Keys, key)
	}
	return result, nil
}

func (self *MemoryDatabase) Create(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error) {
	return self.write(container, entities, true)
}

func (self *MemoryDatabase) Upsert(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error) {
	return self.write(container, entities, false)
}

func (self *MemoryDatabase) Merge(ctx context.Context, container string, patches []json.RawMessage) (*WriteResult, error) {
	c := self.container(container)
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	result := &WriteResult{}
	for _, patch := range patches {
		key := EntityKey(patch, self.keyName)
		entity, ok := c.entities[key]
		if !ok {
			result.Errors = append(result.Errors, &EntityError{
				Id:      key,
				Message: "entity not found",
			})
			continue
		}
		merged, err := MergePatch(entity, patch)
		if err != nil {
			result.Errors = append(result.Errors, &EntityError{
				Id:      key,
				Message: err.Error(),
			})
			continue
		}
		c.entities[key] = merged
		result.Entities = append(result.Entities, patch)
		result.Keys = append(result.Keys, key)
	}
	return result, nil
}

func (self *MemoryDatabase) Delete(ctx context.Context, container string, ids []string) (*WriteResult, error) {
	c := self.container(container)
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	result := &WriteResult{}
	for _, id := range ids {
		// deleting a missing entity succeeds
		delete(c.entities, id)
		result.Keys = append(result.Keys, id)
	}
	return result, nil
}

func (self *MemoryDatabase) CloseCursors(ctx context.Context, container string, cursors []string) (int, error) {
	c := self.container(container)
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if len(cursors) == 0 {
		c.cursors = map[string]string{}
		return 0, nil
	}
	for _, cursor := range cursors {
		delete(c.cursors, cursor)
	}
	return len(c.cursors), nil
}
