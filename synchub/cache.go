package synchub

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// comparable
type EntityRef struct {
	Container string
	Key       string
}

// Cache is the client side arena of entities keyed by (container, key).
// Relations between entities are key references resolved by lookup.
type Cache struct {
	mutex    sync.Mutex
	keyName  string
	entities map[EntityRef]json.RawMessage
}

func NewCache(keyName string) *Cache {
	return &Cache{
		keyName:  keyName,
		entities: map[EntityRef]json.RawMessage{},
	}
}

func (self *Cache) Get(container string, key string) (json.RawMessage, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entity, ok := self.entities[EntityRef{Container: container, Key: key}]
	return entity, ok
}

// follows the key reference in `field` of the cached entity
func (self *Cache) GetRelation(container string, key string, field string, relationContainer string) (json.RawMessage, bool) {
	entity, ok := self.Get(container, key)
	if !ok {
		return nil, false
	}
	ref := gjson.GetBytes(entity, field)
	if !ref.Exists() {
		return nil, false
	}
	return self.Get(relationContainer, ref.String())
}

func (self *Cache) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entities)
}

func (self *Cache) Set(container string, entities ...json.RawMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, entity := range entities {
		key := EntityKey(entity, self.keyName)
		if key == "" {
			continue
		}
		self.entities[EntityRef{Container: container, Key: key}] = entity
	}
}

func (self *Cache) Delete(container string, keys ...string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, key := range keys {
		delete(self.entities, EntityRef{Container: container, Key: key})
	}
}

// applies the top level fields of each patch to the cached entity.
// Patches of entities not in the cache are ignored.
func (self *Cache) Merge(container string, patches ...json.RawMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, patch := range patches {
		ref := EntityRef{Container: container, Key: EntityKey(patch, self.keyName)}
		entity, ok := self.entities[ref]
		if !ok {
			continue
		}
		merged, err := MergePatch(entity, patch)
		if err != nil {
			glog.Infof("[cache]merge %s/%s error = %s\n", ref.Container, ref.Key, err)
			continue
		}
		self.entities[ref] = merged
	}
}

func (self *Cache) ApplyChanges(changes *ContainerChanges) {
	self.Set(changes.Container, changes.Creates...)
	self.Set(changes.Container, changes.Upserts...)
	self.Merge(changes.Container, changes.Merges...)
	self.Delete(changes.Container, changes.Deletes...)
}

// sets each top level field of the patch on the entity
func MergePatch(entity json.RawMessage, patch json.RawMessage) (json.RawMessage, error) {
	merged := []byte(entity)
	var err error
	gjson.ParseBytes(patch).ForEach(func(field gjson.Result, value gjson.Result) bool {
		merged, err = sjson.SetRawBytes(merged, gjson.Escape(field.String()), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(merged), nil
}
