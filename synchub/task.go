package synchub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

const DefaultKeyName = "id"

type taskState int

const (
	taskCreated taskState = iota
	taskPending
	taskSent
	taskResolved
)

type TaskFunction func(task *Task)

// Task is the client handle of one requested operation.
// A task belongs to exactly one batch and is never reused after the batch is sent.
type Task struct {
	mutex sync.Mutex

	syncTask *SyncTask
	keyName  string

	state  taskState
	result *SyncTaskResult
	err    *TaskError
	done   chan struct{}

	onComplete *CallbackList[TaskFunction]

	// set for tasks created with `ReadRelation`
	parent        *Task
	relationIndex int
	relations     []*Task
}

func newTask(syncTask *SyncTask) *Task {
	return &Task{
		syncTask:   syncTask,
		keyName:    DefaultKeyName,
		state:      taskCreated,
		done:       make(chan struct{}),
		onComplete: NewCallbackList[TaskFunction](),
	}
}

// wraps a task decoded from the wire format
func NewTaskFromSyncTask(syncTask *SyncTask) *Task {
	return newTask(syncTask)
}

func NewReadTask(container string, ids ...string) *Task {
	return newTask(&SyncTask{
		Task:      TaskKindRead,
		Container: container,
		Ids:       ids,
	})
}

// the filter is a gjson query condition, e.g. `age>30` or `name%"A*"`. An empty filter selects all entities.
func NewQueryTask(container string, filter string) *Task {
	return newTask(&SyncTask{
		Task:      TaskKindQuery,
		Container: container,
		Filter:    filter,
	})
}

// continues a query with a cursor returned by a previous query of the same filter
func NewQueryTaskWithCursor(container string, filter string, limit int, cursor string) *Task {
	return newTask(&SyncTask{
		Task:      TaskKindQuery,
		Container: container,
		Filter:    filter,
		Limit:     limit,
		Cursor:    cursor,
	})
}

func NewCreateTask(container string, entities ...any) (*Task, error) {
	return newWriteTask(TaskKindCreate, container, entities)
}

func NewUpsertTask(container string, entities ...any) (*Task, error) {
	return newWriteTask(TaskKindUpsert, container, entities)
}

// each patch is a partial entity including its key
func NewMergeTask(container string, patches ...any) (*Task, error) {
	values, err := marshalValues(patches)
	if err != nil {
		return nil, err
	}
	return newTask(&SyncTask{
		Task:      TaskKindMerge,
		Container: container,
		Patches:   values,
	}), nil
}

func NewDeleteTask(container string, ids ...string) *Task {
	return newTask(&SyncTask{
		Task:      TaskKindDelete,
		Container: container,
		Ids:       ids,
	})
}

func NewMessageTask(name string, param any) (*Task, error) {
	return newNamedTask(TaskKindMessage, name, param)
}

func NewCommandTask(name string, param any) (*Task, error) {
	return newNamedTask(TaskKindCommand, name, param)
}

// an empty `changes` list removes the subscription of the container
func NewSubscribeChangesTask(container string, changes []ChangeKind, filter string) *Task {
	if changes == nil {
		changes = []ChangeKind{}
	}
	return newTask(&SyncTask{
		Task:      TaskKindSubscribeChanges,
		Container: container,
		Changes:   changes,
		Filter:    filter,
	})
}

// `name` may be `*` or a prefix pattern `prefix*`
func NewSubscribeMessageTask(name string, remove bool) *Task {
	return newTask(&SyncTask{
		Task:   TaskKindSubscribeMessage,
		Name:   name,
		Remove: remove,
	})
}

// no cursors closes all cursors of the container
func NewCloseCursorsTask(container string, cursors ...string) *Task {
	return newTask(&SyncTask{
		Task:      TaskKindCloseCursors,
		Container: container,
		Cursors:   cursors,
	})
}

func newWriteTask(kind TaskKind, container string, entities []any) (*Task, error) {
	values, err := marshalValues(entities)
	if err != nil {
		return nil, err
	}
	return newTask(&SyncTask{
		Task:      kind,
		Container: container,
		Set:       values,
	}), nil
}

func newNamedTask(kind TaskKind, name string, param any) (*Task, error) {
	var paramJson json.RawMessage
	if param != nil {
		var err error
		paramJson, err = marshalValue(param)
		if err != nil {
			return nil, err
		}
	}
	return newTask(&SyncTask{
		Task:  kind,
		Name:  name,
		Param: paramJson,
	}), nil
}

func marshalValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

func marshalValues(values []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		b, err := marshalValue(value)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// adds a read of the entities referenced by `field` to this read task.
// Fails when the read was already handed to `SyncTasks()`.
func (self *Task) ReadRelation(container string, field string) (*Task, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.syncTask == nil || self.syncTask.Task != TaskKindRead {
		return nil, fmt.Errorf("ReadRelation() requires a read task. was: %s", self)
	}
	if taskSent <= self.state {
		return nil, ErrTaskAlreadyExecuted
	}

	relation := newTask(nil)
	relation.keyName = self.keyName
	relation.parent = self
	relation.relationIndex = len(self.relations)
	relation.state = self.state
	self.relations = append(self.relations, relation)
	self.syncTask.Relations = append(self.syncTask.Relations, &RelationRef{
		Container: container,
		Field:     field,
	})
	return relation, nil
}

func (self *Task) Kind() TaskKind {
	if self.parent != nil {
		return TaskKindRead
	}
	return self.syncTask.Task
}

func (self *Task) Container() string {
	if self.parent != nil {
		return self.parent.syncTask.Relations[self.relationIndex].Container
	}
	return self.syncTask.Container
}

func (self *Task) Name() string {
	if self.syncTask == nil {
		return ""
	}
	return self.syncTask.Name
}

func (self *Task) String() string {
	switch kind := self.Kind(); kind {
	case TaskKindMessage, TaskKindCommand, TaskKindSubscribeMessage:
		return fmt.Sprintf("%s (name: %s)", kind, self.Name())
	default:
		return fmt.Sprintf("%s (container: %s)", kind, self.Container())
	}
}

// adds a continuation called after the task resolved
func (self *Task) OnComplete(callback TaskFunction) {
	self.onComplete.Add(callback)
}

// closed when the task resolved
func (self *Task) Done() <-chan struct{} {
	return self.done
}

func (self *Task) markPending(keyName string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.parent != nil || self.state != taskCreated {
		return ErrTaskAlreadyExecuted
	}
	self.state = taskPending
	self.keyName = keyName
	for _, relation := range self.relations {
		relation.keyName = keyName
	}
	return nil
}

func (self *Task) markSent() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.state = taskSent
}

// resolves the task and its relations. Returns false if already resolved.
func (self *Task) resolve(result *SyncTaskResult, taskErr *TaskError) bool {
	self.mutex.Lock()
	if self.state == taskResolved {
		self.mutex.Unlock()
		return false
	}
	self.state = taskResolved
	self.result = result
	self.err = taskErr
	relations := self.relations
	self.mutex.Unlock()

	for i, relation := range relations {
		var relationResult *SyncTaskResult
		if taskErr == nil && result != nil {
			if i < len(result.Relations) {
				relationResult = &SyncTaskResult{
					Task:     taskResultSuccess,
					Entities: result.Relations[i].Entities,
				}
			} else {
				relationResult = &SyncTaskResult{Task: taskResultSuccess}
			}
		}
		relation.resolve(relationResult, taskErr)
	}

	close(self.done)
	return true
}

func (self *Task) complete() {
	for _, callback := range self.onComplete.Get() {
		HandleError(func() {
			callback(self)
		})
	}
}

func (self *Task) resolved() (*SyncTaskResult, *TaskError, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.state != taskResolved {
		return nil, nil, ErrTaskNotSynced
	}
	return self.result, self.err, nil
}

func (self *Task) IsResolved() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == taskResolved
}

func (self *Task) Success() bool {
	_, taskErr, err := self.resolved()
	return err == nil && taskErr == nil
}

// the raw result of a resolved task. nil for failed tasks.
func (self *Task) SyncResult() *SyncTaskResult {
	result, _, _ := self.resolved()
	return result
}

// nil if the task succeeded or is not resolved
func (self *Task) Err() *TaskError {
	_, taskErr, _ := self.resolved()
	return taskErr
}

func (self *Task) successResult() (*SyncTaskResult, error) {
	result, taskErr, err := self.resolved()
	if err != nil {
		return nil, err
	}
	if taskErr != nil {
		return nil, taskErr
	}
	return result, nil
}

// entities by key of a read, query or relation
func (self *Task) Entities() (map[string]json.RawMessage, error) {
	result, err := self.successResult()
	if err != nil {
		return nil, err
	}
	entities := map[string]json.RawMessage{}
	for _, entity := range result.Entities {
		entities[EntityKey(entity, self.keyName)] = entity
	}
	return entities, nil
}

// entities in hub order
func (self *Task) EntityList() ([]json.RawMessage, error) {
	result, err := self.successResult()
	if err != nil {
		return nil, err
	}
	return result.Entities, nil
}

// ids of a read that have no entity
func (self *Task) NotFound() ([]string, error) {
	result, err := self.successResult()
	if err != nil {
		return nil, err
	}
	return result.NotFound, nil
}

// keys written by a create, upsert, merge or delete
func (self *Task) Keys() ([]string, error) {
	result, err := self.successResult()
	if err != nil {
		return nil, err
	}
	return result.Keys, nil
}

// command result
func (self *Task) Result() (json.RawMessage, error) {
	result, err := self.successResult()
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

// query count and cursor. An empty cursor means the query is complete.
func (self *Task) Count() (int, error) {
	result, err := self.successResult()
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (self *Task) Cursor() (string, error) {
	result, err := self.successResult()
	if err != nil {
		return "", err
	}
	return result.Cursor, nil
}

func EntitiesAs[T any](task *Task) (map[string]T, error) {
	entities, err := task.Entities()
	if err != nil {
		return nil, err
	}
	out := map[string]T{}
	for key, entity := range entities {
		var value T
		if err := json.Unmarshal(entity, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func ResultAs[T any](task *Task) (T, error) {
	var value T
	result, err := task.Result()
	if err != nil {
		return value, err
	}
	if len(result) == 0 {
		return value, nil
	}
	err = json.Unmarshal(result, &value)
	return value, err
}

// the key of an entity is the string value of its key field
func EntityKey(entity json.RawMessage, keyName string) string {
	return gjson.GetBytes(entity, gjson.Escape(keyName)).String()
}
