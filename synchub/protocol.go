package synchub

import (
	"encoding/json"
	"fmt"
)

// JSON envelope shared by all transports
// requests and responses are correlated by `req`, events carry their own `seq`

type MessageType string

const (
	MessageTypeSync     MessageType = "sync"
	MessageTypeResponse MessageType = "resp"
	MessageTypeError    MessageType = "error"
	MessageTypeEvent    MessageType = "ev"
)

type TaskKind string

const (
	TaskKindRead             TaskKind = "read"
	TaskKindQuery            TaskKind = "query"
	TaskKindCreate           TaskKind = "create"
	TaskKindUpsert           TaskKind = "upsert"
	TaskKindMerge            TaskKind = "merge"
	TaskKindDelete           TaskKind = "delete"
	TaskKindMessage          TaskKind = "message"
	TaskKindCommand          TaskKind = "command"
	TaskKindSubscribeChanges TaskKind = "subscribeChanges"
	TaskKindSubscribeMessage TaskKind = "subscribeMessage"
	TaskKindCloseCursors     TaskKind = "closeCursors"
)

func (self TaskKind) IsWrite() bool {
	switch self {
	case TaskKindCreate, TaskKindUpsert, TaskKindMerge, TaskKindDelete:
		return true
	default:
		return false
	}
}

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpsert ChangeKind = "upsert"
	ChangeMerge  ChangeKind = "merge"
	ChangeDelete ChangeKind = "delete"
)

var AllChanges = []ChangeKind{ChangeCreate, ChangeUpsert, ChangeMerge, ChangeDelete}

func (self TaskKind) ChangeKind() (ChangeKind, bool) {
	switch self {
	case TaskKindCreate:
		return ChangeCreate, true
	case TaskKindUpsert:
		return ChangeUpsert, true
	case TaskKindMerge:
		return ChangeMerge, true
	case TaskKindDelete:
		return ChangeDelete, true
	default:
		return "", false
	}
}

type TaskErrorKind string

const (
	// credentials missing, invalid or insufficient
	PermissionDenied TaskErrorKind = "PermissionDenied"
	// task not supported by the target database
	InvalidTask        TaskErrorKind = "InvalidTask"
	CommandError       TaskErrorKind = "CommandError"
	DatabaseError      TaskErrorKind = "DatabaseError"
	EntityErrors       TaskErrorKind = "EntityErrors"
	UnhandledException TaskErrorKind = "UnhandledException"
	// connection or protocol failure of the whole batch
	SyncError TaskErrorKind = "SyncError"
	Timeout   TaskErrorKind = "Timeout"
)

// `read` relation of a read task
type RelationRef struct {
	Container string `json:"cont"`
	// entity field holding the key of the related entity
	Field string `json:"ref"`
}

type SyncTask struct {
	Task      TaskKind          `json:"task"`
	Container string            `json:"cont,omitempty"`
	Ids       []string          `json:"ids,omitempty"`
	Set       []json.RawMessage `json:"set,omitempty"`
	Patches   []json.RawMessage `json:"patches,omitempty"`
	// query and subscription filter
	Filter    string         `json:"filter,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
	Cursors   []string       `json:"cursors,omitempty"`
	Relations []*RelationRef `json:"relations,omitempty"`
	// message or command name. subscribeMessage accepts `*` and `prefix*`
	Name    string          `json:"name,omitempty"`
	Param   json.RawMessage `json:"param,omitempty"`
	Changes []ChangeKind    `json:"changes,omitempty"`
	Remove  bool            `json:"remove,omitempty"`
}

type EntityError struct {
	Id      string `json:"id"`
	Message string `json:"message"`
}

type RelationResult struct {
	Container string            `json:"cont"`
	Entities  []json.RawMessage `json:"entities"`
}

type SyncTaskResult struct {
	// "result" or "error"
	Task      string            `json:"task"`
	Entities  []json.RawMessage `json:"entities,omitempty"`
	Keys      []string          `json:"keys,omitempty"`
	NotFound  []string          `json:"notFound,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Count     int               `json:"count,omitempty"`
	Cursor    string            `json:"cursor,omitempty"`
	Relations []*RelationResult `json:"relations,omitempty"`
	// subscriptions: events with sequence at or below are never resent
	Seq int64 `json:"seq,omitempty"`

	Type         TaskErrorKind  `json:"type,omitempty"`
	Message      string         `json:"message,omitempty"`
	EntityErrors []*EntityError `json:"entityErrors,omitempty"`
}

const (
	taskResultSuccess = "result"
	taskResultError   = "error"
)

func NewTaskErrorResult(kind TaskErrorKind, message string) *SyncTaskResult {
	return &SyncTaskResult{
		Task:    taskResultError,
		Type:    kind,
		Message: message,
	}
}

func (self *SyncTaskResult) IsError() bool {
	return self.Task == taskResultError
}

type SyncRequest struct {
	Msg       MessageType `json:"msg"`
	RequestId int64       `json:"req"`
	// highest event sequence the client has applied
	Ack      *int64      `json:"ack,omitempty"`
	ClientId string      `json:"clt,omitempty"`
	UserId   string      `json:"user,omitempty"`
	Token    string      `json:"token,omitempty"`
	Database string      `json:"database,omitempty"`
	Tasks    []*SyncTask `json:"tasks"`
}

type SyncResponse struct {
	Msg       MessageType       `json:"msg"`
	RequestId int64             `json:"req"`
	ClientId  string            `json:"clt,omitempty"`
	Tasks     []*SyncTaskResult `json:"tasks,omitempty"`
	// set for `error` responses
	Message string `json:"message,omitempty"`
	// events piggybacked on the response by transports without a push channel
	Events []*EventMessage `json:"ev,omitempty"`
}

type ContainerChanges struct {
	Container string            `json:"cont"`
	Creates   []json.RawMessage `json:"creates,omitempty"`
	Upserts   []json.RawMessage `json:"upserts,omitempty"`
	Merges    []json.RawMessage `json:"merges,omitempty"`
	Deletes   []string          `json:"deletes,omitempty"`
}

type ChangeCounts struct {
	Creates int
	Upserts int
	Deletes int
	Merges  int
}

func (self ChangeCounts) String() string {
	return fmt.Sprintf("creates: %d, upserts: %d, deletes: %d, merges: %d", self.Creates, self.Upserts, self.Deletes, self.Merges)
}

func (self *ContainerChanges) Counts() ChangeCounts {
	return ChangeCounts{
		Creates: len(self.Creates),
		Upserts: len(self.Upserts),
		Deletes: len(self.Deletes),
		Merges:  len(self.Merges),
	}
}

func (self *ContainerChanges) IsEmpty() bool {
	return len(self.Creates) == 0 && len(self.Upserts) == 0 && len(self.Merges) == 0 && len(self.Deletes) == 0
}

type MessageEvent struct {
	Name  string          `json:"name"`
	Param json.RawMessage `json:"param,omitempty"`
}

type EventMessage struct {
	Msg      MessageType `json:"msg"`
	ClientId string      `json:"clt"`
	Seq      int64       `json:"seq"`
	// the event echoes a change of the receiving client
	IsOrigin bool   `json:"isOrigin,omitempty"`
	Database string `json:"database,omitempty"`
	// client id of the client that caused the event
	SourceId string              `json:"src,omitempty"`
	Changes  []*ContainerChanges `json:"changes,omitempty"`
	Messages []*MessageEvent     `json:"messages,omitempty"`
}
