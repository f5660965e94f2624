package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/maps"
)

const (
	StdEchoCommand   = "std.Echo"
	StdClientCommand = "std.Client"
	StdStatsCommand  = "std.Stats"
)

type HubSettings struct {
	// used for requests without `database`
	DefaultDatabase string
	// requests with more tasks are answered with an error response
	MaxTasks int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		DefaultDatabase: "main",
		MaxTasks:        1024,
	}
}

// passed to command and message handlers
type CommandContext struct {
	Hub      *Hub
	Database Database
	ClientId string
	User     *AuthUser
}

// the result is marshalled to JSON. Return a `*TaskError` to choose the error kind.
type CommandHandler func(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error)

// called for every message task after it was authorized
type MessageHandler func(ctx context.Context, command *CommandContext, message *MessageEvent)

// Hub executes sync requests against its databases and feeds the changes and messages
// of every executed batch to the event dispatcher.
//
// Requests of the same client are executed in order, one at a time.
// Requests of different clients run concurrently and rely on the database locking.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostId    Id
	startTime time.Time
	stats     *Stats

	stateLock       sync.RWMutex
	databases       map[string]Database
	dispatcher      *EventDispatcher
	authenticator   Authenticator
	authorizer      Authorizer
	commandHandlers map[string]CommandHandler

	messageHandlers *CallbackList[MessageHandler]

	clientLocksMutex sync.Mutex
	clientLocks      map[string]*clientLock

	settings *HubSettings
}

type clientLock struct {
	mutex sync.Mutex
	refs  int
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:             cancelCtx,
		cancel:          cancel,
		hostId:          NewId(),
		startTime:       time.Now(),
		stats:           NewStats(),
		databases:       map[string]Database{},
		authenticator:   NewAnonymousAuthenticator(),
		authorizer:      AuthorizeAll(),
		commandHandlers: map[string]CommandHandler{},
		messageHandlers: NewCallbackList[MessageHandler](),
		clientLocks:     map[string]*clientLock{},
		settings:        settings,
	}
	hub.commandHandlers[StdEchoCommand] = stdEcho
	hub.commandHandlers[StdClientCommand] = stdClient
	hub.commandHandlers[StdStatsCommand] = stdStats
	return hub
}

func (self *Hub) HostId() Id {
	return self.hostId
}

func (self *Hub) StartTime() time.Time {
	return self.startTime
}

func (self *Hub) Stats() *Stats {
	return self.stats
}

func (self *Hub) AddDatabase(database Database) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.databases[database.Name()] = database
}

func (self *Hub) Database(name string) (Database, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if name == "" {
		name = self.settings.DefaultDatabase
	}
	database, ok := self.databases[name]
	return database, ok
}

func (self *Hub) DatabaseNames() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	names := maps.Keys(self.databases)
	sort.Strings(names)
	return names
}

// creates the event dispatcher with the hub stats. Subscriptions require a dispatcher.
func (self *Hub) EnableEvents(settings *EventSequencerSettings) *EventDispatcher {
	dispatcher := NewEventDispatcher(self.ctx, self.stats, settings)
	self.SetEventDispatcher(dispatcher)
	return dispatcher
}

func (self *Hub) SetEventDispatcher(dispatcher *EventDispatcher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dispatcher = dispatcher
}

func (self *Hub) EventDispatcher() *EventDispatcher {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.dispatcher
}

func (self *Hub) SetAuthenticator(authenticator Authenticator) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authenticator = authenticator
}

func (self *Hub) SetAuthorizer(authorizer Authorizer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authorizer = authorizer
}

func (self *Hub) AddCommandHandler(name string, handler CommandHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.commandHandlers[name] = handler
}

func (self *Hub) AddMessageHandler(handler MessageHandler) func() {
	return self.messageHandlers.Add(handler)
}

func (self *Hub) commandHandler(name string) (CommandHandler, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	handler, ok := self.commandHandlers[name]
	return handler, ok
}

func (self *Hub) auth() (Authenticator, Authorizer) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.authenticator, self.authorizer
}

// serializes the requests of one client
func (self *Hub) lockClient(clientId string) func() {
	self.clientLocksMutex.Lock()
	lock, ok := self.clientLocks[clientId]
	if !ok {
		lock = &clientLock{}
		self.clientLocks[clientId] = lock
	}
	lock.refs += 1
	self.clientLocksMutex.Unlock()

	lock.mutex.Lock()
	return func() {
		lock.mutex.Unlock()

		self.clientLocksMutex.Lock()
		defer self.clientLocksMutex.Unlock()
		lock.refs -= 1
		if lock.refs == 0 {
			delete(self.clientLocks, clientId)
		}
	}
}

// decodes and executes one request message.
// The request is nil if the message could not be decoded.
func (self *Hub) ExecuteMessage(ctx context.Context, message []byte) (*SyncRequest, *SyncResponse) {
	decoded, err := DecodeMessage(message)
	if err != nil {
		glog.Infof("[h]decode error = %s\n", err)
		return nil, &SyncResponse{
			Msg:     MessageTypeError,
			Message: fmt.Sprintf("invalid message: %s", err),
		}
	}
	request, ok := decoded.(*SyncRequest)
	if !ok {
		glog.Infof("[h]unexpected message %T\n", decoded)
		return nil, &SyncResponse{
			Msg:     MessageTypeError,
			Message: fmt.Sprintf("unexpected message: %s", messageType(decoded)),
		}
	}
	return request, self.ExecuteRequest(ctx, request)
}

func messageType(message any) MessageType {
	switch v := message.(type) {
	case *SyncResponse:
		return v.Msg
	case *EventMessage:
		return v.Msg
	default:
		return ""
	}
}

// subscriptions and `std.Client` require a durable client id
func requiresClientId(tasks []*SyncTask) bool {
	for _, task := range tasks {
		switch task.Task {
		case TaskKindSubscribeChanges, TaskKindSubscribeMessage:
			return true
		case TaskKindCommand:
			if task.Name == StdClientCommand {
				return true
			}
		}
	}
	return false
}

func (self *Hub) ExecuteRequest(ctx context.Context, request *SyncRequest) *SyncResponse {
	self.stats.Requests.Add(1)

	response := &SyncResponse{
		Msg:       MessageTypeResponse,
		RequestId: request.RequestId,
		ClientId:  request.ClientId,
	}

	database, ok := self.Database(request.Database)
	if !ok {
		response.Msg = MessageTypeError
		response.Message = fmt.Sprintf("database not found: '%s'", request.Database)
		return response
	}
	if 0 < self.settings.MaxTasks && self.settings.MaxTasks < len(request.Tasks) {
		response.Msg = MessageTypeError
		response.Message = fmt.Sprintf("too many tasks: %d (max %d)", len(request.Tasks), self.settings.MaxTasks)
		return response
	}

	clientId := request.ClientId
	if clientId == "" && requiresClientId(request.Tasks) {
		clientId = NewId().String()
		response.ClientId = clientId
		glog.V(1).Infof("[h]assign client id %s\n", clientId)
	}
	if clientId != "" {
		unlock := self.lockClient(clientId)
		defer unlock()
	}

	dispatcher := self.EventDispatcher()
	if request.Ack != nil && clientId != "" && dispatcher != nil {
		dispatcher.Sequencer().Acknowledge(clientId, *request.Ack)
	}

	authenticator, authorizer := self.auth()
	user, authErr := authenticator.Authenticate(request.UserId, request.Token)

	execution := &batchExecution{
		hub:        self,
		database:   database,
		dispatcher: dispatcher,
		command: &CommandContext{
			Hub:      self,
			Database: database,
			ClientId: clientId,
			User:     user,
		},
		events: &batchEvents{
			database:       database.Name(),
			sourceClientId: clientId,
		},
	}

	response.Tasks = make([]*SyncTaskResult, len(request.Tasks))
	for i, task := range request.Tasks {
		self.stats.Tasks.Add(1)
		var result *SyncTaskResult
		switch {
		case authErr != nil:
			result = taskErrorResult(authErr)
		case !authorizer.Authorize(user, database.Name(), task):
			result = taskErrorResult(errNotAuthorized(user.UserId))
		default:
			result = execution.executeTask(ctx, task)
		}
		if result.IsError() {
			self.stats.TaskErrors.Add(1)
			glog.V(2).Infof("[h]%s task %d %s error %s ~ %s\n", clientId, i, task.Task, result.Type, result.Message)
		}
		response.Tasks[i] = result
	}

	if dispatcher != nil {
		dispatcher.dispatch(execution.events)
	}
	return response
}

// attaches the connection to the client's event stream after a response was written
func (self *Hub) attachEvents(clientId string, receiver EventReceiver, ack *int64) {
	dispatcher := self.EventDispatcher()
	if dispatcher == nil || clientId == "" {
		return
	}
	sequencer := dispatcher.Sequencer()
	if !sequencer.Has(clientId) && dispatcher.Registry().ClientSubscriptionCount(clientId) == 0 {
		return
	}
	sequencer.Attach(clientId, receiver, ack)
}

func (self *Hub) detachEvents(receiver EventReceiver) {
	if dispatcher := self.EventDispatcher(); dispatcher != nil {
		dispatcher.Sequencer().DetachReceiver(receiver)
	}
}

// unacknowledged events for transports that piggyback events on responses
func (self *Hub) pendingEvents(clientId string, ack *int64) []*EventMessage {
	dispatcher := self.EventDispatcher()
	if dispatcher == nil || clientId == "" {
		return nil
	}
	return dispatcher.Sequencer().PendingEvents(clientId, ack)
}

func (self *Hub) Close() {
	self.cancel()
	if dispatcher := self.EventDispatcher(); dispatcher != nil {
		dispatcher.Close()
	}
}

func taskErrorResult(err error) *SyncTaskResult {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return NewTaskErrorResult(taskErr.Kind, taskErr.Message)
	}
	return NewTaskErrorResult(DatabaseError, err.Error())
}

func successResult() *SyncTaskResult {
	return &SyncTaskResult{
		Task: taskResultSuccess,
	}
}

// state of one request execution
type batchExecution struct {
	hub        *Hub
	database   Database
	dispatcher *EventDispatcher
	command    *CommandContext
	events     *batchEvents
}

// a panic fails only the task that raised it
func (self *batchExecution) executeTask(ctx context.Context, task *SyncTask) (result *SyncTaskResult) {
	HandleError(func() {
		result = self.execute(ctx, task)
	}, func(err error) {
		result = NewTaskErrorResult(UnhandledException, err.Error())
	})
	return
}

func (self *batchExecution) unsupported(task *SyncTask) *SyncTaskResult {
	return NewTaskErrorResult(InvalidTask, fmt.Sprintf("Invalid task: '%s'. Not supported by database: '%s'", task.Task, self.database.Name()))
}

func (self *batchExecution) databaseError(task *SyncTask, err error) *SyncTaskResult {
	if errors.Is(err, ErrTaskNotSupported) {
		return self.unsupported(task)
	}
	return taskErrorResult(err)
}

func (self *batchExecution) execute(ctx context.Context, task *SyncTask) *SyncTaskResult {
	if task.Task.IsWrite() {
		if task.Container == "" {
			return NewTaskErrorResult(InvalidTask, fmt.Sprintf("Invalid task: '%s'. missing 'cont'", task.Task))
		}
		return self.write(ctx, task)
	}
	switch task.Task {
	case TaskKindRead:
		return self.read(ctx, task)
	case TaskKindQuery:
		queryResult, err := self.database.Query(ctx, task.Container, task.Filter, task.Limit, task.Cursor)
		if err != nil {
			return self.databaseError(task, err)
		}
		result := successResult()
		result.Entities = queryResult.Entities
		result.Count = len(queryResult.Entities)
		result.Cursor = queryResult.Cursor
		return result
	case TaskKindMessage:
		return self.message(ctx, task)
	case TaskKindCommand:
		return self.runCommand(ctx, task)
	case TaskKindSubscribeChanges:
		return self.subscribeChanges(task)
	case TaskKindSubscribeMessage:
		return self.subscribeMessage(task)
	case TaskKindCloseCursors:
		count, err := self.database.CloseCursors(ctx, task.Container, task.Cursors)
		if err != nil {
			return self.databaseError(task, err)
		}
		result := successResult()
		result.Count = count
		return result
	default:
		return NewTaskErrorResult(InvalidTask, fmt.Sprintf("Invalid task: '%s'", task.Task))
	}
}

func (self *batchExecution) read(ctx context.Context, task *SyncTask) *SyncTaskResult {
	entities, notFound, err := self.database.Read(ctx, task.Container, task.Ids)
	if err != nil {
		return self.databaseError(task, err)
	}
	result := successResult()
	result.Entities = entities
	result.NotFound = notFound
	result.Count = len(entities)

	for _, relation := range task.Relations {
		keys := []string{}
		seen := map[string]bool{}
		for _, entity := range entities {
			key := gjson.GetBytes(entity, relation.Field).String()
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
		related, _, err := self.database.Read(ctx, relation.Container, keys)
		if err != nil {
			return self.databaseError(task, err)
		}
		result.Relations = append(result.Relations, &RelationResult{
			Container: relation.Container,
			Entities:  related,
		})
	}
	return result
}

func (self *batchExecution) write(ctx context.Context, task *SyncTask) *SyncTaskResult {
	var writeResult *WriteResult
	var err error
	switch task.Task {
	case TaskKindCreate:
		writeResult, err = self.database.Create(ctx, task.Container, task.Set)
	case TaskKindUpsert:
		writeResult, err = self.database.Upsert(ctx, task.Container, task.Set)
	case TaskKindMerge:
		writeResult, err = self.database.Merge(ctx, task.Container, task.Patches)
	case TaskKindDelete:
		writeResult, err = self.database.Delete(ctx, task.Container, task.Ids)
	}
	if err != nil {
		return self.databaseError(task, err)
	}

	changeKind, _ := task.Task.ChangeKind()
	change := &writeChange{
		kind:      changeKind,
		container: task.Container,
	}
	if changeKind == ChangeDelete {
		change.keys = writeResult.Keys
	} else {
		change.entities = writeResult.Entities
	}
	if 0 < len(change.entities) || 0 < len(change.keys) {
		self.events.changes = append(self.events.changes, change)
	}

	if 0 < len(writeResult.Errors) {
		result := NewTaskErrorResult(EntityErrors, fmt.Sprintf("%s failed for %d entities", task.Task, len(writeResult.Errors)))
		result.EntityErrors = writeResult.Errors
		result.Keys = writeResult.Keys
		return result
	}
	result := successResult()
	result.Keys = writeResult.Keys
	result.Count = len(writeResult.Keys)
	return result
}

func (self *batchExecution) message(ctx context.Context, task *SyncTask) *SyncTaskResult {
	if task.Name == "" {
		return NewTaskErrorResult(InvalidTask, "Invalid task: 'message'. missing 'name'")
	}
	message := &MessageEvent{
		Name:  task.Name,
		Param: task.Param,
	}
	for _, handler := range self.hub.messageHandlers.Get() {
		HandleError(func() {
			handler(ctx, self.command, message)
		})
	}
	self.events.messages = append(self.events.messages, message)
	return successResult()
}

func (self *batchExecution) runCommand(ctx context.Context, task *SyncTask) *SyncTaskResult {
	handler, ok := self.hub.commandHandler(task.Name)
	if !ok {
		return NewTaskErrorResult(InvalidTask, fmt.Sprintf("no command handler for: '%s'", task.Name))
	}
	value, err := handler(ctx, self.command, task.Param)
	if err != nil {
		var taskErr *TaskError
		if errors.As(err, &taskErr) {
			return NewTaskErrorResult(taskErr.Kind, taskErr.Message)
		}
		return NewTaskErrorResult(CommandError, err.Error())
	}
	result := successResult()
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return NewTaskErrorResult(CommandError, fmt.Sprintf("command result: %s", err))
		}
		result.Result = b
	}
	return result
}

func (self *batchExecution) noDispatcher(task *SyncTask) *SyncTaskResult {
	return NewTaskErrorResult(InvalidTask, fmt.Sprintf("Invalid task: '%s'. Hub has no EventDispatcher configured", task.Task))
}

func (self *batchExecution) subscribeChanges(task *SyncTask) *SyncTaskResult {
	if self.dispatcher == nil {
		return self.noDispatcher(task)
	}
	if task.Container == "" {
		return NewTaskErrorResult(InvalidTask, "Invalid task: 'subscribeChanges'. missing 'cont'")
	}
	clientId := self.command.ClientId
	registry := self.dispatcher.Registry()
	if registry.SubscribeChanges(clientId, self.database.Name(), task.Container, task.Changes, task.Filter) {
		glog.V(1).Infof("[h]%s subscribe changes %s/%s %v\n", clientId, self.database.Name(), task.Container, task.Changes)
	}
	self.dispatcher.subscriptionsChanged(clientId)
	result := successResult()
	result.Count = registry.ClientSubscriptionCount(clientId)
	result.Seq = self.dispatcher.Sequencer().ResendBase(clientId)
	return result
}

func (self *batchExecution) subscribeMessage(task *SyncTask) *SyncTaskResult {
	if self.dispatcher == nil {
		return self.noDispatcher(task)
	}
	if task.Name == "" {
		return NewTaskErrorResult(InvalidTask, "Invalid task: 'subscribeMessage'. missing 'name'")
	}
	clientId := self.command.ClientId
	registry := self.dispatcher.Registry()
	if task.Remove {
		removed := registry.UnsubscribeMessage(clientId, self.database.Name(), task.Name)
		glog.V(1).Infof("[h]%s unsubscribe message %s/%s removed=%d\n", clientId, self.database.Name(), task.Name, removed)
	} else if registry.SubscribeMessage(clientId, self.database.Name(), task.Name) {
		glog.V(1).Infof("[h]%s subscribe message %s/%s\n", clientId, self.database.Name(), task.Name)
	}
	self.dispatcher.subscriptionsChanged(clientId)
	result := successResult()
	result.Count = registry.ClientSubscriptionCount(clientId)
	result.Seq = self.dispatcher.Sequencer().ResendBase(clientId)
	return result
}

func stdEcho(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
	if len(param) == 0 {
		return nil, nil
	}
	return param, nil
}

type StdClientParam struct {
	QueueEvents *bool `json:"queueEvents,omitempty"`
}

type StdClientResult struct {
	ClientId    string `json:"clientId"`
	QueueEvents bool   `json:"queueEvents"`
}

func stdClient(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
	clientParam := &StdClientParam{}
	if 0 < len(param) {
		if err := json.Unmarshal(param, clientParam); err != nil {
			return nil, fmt.Errorf("invalid param: %w", err)
		}
	}
	result := &StdClientResult{
		ClientId: command.ClientId,
	}
	if clientParam.QueueEvents == nil {
		return result, nil
	}
	dispatcher := command.Hub.EventDispatcher()
	if dispatcher == nil {
		return nil, NewTaskError(CommandError, "Hub has no EventDispatcher configured. 'queueEvents' requires an EventDispatcher")
	}
	dispatcher.Sequencer().SetQueueEvents(command.ClientId, *clientParam.QueueEvents)
	result.QueueEvents = *clientParam.QueueEvents
	return result, nil
}

type StdStatsResult struct {
	HostId    string              `json:"hostId"`
	StartTime time.Time           `json:"startTime"`
	Databases []string            `json:"databases"`
	Stats     *StatsSnapshot      `json:"stats"`
	Clients   []*ClientEventsInfo `json:"clients,omitempty"`
}

func stdStats(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
	hub := command.Hub
	result := &StdStatsResult{
		HostId:    hub.HostId().String(),
		StartTime: hub.StartTime(),
		Databases: hub.DatabaseNames(),
		Stats:     hub.Stats().Snapshot(),
	}
	if dispatcher := hub.EventDispatcher(); dispatcher != nil {
		result.Clients = dispatcher.Sequencer().Clients()
	}
	return result, nil
}
