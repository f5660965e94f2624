package synchub

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	Database string
	UserId   string
	Token    string
	// resumes the durable id of an earlier session. Empty until the hub assigns one.
	ClientId string
	// the last applied event sequence of the resumed client id
	LastSeq int64
	KeyName string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		KeyName: DefaultKeyName,
	}
}

type ChangesFunction func(event *EventMessage, changes *ContainerChanges)

type MessageFunction func(event *EventMessage, message *MessageEvent)

type EventFunction func(event *EventMessage)

// Client accumulates tasks and sends them as batches with `SyncTasks`.
// Batches may be pipelined: each call detaches the pending tasks into its own request
// and returns immediately. Results, cache updates and events are applied on the
// channel receive goroutine, so callbacks must not wait for another batch.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	channel  *Channel
	cache    *Cache
	settings *ClientSettings

	mutex   sync.Mutex
	pending []*Task

	stateLock         sync.Mutex
	clientId          string
	lastSeq           int64
	subscriptionCount int
	// the hub cleared the event buffer. The next sequence may skip.
	resetSeq        bool
	changeHandlers  map[string]ChangesFunction
	messageHandlers map[string]MessageFunction

	eventCallbacks *CallbackList[EventFunction]
	eventMonitor   *Monitor
}

func NewClientWithDefaults(ctx context.Context, channel *Channel) *Client {
	return NewClient(ctx, channel, DefaultClientSettings())
}

func NewClient(ctx context.Context, channel *Channel, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	keyName := settings.KeyName
	if keyName == "" {
		keyName = DefaultKeyName
	}
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		channel:         channel,
		cache:           NewCache(keyName),
		settings:        settings,
		pending:         []*Task{},
		clientId:        settings.ClientId,
		lastSeq:         settings.LastSeq,
		changeHandlers:  map[string]ChangesFunction{},
		messageHandlers: map[string]MessageFunction{},
		eventCallbacks:  NewCallbackList[EventFunction](),
		eventMonitor:    NewMonitor(),
	}
	channel.addClient(client)
	if client.clientId != "" {
		channel.setClientId(client, client.clientId)
	}
	return client
}

func (self *Client) keyName() string {
	return self.cache.keyName
}

func (self *Client) Cache() *Cache {
	return self.cache
}

func (self *Client) ClientId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.clientId
}

func (self *Client) setClientId(clientId string) {
	self.stateLock.Lock()
	changed := self.clientId != clientId
	self.clientId = clientId
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[c]client id %s\n", clientId)
		self.channel.setClientId(self, clientId)
	}
}

// the highest applied event sequence
func (self *Client) LastSeq() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSeq
}

// adds the task to the pending batch. Fails with `ErrTaskAlreadyExecuted` for a task
// that is already part of a batch.
func (self *Client) AddTask(task *Task) (*Task, error) {
	if err := task.markPending(self.keyName()); err != nil {
		return nil, err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = append(self.pending, task)
	return task, nil
}

func (self *Client) PendingTasks() []*Task {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	tasks := make([]*Task, len(self.pending))
	copy(tasks, self.pending)
	return tasks
}

// detaches the pending tasks into one batch and sends it. The pending list is empty
// when this returns. An empty pending list sends an empty batch, which carries the ack.
func (self *Client) SyncTasks() *SyncHandle {
	self.mutex.Lock()
	tasks := self.pending
	self.pending = []*Task{}
	self.mutex.Unlock()

	return self.send(tasks)
}

func (self *Client) send(tasks []*Task) *SyncHandle {
	syncTasks := make([]*SyncTask, 0, len(tasks))
	for _, task := range tasks {
		task.markSent()
		syncTasks = append(syncTasks, task.syncTask)
	}
	request := &SyncRequest{
		Msg:      MessageTypeSync,
		UserId:   self.settings.UserId,
		Token:    self.settings.Token,
		Database: self.settings.Database,
		Tasks:    syncTasks,
	}
	self.stateLock.Lock()
	request.ClientId = self.clientId
	if self.clientId != "" {
		ack := self.lastSeq
		request.Ack = &ack
	}
	self.stateLock.Unlock()

	handle := newSyncHandle(tasks)
	self.channel.enqueue(&pendingBatch{
		client:  self,
		request: request,
		tasks:   tasks,
		handle:  handle,
	})
	return handle
}

// strict sync of the pending tasks
func (self *Client) Sync(ctx context.Context) (*SyncResult, error) {
	return self.SyncTasks().Wait(ctx)
}

// non-strict sync of the pending tasks. Task failures are reported in the result.
func (self *Client) TrySyncTasks(ctx context.Context) (*SyncResult, error) {
	return self.SyncTasks().TryWait(ctx)
}

// sends an empty batch with the current ack. The hub resends events after the ack.
// The pending tasks are not touched.
func (self *Client) sendAck() *SyncHandle {
	return self.send([]*Task{})
}

func (self *Client) mustAdd(task *Task) *Task {
	// new tasks are always in the created state
	if _, err := self.AddTask(task); err != nil {
		panic(err)
	}
	return task
}

func (self *Client) Read(container string, ids ...string) *Task {
	return self.mustAdd(NewReadTask(container, ids...))
}

func (self *Client) Query(container string, filter string) *Task {
	return self.mustAdd(NewQueryTask(container, filter))
}

func (self *Client) QueryWithCursor(container string, filter string, limit int, cursor string) *Task {
	return self.mustAdd(NewQueryTaskWithCursor(container, filter, limit, cursor))
}

func (self *Client) Create(container string, entities ...any) (*Task, error) {
	task, err := NewCreateTask(container, entities...)
	if err != nil {
		return nil, err
	}
	return self.AddTask(task)
}

func (self *Client) Upsert(container string, entities ...any) (*Task, error) {
	task, err := NewUpsertTask(container, entities...)
	if err != nil {
		return nil, err
	}
	return self.AddTask(task)
}

func (self *Client) Merge(container string, patches ...any) (*Task, error) {
	task, err := NewMergeTask(container, patches...)
	if err != nil {
		return nil, err
	}
	return self.AddTask(task)
}

func (self *Client) Delete(container string, ids ...string) *Task {
	return self.mustAdd(NewDeleteTask(container, ids...))
}

func (self *Client) SendMessage(name string, param any) (*Task, error) {
	task, err := NewMessageTask(name, param)
	if err != nil {
		return nil, err
	}
	return self.AddTask(task)
}

func (self *Client) SendCommand(name string, param any) (*Task, error) {
	task, err := NewCommandTask(name, param)
	if err != nil {
		return nil, err
	}
	return self.AddTask(task)
}

// keeps events in the hub buffer while the client is disconnected
func (self *Client) QueueEvents(queueEvents bool) *Task {
	task, err := NewCommandTask(StdClientCommand, &StdClientParam{QueueEvents: &queueEvents})
	if err != nil {
		panic(err)
	}
	return self.mustAdd(task)
}

func (self *Client) CloseCursors(container string, cursors ...string) *Task {
	return self.mustAdd(NewCloseCursorsTask(container, cursors...))
}

// the handler replaces an earlier handler of the container
func (self *Client) SubscribeChanges(container string, changes []ChangeKind, filter string, handler ChangesFunction) *Task {
	self.stateLock.Lock()
	if handler != nil {
		self.changeHandlers[container] = handler
	}
	self.stateLock.Unlock()
	return self.mustAdd(NewSubscribeChangesTask(container, changes, filter))
}

func (self *Client) UnsubscribeChanges(container string) *Task {
	self.stateLock.Lock()
	delete(self.changeHandlers, container)
	self.stateLock.Unlock()
	return self.mustAdd(NewSubscribeChangesTask(container, []ChangeKind{}, ""))
}

// `name` may be `*` or `prefix*`
func (self *Client) SubscribeMessage(name string, handler MessageFunction) *Task {
	self.stateLock.Lock()
	if handler != nil {
		self.messageHandlers[name] = handler
	}
	self.stateLock.Unlock()
	return self.mustAdd(NewSubscribeMessageTask(name, false))
}

// `*` and `prefix*` remove by pattern
func (self *Client) UnsubscribeMessage(name string) *Task {
	self.stateLock.Lock()
	for pattern := range self.messageHandlers {
		if MatchPattern(name, pattern) {
			delete(self.messageHandlers, pattern)
		}
	}
	self.stateLock.Unlock()
	return self.mustAdd(NewSubscribeMessageTask(name, true))
}

// called with every applied event
func (self *Client) AddEventCallback(callback EventFunction) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *Client) setSubscriptionCount(count int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscriptionCount = count
	if count == 0 {
		self.resetSeq = true
	}
}

// aligns the applied sequence with the hub. `ack` is the sequence sent with the request.
// A base below the ack means the hub restarted the sequence of the client id.
// A base above it means the events in between can no longer be resent.
func (self *Client) setResendBase(ack *int64, base int64) {
	var sentAck int64
	if ack != nil {
		sentAck = *ack
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	switch {
	case base < sentAck:
		glog.Infof("[c]%s hub sequence restarted at %d. ack=%d\n", self.clientId, base, sentAck)
		self.lastSeq = base
	case sentAck < base && self.lastSeq < base:
		glog.Infof("[c]%s events %d-%d lost\n", self.clientId, self.lastSeq+1, base)
		self.lastSeq = base
	}
}

func (self *Client) hasSubscriptions() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.subscriptionCount || 0 < len(self.changeHandlers) || 0 < len(self.messageHandlers)
}

// resends the ack after the channel reconnected so the hub resends missed events
func (self *Client) reconnected() {
	if self.ClientId() == "" || !self.hasSubscriptions() {
		return
	}
	glog.V(1).Infof("[c]%s reconnected. ack=%d\n", self.ClientId(), self.LastSeq())
	self.sendAck()
}

// applies events in sequence order. Repeated sequences are ignored. A gap drops the
// event and asks the hub to resend after the last applied sequence.
func (self *Client) applyEvent(event *EventMessage) {
	self.stateLock.Lock()
	if event.Seq <= self.lastSeq {
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]%s ignore seq=%d last=%d\n", event.ClientId, event.Seq, self.lastSeq)
		return
	}
	if event.Seq != self.lastSeq+1 && !self.resetSeq {
		lastSeq := self.lastSeq
		self.stateLock.Unlock()
		glog.Infof("[c]%s sequence gap seq=%d last=%d. request resend\n", event.ClientId, event.Seq, lastSeq)
		self.sendAck()
		return
	}
	self.lastSeq = event.Seq
	self.resetSeq = false
	changeHandlers := map[string]ChangesFunction{}
	for container, handler := range self.changeHandlers {
		changeHandlers[container] = handler
	}
	messageHandlers := map[string]MessageFunction{}
	for name, handler := range self.messageHandlers {
		messageHandlers[name] = handler
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[c]%s apply seq=%d\n", event.ClientId, event.Seq)

	// the response of an origin event updates the cache
	if !event.IsOrigin {
		for _, changes := range event.Changes {
			self.cache.ApplyChanges(changes)
		}
	}
	for _, changes := range event.Changes {
		if handler, ok := changeHandlers[changes.Container]; ok {
			HandleError(func() {
				handler(event, changes)
			})
		}
	}
	for _, message := range event.Messages {
		for pattern, handler := range messageHandlers {
			if MatchPattern(pattern, message.Name) {
				HandleError(func() {
					handler(event, message)
				})
			}
		}
	}
	for _, callback := range self.eventCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
	self.eventMonitor.NotifyAll()
}

// waits until the event with sequence `seq` was applied
func (self *Client) WaitForEvents(ctx context.Context, seq int64) error {
	return WaitFor(ctx, self.eventMonitor, func() bool {
		return seq <= self.LastSeq()
	})
}

// pending batches of the client stay on the channel
func (self *Client) Close() {
	self.cancel()
	self.channel.removeClient(self)
}

type SyncFunction func(result *SyncResult)

type SyncResult struct {
	RequestId int64
	Tasks     []*Task
	Failed    []*Task
}

func (self *SyncResult) Success() bool {
	return len(self.Failed) == 0
}

// SyncHandle resolves when every task of the batch resolved
type SyncHandle struct {
	requestId int64
	tasks     []*Task
	done      chan struct{}

	mutex     sync.Mutex
	resolved  bool
	callbacks []SyncFunction
}

func newSyncHandle(tasks []*Task) *SyncHandle {
	return &SyncHandle{
		tasks: tasks,
		done:  make(chan struct{}),
	}
}

func (self *SyncHandle) RequestId() int64 {
	return self.requestId
}

func (self *SyncHandle) Tasks() []*Task {
	return self.tasks
}

func (self *SyncHandle) Done() <-chan struct{} {
	return self.done
}

// the callback runs after the task callbacks. Runs immediately if the batch already resolved.
func (self *SyncHandle) OnComplete(callback SyncFunction) {
	self.mutex.Lock()
	if !self.resolved {
		self.callbacks = append(self.callbacks, callback)
		self.mutex.Unlock()
		return
	}
	self.mutex.Unlock()
	HandleError(func() {
		callback(self.result())
	})
}

func (self *SyncHandle) resolve() {
	self.mutex.Lock()
	if self.resolved {
		self.mutex.Unlock()
		return
	}
	self.resolved = true
	callbacks := self.callbacks
	self.callbacks = nil
	self.mutex.Unlock()

	result := self.result()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(result)
		})
	}
	close(self.done)
}

func (self *SyncHandle) result() *SyncResult {
	result := &SyncResult{
		RequestId: self.requestId,
		Tasks:     self.tasks,
		Failed:    []*Task{},
	}
	for _, task := range self.tasks {
		if task.Err() != nil {
			result.Failed = append(result.Failed, task)
		}
	}
	return result
}

// waits for the batch. Only a done context returns an error.
func (self *SyncHandle) TryWait(ctx context.Context) (*SyncResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.done:
		return self.result(), nil
	}
}

// waits for the batch. Any failed task returns a `*SyncTasksError`.
func (self *SyncHandle) Wait(ctx context.Context) (*SyncResult, error) {
	result, err := self.TryWait(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return result, &SyncTasksError{Failed: result.Failed}
	}
	return result, nil
}
