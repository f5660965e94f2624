package synchub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// the hub side of a client connection that can receive pushed events
type EventReceiver interface {
	// sends one encoded event. May block up to the transport write timeout.
	SendEvent(message []byte) error
	IsOpen() bool
}

type EventState int

const (
	EventStateIdle EventState = iota
	EventStateStreaming
	EventStateDisconnected
)

func (self EventState) String() string {
	switch self {
	case EventStateIdle:
		return "idle"
	case EventStateStreaming:
		return "streaming"
	case EventStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type EventSequencerSettings struct {
	// clients without an attached receiver are expired after this
	ClientIdleTimeout time.Duration
	SweepInterval     time.Duration
	// the last sequence of a removed client is kept this long.
	// A client id that returns within it continues after that sequence.
	SequenceRetention time.Duration
}

func DefaultEventSequencerSettings() *EventSequencerSettings {
	return &EventSequencerSettings{
		ClientIdleTimeout: 15 * time.Minute,
		SweepInterval:     30 * time.Second,
		SequenceRetention: 24 * time.Hour,
	}
}

type ExpireFunction func(clientId string)

// EventSequencer assigns per client sequence numbers to pushed events, buffers them until
// acknowledged and resends the unacknowledged tail on reconnect or ack.
//
// Per client the delivery runs on its own goroutine so enqueueing never blocks the caller.
type EventSequencer struct {
	ctx    context.Context
	cancel context.CancelFunc

	stats *Stats

	mutex   sync.Mutex
	clients map[string]*clientEvents
	removed map[string]*removedSequence

	expireCallbacks *CallbackList[ExpireFunction]

	settings *EventSequencerSettings
}

func NewEventSequencerWithDefaults(ctx context.Context, stats *Stats) *EventSequencer {
	return NewEventSequencer(ctx, stats, DefaultEventSequencerSettings())
}

func NewEventSequencer(ctx context.Context, stats *Stats, settings *EventSequencerSettings) *EventSequencer {
	cancelCtx, cancel := context.WithCancel(ctx)
	if stats == nil {
		stats = NewStats()
	}
	sequencer := &EventSequencer{
		ctx:             cancelCtx,
		cancel:          cancel,
		stats:           stats,
		clients:         map[string]*clientEvents{},
		removed:         map[string]*removedSequence{},
		expireCallbacks: NewCallbackList[ExpireFunction](),
		settings:        settings,
	}
	go sequencer.sweep()
	return sequencer
}

func (self *EventSequencer) AddExpireCallback(callback ExpireFunction) func() {
	return self.expireCallbacks.Add(callback)
}

func (self *EventSequencer) client(clientId string, create bool) *clientEvents {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	client, ok := self.clients[clientId]
	if !ok && create {
		client = newClientEvents(self.ctx, clientId, self.stats)
		if removed, ok := self.removed[clientId]; ok {
			// events up to the removed sequence are gone
			client.lastSeq = removed.lastSeq
			client.ackSeq = removed.lastSeq
			client.cursor = removed.lastSeq
			delete(self.removed, clientId)
			glog.V(1).Infof("[es]%s continue after seq=%d\n", clientId, removed.lastSeq)
		}
		self.clients[clientId] = client
		go client.run()
	}
	return client
}

// events with sequence less than or equal to the base are never resent to the client
func (self *EventSequencer) ResendBase(clientId string) int64 {
	self.mutex.Lock()
	client, ok := self.clients[clientId]
	removed, removedOk := self.removed[clientId]
	self.mutex.Unlock()

	if ok {
		return client.resendBase()
	}
	if removedOk {
		return removed.lastSeq
	}
	return 0
}

func (self *EventSequencer) Has(clientId string) bool {
	return self.client(clientId, false) != nil
}

// assigns the next sequence number to the event and queues it for delivery.
// Returns false if the event was dropped.
func (self *EventSequencer) Enqueue(clientId string, event *EventMessage) (int64, bool) {
	return self.client(clientId, true).enqueue(event)
}

// evicts all buffered events with sequence less than or equal to `ack`.
// Acknowledging the same sequence again has no effect.
func (self *EventSequencer) Acknowledge(clientId string, ack int64) int {
	client := self.client(clientId, false)
	if client == nil {
		return 0
	}
	return client.acknowledge(ack)
}

// attaches the receiver of the client's current connection.
// Every buffered event with sequence greater than `ack` (or the last acknowledged sequence
// if `ack` is nil) is resent in order before any newer event.
func (self *EventSequencer) Attach(clientId string, receiver EventReceiver, ack *int64) {
	self.client(clientId, true).attach(receiver, ack)
}

// marks every client attached to the receiver as disconnected. Buffers are kept.
func (self *EventSequencer) DetachReceiver(receiver EventReceiver) {
	self.mutex.Lock()
	clients := maps.Values(self.clients)
	self.mutex.Unlock()

	for _, client := range clients {
		client.detach(receiver)
	}
}

// unacknowledged events with sequence greater than `ack`, for transports without a push channel
func (self *EventSequencer) PendingEvents(clientId string, ack *int64) []*EventMessage {
	client := self.client(clientId, false)
	if client == nil {
		return nil
	}
	return client.pendingEvents(ack)
}

func (self *EventSequencer) SetQueueEvents(clientId string, queueEvents bool) {
	self.client(clientId, true).setQueueEvents(queueEvents)
}

// clears the buffer after the client cancelled its subscriptions.
// The sequence counter continues so the client never sees a lower sequence.
func (self *EventSequencer) ClearEvents(clientId string) {
	if client := self.client(clientId, false); client != nil {
		client.clear()
	}
}

type removedSequence struct {
	lastSeq    int64
	removeTime time.Time
}

// removes the client state. The last sequence is retained for `SequenceRetention`.
func (self *EventSequencer) Remove(clientId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	client, ok := self.clients[clientId]
	if !ok {
		return
	}
	delete(self.clients, clientId)
	client.close()
	if lastSeq := client.sequence(); 0 < lastSeq {
		self.removed[clientId] = &removedSequence{
			lastSeq:    lastSeq,
			removeTime: time.Now(),
		}
	}
}

type ClientEventsInfo struct {
	ClientId       string    `json:"id"`
	State          string    `json:"state"`
	Seq            int64     `json:"seq"`
	Ack            int64     `json:"ack"`
	QueuedEvents   int       `json:"queuedEvents"`
	QueuedBytes    ByteCount `json:"queuedBytes"`
	QueueEvents    bool      `json:"queueEvents"`
	LastSeen       time.Time `json:"lastSeen"`
	ReceiverActive bool      `json:"receiverActive"`
}

func (self *EventSequencer) ClientInfo(clientId string) (*ClientEventsInfo, bool) {
	client := self.client(clientId, false)
	if client == nil {
		return nil, false
	}
	return client.info(), true
}

func (self *EventSequencer) Clients() []*ClientEventsInfo {
	self.mutex.Lock()
	clients := maps.Values(self.clients)
	self.mutex.Unlock()

	infos := make([]*ClientEventsInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info())
	}
	sort.Slice(infos, func(i int, j int) bool {
		return infos[i].ClientId < infos[j].ClientId
	})
	return infos
}

func (self *EventSequencer) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		now := time.Now()
		self.expireIdle(now)
		self.expireRemoved(now)
	}
}

func (self *EventSequencer) expireRemoved(now time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for clientId, removed := range self.removed {
		if self.settings.SequenceRetention <= now.Sub(removed.removeTime) {
			delete(self.removed, clientId)
		}
	}
}

func (self *EventSequencer) expireIdle(now time.Time) []string {
	self.mutex.Lock()
	clients := maps.Values(self.clients)
	self.mutex.Unlock()

	expired := []string{}
	for _, client := range clients {
		if client.idleSince(now) < self.settings.ClientIdleTimeout {
			continue
		}
		glog.V(1).Infof("[es]%s expire\n", client.clientId)
		self.Remove(client.clientId)
		expired = append(expired, client.clientId)
		for _, callback := range self.expireCallbacks.Get() {
			HandleError(func() {
				callback(client.clientId)
			})
		}
	}
	return expired
}

func (self *EventSequencer) Close() {
	self.cancel()
}

// per client sequence state. All fields are guarded by `mutex`.
type clientEvents struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	stats    *Stats

	mutex   sync.Mutex
	state   EventState
	lastSeq int64
	ackSeq  int64
	// highest sequence handed to the current receiver
	cursor int64
	// incremented when the receiver or cursor changes under an in-flight send
	generation  int64
	buffer      *eventBuffer
	receiver    EventReceiver
	queueEvents bool
	lastSeen    time.Time

	notify chan struct{}
}

func newClientEvents(ctx context.Context, clientId string, stats *Stats) *clientEvents {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &clientEvents{
		ctx:         cancelCtx,
		cancel:      cancel,
		clientId:    clientId,
		stats:       stats,
		state:       EventStateIdle,
		buffer:      newEventBuffer(),
		queueEvents: true,
		lastSeen:    time.Now(),
		notify:      make(chan struct{}, 1),
	}
}

func (self *clientEvents) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *clientEvents) enqueue(event *EventMessage) (int64, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.state == EventStateDisconnected && !self.queueEvents {
		self.stats.EventsDropped.Add(1)
		glog.V(1).Infof("[es]%s drop event (not queueing)\n", self.clientId)
		return 0, false
	}

	seq := self.lastSeq + 1
	event.Msg = MessageTypeEvent
	event.ClientId = self.clientId
	event.Seq = seq
	message, err := EncodeMessage(event)
	if err != nil {
		glog.Infof("[es]%s encode event error = %s\n", self.clientId, err)
		self.stats.EventsDropped.Add(1)
		return 0, false
	}
	if err := self.buffer.Add(&eventItem{
		sequenceNumber: seq,
		message:        message,
		event:          event,
		enqueueTime:    time.Now(),
	}); err != nil {
		panic(err)
	}
	self.lastSeq = seq
	if self.state == EventStateIdle {
		self.state = EventStateStreaming
	}
	self.stats.EventsEnqueued.Add(1)
	glog.V(2).Infof("[es]%s enqueue seq=%d\n", self.clientId, seq)
	self.signal()
	return seq, true
}

func (self *clientEvents) acknowledge(ack int64) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.lastSeen = time.Now()
	if self.lastSeq < ack {
		// acks an earlier sequence of the client id
		glog.Infof("[es]%s ignore ack %d beyond last sequence %d\n", self.clientId, ack, self.lastSeq)
		return 0
	}
	if ack <= self.ackSeq {
		return 0
	}
	self.ackSeq = ack
	evicted := self.buffer.RemoveThrough(ack)
	self.stats.EventsAcknowledged.Add(int64(evicted))
	glog.V(2).Infof("[es]%s ack=%d evicted=%d\n", self.clientId, ack, evicted)
	return evicted
}

func (self *clientEvents) attach(receiver EventReceiver, ack *int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.lastSeen = time.Now()
	resendFrom := self.ackSeq
	if ack != nil && *ack <= self.lastSeq {
		resendFrom = max(*ack, self.ackSeq)
	} else if receiver == self.receiver {
		// same connection and no ack. Nothing to resend.
		return
	}
	if receiver != self.receiver {
		glog.V(1).Infof("[es]%s attach receiver resend>%d\n", self.clientId, resendFrom)
	}
	self.receiver = receiver
	if self.state == EventStateDisconnected || (self.state == EventStateIdle && 0 < self.lastSeq) {
		self.state = EventStateStreaming
	}
	if resendFrom < self.cursor {
		self.stats.EventsResent.Add(self.cursor - resendFrom)
	}
	self.cursor = resendFrom
	self.generation += 1
	self.signal()
}

func (self *clientEvents) detach(receiver EventReceiver) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.receiver != receiver {
		return
	}
	self.disconnect()
}

// must be called with the mutex
func (self *clientEvents) disconnect() {
	glog.V(1).Infof("[es]%s disconnected\n", self.clientId)
	self.receiver = nil
	self.state = EventStateDisconnected
	self.lastSeen = time.Now()
	self.generation += 1
}

func (self *clientEvents) pendingEvents(ack *int64) []*EventMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.lastSeen = time.Now()
	after := self.ackSeq
	if ack != nil && *ack <= self.lastSeq {
		after = max(*ack, self.ackSeq)
	}
	events := []*EventMessage{}
	for _, item := range self.buffer.Tail(after) {
		events = append(events, item.event)
	}
	return events
}

func (self *clientEvents) setQueueEvents(queueEvents bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.queueEvents = queueEvents
}

func (self *clientEvents) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.buffer.Clear()
	self.ackSeq = self.lastSeq
	self.cursor = self.lastSeq
	self.generation += 1
	if self.state == EventStateStreaming {
		self.state = EventStateIdle
	}
}

func (self *clientEvents) sequence() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastSeq
}

func (self *clientEvents) resendBase() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ackSeq
}

func (self *clientEvents) idleSince(now time.Time) time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.receiver != nil && self.receiver.IsOpen() {
		return 0
	}
	return now.Sub(self.lastSeen)
}

func (self *clientEvents) info() *ClientEventsInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queuedEvents, queuedBytes := self.buffer.QueueSize()
	return &ClientEventsInfo{
		ClientId:       self.clientId,
		State:          self.state.String(),
		Seq:            self.lastSeq,
		Ack:            self.ackSeq,
		QueuedEvents:   queuedEvents,
		QueuedBytes:    queuedBytes,
		QueueEvents:    self.queueEvents,
		LastSeen:       self.lastSeen,
		ReceiverActive: self.receiver != nil,
	}
}

func (self *clientEvents) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}
		self.deliver()
	}
}

// sends buffered events in sequence order to the current receiver.
// The cursor only advances past an event after it was handed to the receiver,
// so a receiver never sees a gap.
func (self *clientEvents) deliver() {
	for {
		self.mutex.Lock()
		receiver := self.receiver
		if receiver == nil || self.state != EventStateStreaming {
			self.mutex.Unlock()
			return
		}
		item := self.buffer.Next(self.cursor)
		if item == nil {
			self.mutex.Unlock()
			return
		}
		generation := self.generation
		self.mutex.Unlock()

		err := receiver.SendEvent(item.message)

		self.mutex.Lock()
		if generation != self.generation {
			// receiver changed or cursor rewound during the send
			self.mutex.Unlock()
			continue
		}
		if err != nil {
			glog.Infof("[es]%s send seq=%d error = %s\n", self.clientId, item.sequenceNumber, err)
			self.disconnect()
			self.mutex.Unlock()
			return
		}
		self.cursor = item.sequenceNumber
		self.stats.EventsSent.Add(1)
		self.mutex.Unlock()
		glog.V(2).Infof("[es]%s send seq=%d\n", self.clientId, item.sequenceNumber)
	}
}

func (self *clientEvents) close() {
	self.cancel()
}
