package synchub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ChannelSettings struct {
	// batches without a response are failed locally with `Timeout` after this. Zero disables.
	RequestTimeout time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		RequestTimeout: 30 * time.Second,
	}
}

// Channel is the client end of a transport. It sends batches in request id order,
// matches responses with the request correlator and routes events to the clients
// sharing the channel.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport  Transport
	correlator *RequestCorrelator

	// orders request id allocation with the send queue
	sendMutex  sync.Mutex
	sendQueue  []*pendingBatch
	sendNotify chan struct{}

	stateLock     sync.Mutex
	clients       map[*Client]bool
	clientsById   map[string]*Client
	connected     bool
	connectedOnce bool

	stateMonitor *Monitor

	settings *ChannelSettings
}

func NewChannelWithDefaults(ctx context.Context, transport Transport) *Channel {
	return NewChannel(ctx, transport, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, transport Transport, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		ctx:          cancelCtx,
		cancel:       cancel,
		transport:    transport,
		correlator:   NewRequestCorrelator(),
		sendNotify:   make(chan struct{}, 1),
		clients:      map[*Client]bool{},
		clientsById:  map[string]*Client{},
		stateMonitor: NewMonitor(),
		settings:     settings,
	}
	go channel.receive()
	go channel.send()
	return channel
}

func (self *Channel) Correlator() *RequestCorrelator {
	return self.correlator
}

func (self *Channel) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *Channel) WaitForConnect(ctx context.Context) error {
	return WaitFor(ctx, self.stateMonitor, self.IsConnected)
}

func (self *Channel) addClient(client *Client) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clients[client] = true
}

func (self *Channel) removeClient(client *Client) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.clients, client)
	for clientId, c := range self.clientsById {
		if c == client {
			delete(self.clientsById, clientId)
		}
	}
}

func (self *Channel) setClientId(client *Client, clientId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clientsById[clientId] = client
}

// queues the batch. Never blocks on the network.
func (self *Channel) enqueue(batch *pendingBatch) {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	if self.ctx.Err() != nil {
		batch.requestId = 0
		go failBatch(batch, NewTaskError(SyncError, ErrChannelClosed.Error()))
		return
	}

	requestId := self.correlator.add(batch)
	batch.handle.requestId = requestId
	batch.queueTime = time.Now()
	if 0 < self.settings.RequestTimeout {
		batch.timer = time.AfterFunc(self.settings.RequestTimeout, func() {
			self.timeout(batch)
		})
	}
	self.sendQueue = append(self.sendQueue, batch)
	select {
	case self.sendNotify <- struct{}{}:
	default:
	}
}

func (self *Channel) nextSend() []*pendingBatch {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	batches := self.sendQueue
	self.sendQueue = nil
	return batches
}

func (self *Channel) send() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.sendNotify:
		}
		for _, batch := range self.nextSend() {
			// failed by a disconnect while queued
			if !self.correlator.has(batch.requestId) {
				continue
			}
			message, err := EncodeMessage(batch.request)
			if err != nil {
				self.fail(batch, fmt.Sprintf("%s. encode request: %s", ErrProtocol, err))
				continue
			}
			glog.V(2).Infof("[ch]send req=%d tasks=%d\n", batch.requestId, len(batch.tasks))
			if err := self.transport.Send(self.ctx, message); err != nil {
				glog.Infof("[ch]send req=%d error = %s\n", batch.requestId, err)
				self.fail(batch, fmt.Sprintf("%s. %s", ErrConnectionLost, err))
			}
		}
	}
}

func (self *Channel) fail(batch *pendingBatch, message string) {
	if _, ok := self.correlator.remove(batch.requestId); ok {
		failBatch(batch, NewTaskError(SyncError, message))
	}
}

// the batch stays in the correlator until the hub answers
func (self *Channel) timeout(batch *pendingBatch) {
	if !self.correlator.has(batch.requestId) || !batch.claim() {
		return
	}
	glog.Infof("[ch]req=%d timeout after %s\n", batch.requestId, time.Since(batch.queueTime))
	completeTasks(failTasks(batch.tasks, NewTaskError(Timeout, fmt.Sprintf("%s. req: %d", ErrRequestTimeout, batch.requestId))))
	batch.handle.resolve()
}

// fails every pending batch in request id order
func (self *Channel) failAll(err error) {
	batches := self.correlator.removeAll()
	if 0 < len(batches) {
		glog.Infof("[ch]fail %d pending batches = %s\n", len(batches), err)
	}
	for _, batch := range batches {
		failBatch(batch, NewTaskError(SyncError, err.Error()))
	}
}

func (self *Channel) receive() {
	defer func() {
		self.cancel()
		// batches are added under the send mutex only while the context is live
		self.sendMutex.Lock()
		self.sendMutex.Unlock()
		self.setConnected(false)
		self.failAll(ErrChannelClosed)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case receive, ok := <-self.transport.Receive():
			if !ok {
				return
			}
			switch {
			case receive.Connected:
				reconnect := self.setConnected(true)
				if reconnect {
					self.reconnected()
				}
			case receive.Disconnected:
				self.setConnected(false)
				self.failAll(ErrConnectionLost)
			default:
				HandleError(func() {
					self.receiveMessage(receive.Message)
				})
			}
		}
	}
}

// returns true if this is a reconnect
func (self *Channel) setConnected(connected bool) bool {
	self.stateLock.Lock()
	changed := self.connected != connected
	reconnect := connected && self.connectedOnce
	self.connected = connected
	if connected {
		self.connectedOnce = true
	}
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[ch]connected=%t\n", connected)
		self.stateMonitor.NotifyAll()
	}
	return changed && reconnect
}

func (self *Channel) reconnected() {
	self.stateLock.Lock()
	clients := []*Client{}
	for client := range self.clients {
		clients = append(clients, client)
	}
	self.stateLock.Unlock()

	for _, client := range clients {
		client.reconnected()
	}
}

func (self *Channel) receiveMessage(message []byte) {
	decoded, err := DecodeMessage(message)
	if err != nil {
		glog.Infof("[ch]decode error = %s\n", err)
		return
	}
	switch v := decoded.(type) {
	case *SyncResponse:
		batch, ok := self.correlator.remove(v.RequestId)
		if !ok {
			glog.V(1).Infof("[ch]drop response for unknown req=%d\n", v.RequestId)
			return
		}
		if batch.timer != nil {
			batch.timer.Stop()
		}
		glog.V(2).Infof("[ch]receive req=%d (%s)\n", v.RequestId, time.Since(batch.queueTime))
		dispatchResponse(batch, v)
	case *EventMessage:
		self.routeEvent(v)
	default:
		glog.Infof("[ch]unexpected message %T\n", v)
	}
}

func (self *Channel) routeEvent(event *EventMessage) {
	self.stateLock.Lock()
	client, ok := self.clientsById[event.ClientId]
	self.stateLock.Unlock()

	if !ok {
		glog.V(1).Infof("[ch]drop event for unknown client %s seq=%d\n", event.ClientId, event.Seq)
		return
	}
	client.applyEvent(event)
}

// closes the transport. Pending batches fail with `ErrChannelClosed`.
func (self *Channel) Close() {
	self.cancel()
	self.transport.Close()
}
