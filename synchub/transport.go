package synchub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// A transport is a duplex message channel to a hub.
// Each `Send` carries one serialized message. Responses, pushed events and connection state
// changes are delivered in order on `Receive`, which is closed when the transport closes.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Receive() <-chan *TransportReceive
	Close()
}

type TransportReceive struct {
	Message []byte
	// connection state transitions. `Message` is nil for these.
	Connected    bool
	Disconnected bool
}

type LoopbackTransportSettings struct {
	SendBufferSize    int
	ReceiveBufferSize int
	// time to wait for the receiver before an event is dropped
	EventWriteTimeout time.Duration
}

func DefaultLoopbackTransportSettings() *LoopbackTransportSettings {
	return &LoopbackTransportSettings{
		SendBufferSize:    32,
		ReceiveBufferSize: 256,
		EventWriteTimeout: 5 * time.Second,
	}
}

// in-process transport to a hub
// requests are executed in send order by a single hub session.
// Events are delivered as separate `ev` messages.
type LoopbackTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	session *hubSession
	receive chan *TransportReceive

	stateLock sync.RWMutex
	closed    bool
	settings  *LoopbackTransportSettings
}

func NewLoopbackTransportWithDefaults(ctx context.Context, hub *Hub) *LoopbackTransport {
	return NewLoopbackTransport(ctx, hub, DefaultLoopbackTransportSettings())
}

func NewLoopbackTransport(ctx context.Context, hub *Hub, settings *LoopbackTransportSettings) *LoopbackTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &LoopbackTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		receive:  make(chan *TransportReceive, settings.ReceiveBufferSize),
		settings: settings,
	}
	transport.session = newHubSession(cancelCtx, hub, "loopback", transport.write, settings.SendBufferSize)
	transport.receive <- &TransportReceive{Connected: true}
	go func() {
		defer transport.closeReceive()
		transport.session.run()
	}()
	return transport
}

func (self *LoopbackTransport) write(message []byte) error {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if self.closed {
		return ErrChannelClosed
	}
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case self.receive <- &TransportReceive{Message: message}:
		return nil
	case <-time.After(self.settings.EventWriteTimeout):
		glog.Infof("[lb]drop message timeout\n")
		return errors.New("loopback receive timeout")
	}
}

func (self *LoopbackTransport) Send(ctx context.Context, message []byte) error {
	return self.session.Receive(ctx, message)
}

func (self *LoopbackTransport) Receive() <-chan *TransportReceive {
	return self.receive
}

func (self *LoopbackTransport) closeReceive() {
	// writers hold the read lock and exit on the canceled context
	self.cancel()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.closed {
		self.closed = true
		close(self.receive)
	}
}

func (self *LoopbackTransport) Close() {
	self.cancel()
}
