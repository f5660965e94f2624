package synchub

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// hubSession executes the requests of one connection in receive order and is the
// connection's event receiver. Responses and events share the connection `write`,
// which must be safe for concurrent use.
type hubSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      *Hub
	tag      string
	log      LogFunction
	write    func(message []byte) error
	requests chan []byte
}

func newHubSession(ctx context.Context, hub *Hub, tag string, write func(message []byte) error, bufferSize int) *hubSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &hubSession{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      hub,
		tag:      tag,
		log:      LogFn(1, fmt.Sprintf("[hs]%s", tag)),
		write:    write,
		requests: make(chan []byte, bufferSize),
	}
}

// queues one request message. Blocks while the request buffer is full.
func (self *hubSession) Receive(ctx context.Context, message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.requests <- message:
		return nil
	}
}

func (self *hubSession) run() {
	defer func() {
		self.cancel()
		self.hub.detachEvents(self)
		self.log("closed")
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.requests:
			if err := self.handle(message); err != nil {
				glog.Infof("[hs]%s write error = %s\n", self.tag, err)
				return
			}
		}
	}
}

func (self *hubSession) handle(message []byte) error {
	request, response := self.hub.ExecuteMessage(self.ctx, message)
	responseMessage, err := EncodeMessage(response)
	if err != nil {
		glog.Errorf("[hs]%s encode response error = %s\n", self.tag, err)
		responseMessage = RequireEncodeMessage(&SyncResponse{
			Msg:       MessageTypeError,
			RequestId: response.RequestId,
			Message:   "response encode error",
		})
	}
	glog.V(2).Infof("[hs]%s req=%d tasks=%d\n", self.tag, response.RequestId, len(response.Tasks))
	if err := self.write(responseMessage); err != nil {
		return err
	}
	// events for a newly assigned client id follow the response that carries the id
	if request != nil {
		self.hub.attachEvents(response.ClientId, self, request.Ack)
	}
	return nil
}

func (self *hubSession) SendEvent(message []byte) error {
	if self.ctx.Err() != nil {
		return ErrChannelClosed
	}
	return self.write(message)
}

func (self *hubSession) IsOpen() bool {
	return self.ctx.Err() == nil
}

func (self *hubSession) Close() {
	self.cancel()
}
