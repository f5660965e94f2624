package synchub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// JSON messages travel as text frames. An empty binary frame is a ping.

type WebSocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	ReceiveBufferSize  int
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	pingTimeout := 1 * time.Second
	return &WebSocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        pingTimeout,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
		ReceiveBufferSize:  256,
	}
}

// WebSocketTransport keeps a websocket to the hub open and reconnects after errors.
// Each (re)connect is reported on `Receive`.
type WebSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubUrl  string
	dialer  *websocket.Dialer
	receive chan *TransportReceive

	stateLock sync.Mutex
	// send channel of the current connection. nil while disconnected.
	send chan []byte

	// connection traces
	log      LogFunction
	settings *WebSocketTransportSettings
}

func NewWebSocketTransportWithDefaults(ctx context.Context, hubUrl string) *WebSocketTransport {
	return NewWebSocketTransport(ctx, hubUrl, DefaultWebSocketTransportSettings())
}

func NewWebSocketTransport(ctx context.Context, hubUrl string, settings *WebSocketTransportSettings) *WebSocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebSocketTransport{
		ctx:    cancelCtx,
		cancel: cancel,
		hubUrl: hubUrl,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		receive:  make(chan *TransportReceive, settings.ReceiveBufferSize),
		log:      LogFn(2, fmt.Sprintf("[t]%s", hubUrl)),
		settings: settings,
	}
	go transport.run()
	return transport
}

func (self *WebSocketTransport) run() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			ws, _, err := self.dialer.DialContext(self.ctx, self.hubUrl, nil)
			return ws, err
		}

		ws, err := TraceWithReturnError(self.log, "connect", connect)
		if err != nil {
			glog.Infof("[t]connect %s error = %s\n", self.hubUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, self.settings.SendBufferSize)
			self.stateLock.Lock()
			self.send = send
			self.stateLock.Unlock()
			if !self.push(&TransportReceive{Connected: true}) {
				return
			}
			defer func() {
				self.stateLock.Lock()
				self.send = nil
				self.stateLock.Unlock()
				self.push(&TransportReceive{Disconnected: true})
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a dealine timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", self.hubUrl, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", self.hubUrl)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", self.hubUrl, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if !self.push(&TransportReceive{Message: message}) {
							return
						}
						glog.V(2).Infof("[tr]%s<-\n", self.hubUrl)
					case websocket.BinaryMessage:
						if len(message) == 0 {
							glog.V(2).Infof("[tr]ping %s<-\n", self.hubUrl)
						}
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.hubUrl)
					}
				}
			}()

			<-handleCtx.Done()
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		Trace(self.log, "connect run", c)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// receive order is the read order. Blocks while the channel reader is behind.
func (self *WebSocketTransport) push(receive *TransportReceive) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.receive <- receive:
		return true
	}
}

func (self *WebSocketTransport) Send(ctx context.Context, message []byte) error {
	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		return ErrConnectionLost
	}
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("%w. send timeout", ErrConnectionLost)
	}
}

func (self *WebSocketTransport) Receive() <-chan *TransportReceive {
	return self.receive
}

func (self *WebSocketTransport) Close() {
	self.cancel()
}

type WebSocketServerSettings struct {
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	SessionBufferSize int
	WriteBufferSize   int
}

func DefaultWebSocketServerSettings() *WebSocketServerSettings {
	return &WebSocketServerSettings{
		PingTimeout:       1 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       15 * time.Second,
		SessionBufferSize: 32,
		WriteBufferSize:   256,
	}
}

// WebSocketServer serves hub sessions over websockets. Events are pushed as `ev` messages.
type WebSocketServer struct {
	ctx      context.Context
	hub      *Hub
	upgrader *websocket.Upgrader
	settings *WebSocketServerSettings
}

func NewWebSocketServerWithDefaults(ctx context.Context, hub *Hub) *WebSocketServer {
	return NewWebSocketServer(ctx, hub, DefaultWebSocketServerSettings())
}

func NewWebSocketServer(ctx context.Context, hub *Hub, settings *WebSocketServerSettings) *WebSocketServer {
	return &WebSocketServer{
		ctx: ctx,
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

func (self *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade %s error = %s\n", r.RemoteAddr, err)
		return
	}
	self.serve(ws, r.RemoteAddr)
}

func (self *WebSocketServer) serve(ws *websocket.Conn, remoteAddr string) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	tag := fmt.Sprintf("ws %s", remoteAddr)
	writes := make(chan []byte, self.settings.WriteBufferSize)
	write := func(message []byte) error {
		select {
		case <-handleCtx.Done():
			return ErrChannelClosed
		case writes <- message:
			return nil
		case <-time.After(self.settings.WriteTimeout):
			return fmt.Errorf("%w. write timeout", ErrConnectionLost)
		}
	}
	session := newHubSession(handleCtx, self.hub, tag, write, self.settings.SessionBufferSize)
	go func() {
		defer handleCancel()
		session.run()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-writes:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ws]%s-> error = %s\n", remoteAddr, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	glog.V(1).Infof("[ws]%s connected\n", remoteAddr)
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]%s<- error = %s\n", remoteAddr, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if err := session.Receive(handleCtx, message); err != nil {
				return
			}
		case websocket.BinaryMessage:
			// ping
		}
	}
}
