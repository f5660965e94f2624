package synchub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

// one JSON message per datagram
const maxDatagramSize = 65507

type UdpTransportSettings struct {
	ReceiveBufferSize int
	WriteTimeout      time.Duration
}

func DefaultUdpTransportSettings() *UdpTransportSettings {
	return &UdpTransportSettings{
		ReceiveBufferSize: 256,
		WriteTimeout:      5 * time.Second,
	}
}

// UdpTransport sends requests as datagrams to a `UdpServer`. Events arrive as `ev` datagrams.
// Lost datagrams surface as request timeouts and sequence gaps.
type UdpTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn    *net.UDPConn
	receive chan *TransportReceive

	settings *UdpTransportSettings
}

func NewUdpTransportWithDefaults(ctx context.Context, hubAddr string) (*UdpTransport, error) {
	return NewUdpTransport(ctx, hubAddr, DefaultUdpTransportSettings())
}

func NewUdpTransport(ctx context.Context, hubAddr string, settings *UdpTransportSettings) (*UdpTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", hubAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &UdpTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		receive:  make(chan *TransportReceive, settings.ReceiveBufferSize),
		settings: settings,
	}
	transport.receive <- &TransportReceive{Connected: true}
	go transport.run()
	go func() {
		<-transport.ctx.Done()
		conn.Close()
	}()
	return transport, nil
}

func (self *UdpTransport) run() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, err := self.conn.Read(buffer)
		if err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[tu]read error = %s\n", err)
			}
			return
		}
		message := make([]byte, n)
		copy(message, buffer[:n])
		select {
		case <-self.ctx.Done():
			return
		case self.receive <- &TransportReceive{Message: message}:
		}
	}
}

func (self *UdpTransport) Send(ctx context.Context, message []byte) error {
	if maxDatagramSize < len(message) {
		return fmt.Errorf("message too large for a datagram: %d", len(message))
	}
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	_, err := self.conn.Write(message)
	return err
}

func (self *UdpTransport) Receive() <-chan *TransportReceive {
	return self.receive
}

func (self *UdpTransport) Close() {
	self.cancel()
}

type UdpServerSettings struct {
	// sessions without a datagram are closed after this
	SessionIdleTimeout time.Duration
	SessionBufferSize  int
	WriteTimeout       time.Duration
}

func DefaultUdpServerSettings() *UdpServerSettings {
	return &UdpServerSettings{
		SessionIdleTimeout: 60 * time.Second,
		SessionBufferSize:  32,
		WriteTimeout:       5 * time.Second,
	}
}

// UdpServer runs one hub session per remote address
type UdpServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub  *Hub
	conn *net.UDPConn

	mutex    sync.Mutex
	sessions map[string]*udpSession

	log      LogFunction
	settings *UdpServerSettings
}

type udpSession struct {
	session  *hubSession
	log      LogFunction
	lastSeen time.Time
}

func NewUdpServerWithDefaults(ctx context.Context, hub *Hub, addr string) (*UdpServer, error) {
	return NewUdpServer(ctx, hub, addr, DefaultUdpServerSettings())
}

func NewUdpServer(ctx context.Context, hub *Hub, addr string, settings *UdpServerSettings) (*UdpServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &UdpServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      hub,
		conn:     conn,
		sessions: map[string]*udpSession{},
		log:      LogFn(1, fmt.Sprintf("[us]%s", conn.LocalAddr())),
		settings: settings,
	}
	go server.expire()
	go func() {
		<-server.ctx.Done()
		conn.Close()
	}()
	return server, nil
}

func (self *UdpServer) LocalAddr() net.Addr {
	return self.conn.LocalAddr()
}

// reads datagrams until the server closes
func (self *UdpServer) Run() error {
	defer self.cancel()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, addr, err := self.conn.ReadFromUDP(buffer)
		if err != nil {
			if self.ctx.Err() != nil {
				return nil
			}
			return err
		}
		message := make([]byte, n)
		copy(message, buffer[:n])

		session := self.session(addr)
		if err := session.Receive(self.ctx, message); err != nil && !errors.Is(err, context.Canceled) {
			glog.Infof("[us]%s receive error = %s\n", addr, err)
		}
	}
}

func (self *UdpServer) session(addr *net.UDPAddr) *hubSession {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := addr.String()
	s, ok := self.sessions[key]
	if !ok || !s.session.IsOpen() {
		write := func(message []byte) error {
			if maxDatagramSize < len(message) {
				return fmt.Errorf("message too large for a datagram: %d", len(message))
			}
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			_, err := self.conn.WriteToUDP(message, addr)
			return err
		}
		s = &udpSession{
			session: newHubSession(self.ctx, self.hub, fmt.Sprintf("udp %s", key), write, self.settings.SessionBufferSize),
			log:     SubLogFn(self.log, key),
		}
		self.sessions[key] = s
		go s.session.run()
		s.log("session")
	}
	s.lastSeen = time.Now()
	return s.session
}

func (self *UdpServer) expire() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SessionIdleTimeout / 2):
		}
		now := time.Now()
		self.mutex.Lock()
		for key, s := range self.sessions {
			if self.settings.SessionIdleTimeout <= now.Sub(s.lastSeen) {
				s.session.Close()
				delete(self.sessions, key)
				s.log("session expired")
			}
		}
		self.mutex.Unlock()
	}
}

func (self *UdpServer) Close() {
	self.cancel()
}
