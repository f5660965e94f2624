package synchub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// max request body accepted by the http handler
const maxHttpRequestSize = 16 * 1024 * 1024

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type HttpTransportSettings struct {
	ReceiveBufferSize int
}

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		ReceiveBufferSize: 256,
	}
}

// HttpTransport posts each request and reads the response from the http response.
// There is no push channel. The hub piggybacks pending events on responses.
//
// `Send` completes the round trip before returning, so requests reach the hub in send order.
// A failed post reports a disconnect, the next successful post a reconnect.
type HttpTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubUrl  string
	client  *http.Client
	receive chan *TransportReceive

	connected bool

	settings *HttpTransportSettings
}

func NewHttpTransportWithDefaults(ctx context.Context, hubUrl string) *HttpTransport {
	return NewHttpTransport(ctx, hubUrl, DefaultHttpTransportSettings())
}

func NewHttpTransport(ctx context.Context, hubUrl string, settings *HttpTransportSettings) *HttpTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &HttpTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		hubUrl:    hubUrl,
		client:    defaultClient(),
		receive:   make(chan *TransportReceive, settings.ReceiveBufferSize),
		connected: true,
		settings:  settings,
	}
	transport.receive <- &TransportReceive{Connected: true}
	go func() {
		<-transport.ctx.Done()
		transport.client.CloseIdleConnections()
	}()
	return transport
}

// called by the channel send loop only
func (self *HttpTransport) Send(ctx context.Context, message []byte) error {
	response, err := self.post(ctx, message)
	if err != nil {
		if self.connected {
			self.connected = false
			self.push(&TransportReceive{Disconnected: true})
		}
		return err
	}
	if !self.connected {
		self.connected = true
		self.push(&TransportReceive{Connected: true})
	}
	self.push(&TransportReceive{Message: response})
	return nil
}

func (self *HttpTransport) post(ctx context.Context, message []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", self.hubUrl, bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	r, err := self.client.Do(req)
	if err != nil {
		glog.Infof("[th]%s-> error = %s\n", self.hubUrl, err)
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return nil, fmt.Errorf("http %d: %s", r.StatusCode, errorMessage)
	}
	if err != nil {
		return nil, err
	}
	return responseBodyBytes, nil
}

func (self *HttpTransport) push(receive *TransportReceive) {
	select {
	case <-self.ctx.Done():
	case self.receive <- receive:
	}
}

func (self *HttpTransport) Receive() <-chan *TransportReceive {
	return self.receive
}

// the receive channel stays open. The channel exits on its own context.
func (self *HttpTransport) Close() {
	self.cancel()
}

// HttpHandler executes one request per post. Unacknowledged events of the client are
// returned in the `ev` field of the response.
type HttpHandler struct {
	hub *Hub
}

func NewHttpHandler(hub *Hub) *HttpHandler {
	return &HttpHandler{
		hub: hub,
	}
}

func (self *HttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHttpRequestSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	request, response := self.hub.ExecuteMessage(r.Context(), body)
	if request != nil {
		response.Events = self.hub.pendingEvents(response.ClientId, request.Ack)
	}
	responseBytes, err := EncodeMessage(response)
	if err != nil {
		glog.Errorf("[hh]encode response error = %s\n", err)
		http.Error(w, "response encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseBytes)
}
