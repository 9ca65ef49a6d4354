package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connect errors. transport-level failures after connect are surfaced
// through Done/Err, never as panics.
var (
	ErrUnreachable   = errors.New("endpoint unreachable")
	ErrAuthRejected  = errors.New("auth rejected")
	ErrProtocolError = errors.New("protocol error")
)

const TransportBufferSize = 32

type TransportSettings struct {
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		ConnectTimeout: 5 * time.Second,
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
	}
}

// one bidirectional message channel to a collaboration endpoint.
// the transport does not know about documents; on a successful Connect the
// caller is expected to immediately issue a join request.
//
// a transport is single shot: once the connection is lost or Close is called
// it cannot be reconnected. the session constructs a new one per attempt.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint  string
	authToken string

	settings *TransportSettings

	send    chan []byte
	receive chan any

	stateLock sync.Mutex
	ws        *websocket.Conn
	closeErr  error
}

func NewTransportWithDefaults(ctx context.Context, endpoint string, authToken string) *Transport {
	return NewTransport(ctx, endpoint, authToken, DefaultTransportSettings())
}

func NewTransport(ctx context.Context, endpoint string, authToken string, settings *TransportSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:       cancelCtx,
		cancel:    cancel,
		endpoint:  endpoint,
		authToken: authToken,
		settings:  settings,
		send:      make(chan []byte, TransportBufferSize),
		receive:   make(chan any, TransportBufferSize),
	}
}

// dials the endpoint and performs the auth handshake within a bounded timeout.
// the bearer token rides on the upgrade request. returns ErrAuthRejected when
// the endpoint refuses the token, ErrUnreachable when the endpoint cannot be
// reached in time, and ErrProtocolError on a malformed handshake response.
func (self *Transport) Connect() error {
	connect := func() (*websocket.Conn, error) {
		dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
		defer dialCancel()

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.ConnectTimeout,
		}
		header := http.Header{}
		if self.authToken != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.authToken))
		}

		ws, response, err := dialer.DialContext(dialCtx, self.endpoint, header)
		if err != nil {
			if response != nil {
				switch response.StatusCode {
				case http.StatusUnauthorized, http.StatusForbidden:
					return nil, fmt.Errorf("%w: %s", ErrAuthRejected, response.Status)
				default:
					return nil, fmt.Errorf("%w: %s", ErrProtocolError, response.Status)
				}
			}
			if errors.Is(err, websocket.ErrBadHandshake) {
				return nil, fmt.Errorf("%w: %s", ErrProtocolError, err)
			}
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
		}
		return ws, nil
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.endpoint), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		self.cancel()
		return err
	}

	self.stateLock.Lock()
	self.ws = ws
	self.stateLock.Unlock()

	go self.runWrite(ws)
	go self.runRead(ws)

	return nil
}

func (self *Transport) runWrite(ws *websocket.Conn) {
	defer func() {
		self.cancel()
		ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[ts]-> error = %s\n", err)
				self.setCloseErr(err)
				return
			}
			glog.V(2).Infof("[ts]->\n")
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				self.setCloseErr(err)
				return
			}
		}
	}
}

func (self *Transport) runRead(ws *websocket.Conn) {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tr]<- error = %s\n", err)
			self.setCloseErr(err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(messageBytes) {
				// ping
				glog.V(2).Infof("[tr]ping <-\n")
				continue
			}

			message, err := DecodeMessage(messageBytes)
			if err != nil {
				// malformed inbound payloads are discarded, never fatal
				glog.Infof("[tr]drop malformed <- = %s\n", err)
				continue
			}

			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<- %T\n", message)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[tr]drop <- backpressure\n")
			}
		default:
			glog.V(2).Infof("[tr]other=%d <-\n", messageType)
		}
	}
}

// queues an outbound message. returns false when the transport is closed or
// the send buffer stays full past the write timeout.
func (self *Transport) Send(message any) bool {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[ts]drop encode -> = %s\n", err)
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- messageBytes:
		return true
	case <-time.After(self.settings.WriteTimeout):
		return false
	}
}

// decoded inbound messages. closed when the connection is lost.
func (self *Transport) Receive() <-chan any {
	return self.receive
}

func (self *Transport) Done() <-chan struct{} {
	return self.ctx.Done()
}

// the reason the connection closed, if one was recorded before Done.
func (self *Transport) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeErr
}

func (self *Transport) setCloseErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closeErr == nil {
		self.closeErr = err
	}
}

func (self *Transport) Close() {
	self.cancel()
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws != nil {
		ws.Close()
	}
}
