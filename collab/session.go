package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"
)

// one client's realtime membership in one document's collaborative context.
//
// all inbound transport events, outbound send requests, and timer callbacks
// are serialized onto the session run loop, so the sync state and presence set
// have a single writer. the presentation layer is only ever handed immutable
// snapshots through the getters and callbacks.

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// err is advisory. transport failures are retried transparently and only
// surface here as a degraded status, never as a fatal error, so that editing
// can continue offline-optimistically. the exception is ErrAuthRejected,
// which closes the session.
type StatusFunction func(state ConnectionState, err error)
type DocumentFunction func(update *DocumentUpdate)
type PresenceFunction func(entries []*PresenceEntry)

type DocumentUpdate struct {
	DocumentId Id
	Title      string
	Content    string
	Version    int
	// nil when the update came from the join handshake
	Author *User
}

type SessionAuth struct {
	ByJwt    string
	UserId   Id
	Username string
}

// fills the local identity from the token claims
func NewSessionAuth(byJwtStr string) (*SessionAuth, error) {
	byJwt, err := ParseByJwtUnverified(byJwtStr)
	if err != nil {
		return nil, err
	}
	return &SessionAuth{
		ByJwt:    byJwtStr,
		UserId:   byJwt.UserId,
		Username: byJwt.Username,
	}, nil
}

type SessionTransport interface {
	Connect() error
	Send(message any) bool
	Receive() <-chan any
	Done() <-chan struct{}
	Err() error
	Close()
}

type SessionSettings struct {
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	ReconnectJitter     float64
	JoinTimeout         time.Duration
	TypingIdleTimeout   time.Duration
	CommandBufferSize   int
	// optional local cache of the last synced snapshot
	SnapshotStore     *SnapshotStore
	TransportSettings *TransportSettings
	// used by tests to substitute the transport
	TransportGenerator func() SessionTransport
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		ReconnectJitter:     0.2,
		JoinTimeout:         10 * time.Second,
		TypingIdleTimeout:   1000 * time.Millisecond,
		CommandBufferSize:   32,
		TransportSettings:   DefaultTransportSettings(),
	}
}

type localEditCommand struct {
	content string
}

type localCursorCommand struct {
	position  int
	selection *Selection
}

type localTypingCommand struct {
	isTyping bool
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint   string
	documentId Id
	auth       *SessionAuth

	settings *SessionSettings

	engine      *SyncEngine
	presence    *PresenceTracker
	broadcaster *ActivityBroadcaster

	commands chan any

	openOnce sync.Once

	stateLock  sync.Mutex
	state      ConnectionState
	title      string
	permission string

	statusCallbacks   *CallbackList[StatusFunction]
	documentCallbacks *CallbackList[DocumentFunction]
	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewSessionWithDefaults(
	ctx context.Context,
	endpoint string,
	documentId Id,
	auth *SessionAuth,
) *Session {
	return NewSession(ctx, endpoint, documentId, auth, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	endpoint string,
	documentId Id,
	auth *SessionAuth,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:               cancelCtx,
		cancel:            cancel,
		endpoint:          endpoint,
		documentId:        documentId,
		auth:              auth,
		settings:          settings,
		engine:            NewSyncEngine(auth.UserId, 0, ""),
		presence:          NewPresenceTracker(auth.UserId, settings.TypingIdleTimeout),
		commands:          make(chan any, settings.CommandBufferSize),
		state:             StateDisconnected,
		statusCallbacks:   NewCallbackList[StatusFunction](),
		documentCallbacks: NewCallbackList[DocumentFunction](),
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
	session.broadcaster = NewActivityBroadcaster(
		session.localContentChanged,
		session.localCursorChanged,
		session.localTypingChanged,
		&ActivityBroadcasterSettings{
			TypingIdleTimeout: settings.TypingIdleTimeout,
		},
	)
	return session
}

// starts connecting. a session is created disconnected and does nothing
// until opened. opening a closed session has no effect.
func (self *Session) Open() {
	self.openOnce.Do(func() {
		go HandleError(self.run)
	})
}

func (self *Session) run() {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectMinTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	reconnect.RandomizationFactor = self.settings.ReconnectJitter
	reconnect.Multiplier = 2
	// retry for as long as the session remains open
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(StateConnecting, nil)

		transport := self.newTransport()
		if err := transport.Connect(); err != nil {
			transport.Close()
			if errors.Is(err, ErrAuthRejected) {
				// terminal. requires re-authentication, no further retries
				glog.Infof("[s]%s auth rejected = %s\n", self.documentId, err)
				self.closeWithError(err)
				return
			}
			glog.Infof("[s]%s connect error = %s\n", self.documentId, err)
			self.setState(StateDisconnected, err)
			if !self.awaitReconnect(reconnect) {
				return
			}
			continue
		}

		joined := self.runConnected(transport)
		transport.Close()

		if self.ctx.Err() != nil {
			return
		}

		closeErr := transport.Err()
		if closeErr == nil {
			closeErr = errors.New("connection closed")
		}
		glog.Infof("[s]%s disconnected = %s\n", self.documentId, closeErr)
		self.setState(StateDisconnected, closeErr)
		if joined {
			// after a successful join, back off from the base again
			reconnect.Reset()
		}
		if !self.awaitReconnect(reconnect) {
			return
		}
	}
}

func (self *Session) newTransport() SessionTransport {
	if self.settings.TransportGenerator != nil {
		return self.settings.TransportGenerator()
	}
	return NewTransport(self.ctx, self.endpoint, self.auth.ByJwt, self.settings.TransportSettings)
}

func (self *Session) awaitReconnect(reconnect *backoff.ExponentialBackOff) bool {
	select {
	case <-self.ctx.Done():
		return false
	case <-time.After(reconnect.NextBackOff()):
		return true
	}
}

// drives one transport connection: join handshake, then the serialized
// event loop. returns whether the join was acknowledged.
func (self *Session) runConnected(transport SessionTransport) bool {
	// the transport is open. immediately issue the join request.
	// the server is the source of truth for version and content on rejoin.
	transport.Send(&JoinDocument{
		DocumentId: self.documentId,
		Token:      self.auth.ByJwt,
	})

	joinTimeout := time.After(self.settings.JoinTimeout)
	joined := false
	for !joined {
		select {
		case <-self.ctx.Done():
			transport.Send(&LeaveDocument{DocumentId: self.documentId})
			return false
		case <-transport.Done():
			return false
		case <-joinTimeout:
			glog.Infof("[s]%s join timeout\n", self.documentId)
			return false
		case message, ok := <-transport.Receive():
			if !ok {
				return false
			}
			switch v := message.(type) {
			case *DocumentJoined:
				joined = self.handleJoined(v)
			case *ErrorMessage:
				glog.Infof("[s]%s join error = %s\n", self.documentId, v.Message)
				return false
			default:
				// presence may arrive interleaved with the join ack
				self.handleMessage(message)
			}
		}
	}

	for {
		select {
		case <-self.ctx.Done():
			// best effort. the server also detects the close
			transport.Send(&LeaveDocument{DocumentId: self.documentId})
			return true
		case <-transport.Done():
			return true
		case message, ok := <-transport.Receive():
			if !ok {
				return true
			}
			self.handleMessage(message)
		case command := <-self.commands:
			self.handleCommand(transport, command)
		}
	}
}

func (self *Session) handleJoined(documentJoined *DocumentJoined) bool {
	document := documentJoined.Document
	if document == nil {
		glog.Infof("[s]%s drop join ack, missing document\n", self.documentId)
		return false
	}

	self.stateLock.Lock()
	self.engine.Reset(document.Version, document.Content)
	self.presence.Clear()
	self.title = document.Title
	self.permission = documentJoined.Permission
	self.stateLock.Unlock()

	self.putSnapshot(document.Title, document.Content, document.Version)

	self.setState(StateConnected, nil)
	self.notifyDocument(&DocumentUpdate{
		DocumentId: self.documentId,
		Title:      document.Title,
		Content:    document.Content,
		Version:    document.Version,
	})
	self.notifyPresence()
	return true
}

func (self *Session) handleMessage(message any) {
	switch v := message.(type) {
	case *TextChanged:
		self.stateLock.Lock()
		result := self.engine.ApplyRemote(v.Operation)
		content := self.engine.Content()
		version := self.engine.CurrentVersion()
		title := self.title
		self.stateLock.Unlock()

		switch result {
		case Applied:
			self.putSnapshot(title, content, version)
			self.notifyDocument(&DocumentUpdate{
				DocumentId: self.documentId,
				Title:      title,
				Content:    content,
				Version:    version,
				Author:     v.Author,
			})
		case Stale:
			glog.V(2).Infof("[s]%s stale change v%d\n", self.documentId, v.Version)
		case Rejected:
			glog.Infof("[s]%s drop rejected change\n", self.documentId)
		}
	case *UserJoined:
		self.applyPresence(func() {
			self.presence.ApplyJoin(v.User)
		})
	case *UserLeft:
		if v.User == nil {
			glog.Infof("[s]%s drop user-left, missing user\n", self.documentId)
			return
		}
		self.applyPresence(func() {
			self.presence.ApplyLeave(v.User.UserId)
		})
	case *OnlineUsers:
		self.applyPresence(func() {
			self.presence.ApplyBulkSync(v.Users)
		})
	case *CursorMoved:
		if v.User == nil {
			glog.Infof("[s]%s drop cursor-moved, missing user\n", self.documentId)
			return
		}
		self.applyPresence(func() {
			self.presence.ApplyCursor(v.User.UserId, v.Position, v.Selection)
		})
	case *TypingStatusChanged:
		if v.User == nil {
			glog.Infof("[s]%s drop typing-status, missing user\n", self.documentId)
			return
		}
		self.applyPresence(func() {
			self.presence.ApplyTyping(v.User.UserId, v.IsTyping)
		})
	case *ErrorMessage:
		glog.Infof("[s]%s server error = %s\n", self.documentId, v.Message)
	case *DocumentJoined:
		// server initiated re-sync on an open connection
		self.handleJoined(v)
	default:
		glog.V(2).Infof("[s]%s drop %T\n", self.documentId, v)
	}
}

func (self *Session) applyPresence(apply func()) {
	self.stateLock.Lock()
	apply()
	self.stateLock.Unlock()
	self.notifyPresence()
}

func (self *Session) handleCommand(transport SessionTransport, command any) {
	switch v := command.(type) {
	case *localEditCommand:
		self.stateLock.Lock()
		operation := self.engine.RecordLocalEdit(v.content)
		version := self.engine.CurrentVersion()
		self.stateLock.Unlock()
		transport.Send(&TextChange{
			DocumentId: self.documentId,
			Operation:  operation,
			Version:    version,
		})
	case *localCursorCommand:
		transport.Send(&CursorPosition{
			DocumentId: self.documentId,
			Position:   v.position,
			Selection:  v.selection,
		})
	case *localTypingCommand:
		transport.Send(&TypingStatus{
			DocumentId: self.documentId,
			IsTyping:   v.isTyping,
		})
	default:
		glog.V(2).Infof("[s]%s drop command %T\n", self.documentId, v)
	}
}

// broadcaster callbacks. these enqueue into the run loop so that the engine
// and presence set keep a single writer.

func (self *Session) localContentChanged(content string) {
	self.enqueue(&localEditCommand{content: content})
}

func (self *Session) localCursorChanged(position int, selection *Selection) {
	self.enqueue(&localCursorCommand{position: position, selection: selection})
}

func (self *Session) localTypingChanged(isTyping bool) {
	self.enqueue(&localTypingCommand{isTyping: isTyping})
}

func (self *Session) enqueue(command any) {
	select {
	case <-self.ctx.Done():
	case self.commands <- command:
	default:
		glog.Infof("[s]%s drop command backpressure\n", self.documentId)
	}
}

// facade for the presentation layer

func (self *Session) OnContentChanged(content string) {
	self.broadcaster.OnContentChanged(content)
}

func (self *Session) OnSelectionChanged(position int, selection *Selection) {
	self.broadcaster.OnSelectionChanged(position, selection)
}

func (self *Session) DocumentId() Id {
	return self.documentId
}

func (self *Session) UserId() Id {
	return self.auth.UserId
}

func (self *Session) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) CurrentVersion() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.engine.CurrentVersion()
}

func (self *Session) ContentSnapshot() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.engine.Content()
}

func (self *Session) LastSyncTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.engine.LastSyncTime()
}

func (self *Session) Title() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.title
}

func (self *Session) Permission() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.permission
}

func (self *Session) OnlineUsers() []*PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.presence.Snapshot()
}

// each Add returns a sub function to remove the callback

func (self *Session) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *Session) AddDocumentCallback(callback DocumentFunction) func() {
	return self.documentCallbacks.Add(callback)
}

func (self *Session) AddPresenceCallback(callback PresenceFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *Session) setState(state ConnectionState, err error) {
	self.stateLock.Lock()
	if self.state == StateClosed {
		// closed is terminal, no further transitions or callbacks
		self.stateLock.Unlock()
		return
	}
	changed := self.state != state || err != nil
	self.state = state
	self.stateLock.Unlock()

	if !changed {
		return
	}
	for _, callback := range self.statusCallbacks.Get() {
		func(callback StatusFunction) {
			HandleError(func() {
				callback(state, err)
			})
		}(callback)
	}
}

func (self *Session) notifyDocument(update *DocumentUpdate) {
	if self.ctx.Err() != nil {
		return
	}
	for _, callback := range self.documentCallbacks.Get() {
		func(callback DocumentFunction) {
			HandleError(func() {
				callback(update)
			})
		}(callback)
	}
}

func (self *Session) notifyPresence() {
	if self.ctx.Err() != nil {
		return
	}
	self.stateLock.Lock()
	entries := self.presence.Snapshot()
	self.stateLock.Unlock()
	for _, callback := range self.presenceCallbacks.Get() {
		func(callback PresenceFunction) {
			HandleError(func() {
				callback(entries)
			})
		}(callback)
	}
}

func (self *Session) putSnapshot(title string, content string, version int) {
	store := self.settings.SnapshotStore
	if store == nil {
		return
	}
	err := store.Put(&DocumentSnapshot{
		DocumentId: self.documentId,
		Title:      title,
		Content:    content,
		Version:    version,
		UpdateTime: time.Now(),
	})
	if err != nil {
		glog.Infof("[s]%s snapshot store error = %s\n", self.documentId, err)
	}
}

func (self *Session) closeWithError(err error) {
	self.stateLock.Lock()
	alreadyClosed := self.state == StateClosed
	self.state = StateClosed
	self.stateLock.Unlock()

	self.cancel()
	self.broadcaster.Close()

	if !alreadyClosed {
		for _, callback := range self.statusCallbacks.Get() {
			func(callback StatusFunction) {
				HandleError(func() {
					callback(StateClosed, err)
				})
			}(callback)
		}
	}
}

// terminal. cancels all pending timers, releases the transport, and clears
// the presence set. a closed session cannot be reopened; construct a new one.
func (self *Session) Close() {
	self.closeWithError(nil)

	self.stateLock.Lock()
	self.presence.Clear()
	self.stateLock.Unlock()
}
