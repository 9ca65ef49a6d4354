package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectErr error

	receive chan any
	sent    chan any

	stateLock sync.Mutex
	closeErr  error
}

func newTestTransport(ctx context.Context, connectErr error) *testTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &testTransport{
		ctx:        cancelCtx,
		cancel:     cancel,
		connectErr: connectErr,
		receive:    make(chan any, 16),
		sent:       make(chan any, 64),
	}
}

func (self *testTransport) Connect() error {
	return self.connectErr
}

func (self *testTransport) Send(message any) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.sent <- message:
		return true
	}
}

func (self *testTransport) Receive() <-chan any {
	return self.receive
}

func (self *testTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *testTransport) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeErr
}

func (self *testTransport) Close() {
	self.cancel()
}

func (self *testTransport) push(message any) {
	self.receive <- message
}

func (self *testTransport) fail(err error) {
	self.stateLock.Lock()
	self.closeErr = err
	self.stateLock.Unlock()
	self.cancel()
}

type statusEvent struct {
	state ConnectionState
	err   error
}

func awaitState(t *testing.T, statuses chan statusEvent, state ConnectionState, timeout time.Duration) statusEvent {
	deadline := time.After(timeout)
	for {
		select {
		case event := <-statuses:
			if event.state == state {
				return event
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", state)
			return statusEvent{}
		}
	}
}

func awaitSent[T any](t *testing.T, transport *testTransport, timeout time.Duration) T {
	deadline := time.After(timeout)
	for {
		select {
		case message := <-transport.sent:
			if v, ok := message.(T); ok {
				return v
			}
		case <-deadline:
			var empty T
			t.Fatalf("timeout waiting for sent %T", empty)
			return empty
		}
	}
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.ReconnectMinTimeout = 50 * time.Millisecond
	settings.ReconnectMaxTimeout = 1 * time.Second
	settings.JoinTimeout = 2 * time.Second
	settings.TypingIdleTimeout = 100 * time.Millisecond
	return settings
}

func TestSessionJoinHandshake(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{
		ByJwt:    "test jwt",
		UserId:   NewId(),
		Username: "me",
	}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})
	updates := make(chan *DocumentUpdate, 64)
	session.AddDocumentCallback(func(update *DocumentUpdate) {
		updates <- update
	})

	assert.Equal(t, StateDisconnected, session.State())

	session.Open()
	awaitState(t, statuses, StateConnecting, 1*time.Second)

	transport := <-created

	// the join request goes out as soon as the transport opens
	join := awaitSent[*JoinDocument](t, transport, 1*time.Second)
	assert.Equal(t, documentId, join.DocumentId)
	assert.Equal(t, "test jwt", join.Token)

	transport.push(&DocumentJoined{
		Document: &DocumentInfo{
			DocumentId: documentId,
			Title:      "notes",
			Content:    "hello",
			Version:    5,
		},
		User:       &User{UserId: auth.UserId, Username: "me"},
		Permission: "edit",
	})

	// connected only upon the join ack
	awaitState(t, statuses, StateConnected, 1*time.Second)

	update := <-updates
	assert.Equal(t, "hello", update.Content)
	assert.Equal(t, 5, update.Version)
	assert.Equal(t, nil, update.Author)

	assert.Equal(t, 5, session.CurrentVersion())
	assert.Equal(t, "hello", session.ContentSnapshot())
	assert.Equal(t, "notes", session.Title())
	assert.Equal(t, "edit", session.Permission())
}

func TestSessionReconnectBackoff(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId()}

	attemptTimes := make(chan time.Time, 16)
	created := make(chan *testTransport, 16)

	attempt := 0
	settings := testSessionSettings()
	settings.ReconnectMinTimeout = 100 * time.Millisecond
	settings.TransportGenerator = func() SessionTransport {
		attempt += 1
		attemptTimes <- time.Now()
		var connectErr error
		if attempt <= 2 {
			connectErr = fmt.Errorf("%w: connection refused", ErrUnreachable)
		}
		transport := newTestTransport(ctx, connectErr)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})

	session.Open()

	// each failure surfaces a non-fatal degraded notice
	event := awaitState(t, statuses, StateDisconnected, 1*time.Second)
	assert.Equal(t, true, errors.Is(event.err, ErrUnreachable))

	t1 := <-attemptTimes
	t2 := <-attemptTimes
	t3 := <-attemptTimes

	// base 1x with +-20% jitter, then 2x
	gap1 := t2.Sub(t1)
	gap2 := t3.Sub(t2)
	assert.Equal(t, true, 70*time.Millisecond <= gap1)
	assert.Equal(t, true, gap1 <= 200*time.Millisecond)
	assert.Equal(t, true, 150*time.Millisecond <= gap2)
	assert.Equal(t, true, gap2 <= 350*time.Millisecond)

	// the third attempt succeeds and re-issues the join handshake
	<-created
	<-created
	transport := <-created
	join := awaitSent[*JoinDocument](t, transport, 1*time.Second)
	assert.Equal(t, documentId, join.DocumentId)

	transport.push(&DocumentJoined{
		Document: &DocumentInfo{
			DocumentId: documentId,
			Content:    "recovered",
			Version:    8,
		},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)
	assert.Equal(t, 8, session.CurrentVersion())
}

func TestSessionNetworkCloseThenRejoin(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId()}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})

	session.Open()

	transport1 := <-created
	awaitSent[*JoinDocument](t, transport1, 1*time.Second)
	transport1.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "v5", Version: 5},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)

	transport1.fail(errors.New("network"))

	event := awaitState(t, statuses, StateDisconnected, 1*time.Second)
	assert.NotEqual(t, nil, event.err)

	// reconnection re-issues the join handshake. the server is the source
	// of truth for version and content on rejoin
	transport2 := <-created
	awaitSent[*JoinDocument](t, transport2, 1*time.Second)
	transport2.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "v6 rejoined", Version: 6},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)
	assert.Equal(t, 6, session.CurrentVersion())
	assert.Equal(t, "v6 rejoined", session.ContentSnapshot())
}

func TestSessionAuthRejectedTerminal(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "bad jwt", UserId: NewId()}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, fmt.Errorf("%w: 401", ErrAuthRejected))
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})

	session.Open()
	<-created

	event := awaitState(t, statuses, StateClosed, 1*time.Second)
	assert.Equal(t, true, errors.Is(event.err, ErrAuthRejected))
	assert.Equal(t, StateClosed, session.State())

	// no retries after an auth rejection
	select {
	case <-created:
		t.FailNow()
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSessionLocalEditFlow(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId(), Username: "me"}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})

	session.Open()
	transport := <-created
	awaitSent[*JoinDocument](t, transport, 1*time.Second)
	transport.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "hello", Version: 5},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)

	session.OnContentChanged("hello world")

	typing := awaitSent[*TypingStatus](t, transport, 1*time.Second)
	assert.Equal(t, true, typing.IsTyping)

	// the local edit is tagged with the current version, not incremented
	change := awaitSent[*TextChange](t, transport, 1*time.Second)
	assert.Equal(t, documentId, change.DocumentId)
	assert.Equal(t, 5, change.Version)
	assert.Equal(t, "hello world", change.Operation.Content)
	assert.Equal(t, auth.UserId, change.Operation.AuthorId)

	// typing stop after the idle window
	typing = awaitSent[*TypingStatus](t, transport, 1*time.Second)
	assert.Equal(t, false, typing.IsTyping)

	session.OnSelectionChanged(4, &Selection{Start: 4, End: 8})
	cursor := awaitSent[*CursorPosition](t, transport, 1*time.Second)
	assert.Equal(t, 4, cursor.Position)
	assert.Equal(t, 8, cursor.Selection.End)
}

func TestSessionRemoteChange(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId()}
	remoteUser := &User{UserId: NewId(), Username: "alice"}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})
	updates := make(chan *DocumentUpdate, 64)
	session.AddDocumentCallback(func(update *DocumentUpdate) {
		updates <- update
	})

	session.Open()
	transport := <-created
	awaitSent[*JoinDocument](t, transport, 1*time.Second)
	transport.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "v4", Version: 4},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)
	// drain the join update
	<-updates

	changed := &TextChanged{
		Operation: &Operation{
			Kind:     OperationKindInsert,
			Content:  "v5 content",
			AuthorId: remoteUser.UserId,
			Version:  5,
		},
		Version:   5,
		Author:    remoteUser,
		Timestamp: time.Now(),
	}
	transport.push(changed)

	update := <-updates
	assert.Equal(t, "v5 content", update.Content)
	assert.Equal(t, 5, update.Version)
	assert.Equal(t, remoteUser.UserId, update.Author.UserId)
	assert.Equal(t, 5, session.CurrentVersion())

	// duplicate redelivery is suppressed
	transport.push(changed)
	select {
	case <-updates:
		t.FailNow()
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 5, session.CurrentVersion())
}

func TestSessionPresenceFlow(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId(), Username: "me"}
	alice := &User{UserId: NewId(), Username: "alice"}
	bob := &User{UserId: NewId(), Username: "bob"}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)
	defer session.Close()

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})
	presences := make(chan []*PresenceEntry, 64)
	session.AddPresenceCallback(func(entries []*PresenceEntry) {
		presences <- entries
	})

	session.Open()
	transport := <-created
	awaitSent[*JoinDocument](t, transport, 1*time.Second)
	transport.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "", Version: 1},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)

	// a bulk sync follows the join ack. the local user echo is excluded
	transport.push(&OnlineUsers{
		Users: []*User{
			{UserId: auth.UserId, Username: "me"},
			alice,
			bob,
		},
	})

	deadline := time.After(1 * time.Second)
	for {
		var entries []*PresenceEntry
		select {
		case entries = <-presences:
		case <-deadline:
			t.FailNow()
		}
		if len(entries) == 2 {
			// ordered by username
			assert.Equal(t, "alice", entries[0].Username)
			assert.Equal(t, "bob", entries[1].Username)
			break
		}
	}

	transport.push(&UserLeft{User: alice})
	deadline = time.After(1 * time.Second)
	for {
		var entries []*PresenceEntry
		select {
		case entries = <-presences:
		case <-deadline:
			t.FailNow()
		}
		if len(entries) == 1 {
			assert.Equal(t, "bob", entries[0].Username)
			break
		}
	}

	assert.Equal(t, 1, len(session.OnlineUsers()))
}

func TestSessionClose(t *testing.T) {
	ctx := context.Background()

	documentId := NewId()
	auth := &SessionAuth{ByJwt: "test jwt", UserId: NewId()}

	created := make(chan *testTransport, 16)
	settings := testSessionSettings()
	settings.TransportGenerator = func() SessionTransport {
		transport := newTestTransport(ctx, nil)
		created <- transport
		return transport
	}

	session := NewSession(ctx, "wss://collab.test", documentId, auth, settings)

	statuses := make(chan statusEvent, 64)
	session.AddStatusCallback(func(state ConnectionState, err error) {
		statuses <- statusEvent{state: state, err: err}
	})

	session.Open()
	transport := <-created
	awaitSent[*JoinDocument](t, transport, 1*time.Second)
	transport.push(&DocumentJoined{
		Document: &DocumentInfo{DocumentId: documentId, Content: "v1", Version: 1},
	})
	awaitState(t, statuses, StateConnected, 1*time.Second)

	session.Close()
	awaitState(t, statuses, StateClosed, 1*time.Second)
	assert.Equal(t, StateClosed, session.State())
	assert.Equal(t, 0, len(session.OnlineUsers()))

	// closed is terminal. no reconnect attempt follows
	select {
	case <-created:
		t.FailNow()
	case <-time.After(300 * time.Millisecond):
	}
}
