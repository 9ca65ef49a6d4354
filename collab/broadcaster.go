package collab

import (
	"sync"
	"time"
)

// observes local editing activity and emits presence and change signals
// outward. typing-start fires on the first change after a quiet period and a
// typing-stop fires after `TypingIdleTimeout` of no further changes, as a
// resettable timer. cursor moves are cheap and latency sensitive for remote
// cursor rendering, so they are forwarded immediately, not debounced.

type ContentFunction func(content string)
type CursorFunction func(position int, selection *Selection)
type TypingFunction func(isTyping bool)

type ActivityBroadcasterSettings struct {
	TypingIdleTimeout time.Duration
}

func DefaultActivityBroadcasterSettings() *ActivityBroadcasterSettings {
	return &ActivityBroadcasterSettings{
		TypingIdleTimeout: 1000 * time.Millisecond,
	}
}

type ActivityBroadcaster struct {
	contentCallback ContentFunction
	cursorCallback  CursorFunction
	typingCallback  TypingFunction

	settings *ActivityBroadcasterSettings

	stateLock sync.Mutex
	typing    bool
	idleTimer *time.Timer
	closed    bool
}

func NewActivityBroadcasterWithDefaults(
	contentCallback ContentFunction,
	cursorCallback CursorFunction,
	typingCallback TypingFunction,
) *ActivityBroadcaster {
	return NewActivityBroadcaster(
		contentCallback,
		cursorCallback,
		typingCallback,
		DefaultActivityBroadcasterSettings(),
	)
}

func NewActivityBroadcaster(
	contentCallback ContentFunction,
	cursorCallback CursorFunction,
	typingCallback TypingFunction,
	settings *ActivityBroadcasterSettings,
) *ActivityBroadcaster {
	return &ActivityBroadcaster{
		contentCallback: contentCallback,
		cursorCallback:  cursorCallback,
		typingCallback:  typingCallback,
		settings:        settings,
	}
}

func (self *ActivityBroadcaster) OnContentChanged(content string) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	typingStart := !self.typing
	self.typing = true
	// each keystroke cancels and restarts the idle timer
	if self.idleTimer != nil {
		self.idleTimer.Stop()
	}
	self.idleTimer = time.AfterFunc(self.settings.TypingIdleTimeout, self.typingIdle)
	self.stateLock.Unlock()

	if typingStart {
		HandleError(func() {
			self.typingCallback(true)
		})
	}
	HandleError(func() {
		self.contentCallback(content)
	})
}

func (self *ActivityBroadcaster) OnSelectionChanged(position int, selection *Selection) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	HandleError(func() {
		self.cursorCallback(position, selection)
	})
}

func (self *ActivityBroadcaster) typingIdle() {
	self.stateLock.Lock()
	if self.closed || !self.typing {
		self.stateLock.Unlock()
		return
	}
	self.typing = false
	self.idleTimer = nil
	self.stateLock.Unlock()

	HandleError(func() {
		self.typingCallback(false)
	})
}

func (self *ActivityBroadcaster) IsTyping() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.typing
}

func (self *ActivityBroadcaster) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return
	}
	self.closed = true
	if self.idleTimer != nil {
		self.idleTimer.Stop()
		self.idleTimer = nil
	}
}
